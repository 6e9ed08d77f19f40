package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is what a CRUD service embeds to call the introspection API.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr and attaches the service token to every call.
func Dial(addr, serviceToken string, opts ...grpc.DialOption) (*Client, error) {
	if serviceToken == "" {
		return nil, errors.New("service auth token required")
	}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(serviceAuthUnaryClientInterceptor(serviceToken)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) ValidateSession(ctx context.Context, token, tenantSlug string) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]interface{}{"token": token, "tenant_slug": tenantSlug})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, validateSessionMethod, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Authorize returns nil when the action is allowed; refusals come back as
// gRPC status errors carrying the machine code.
func (c *Client) Authorize(ctx context.Context, token, tenantSlug, action string) error {
	in, err := structpb.NewStruct(map[string]interface{}{"token": token, "tenant_slug": tenantSlug, "action": action})
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, authorizeMethod, in, new(structpb.Struct))
}
