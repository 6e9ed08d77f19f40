package policy

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"semaphore/school-auth/internal/auth"
	"semaphore/school-auth/internal/model"
)

//go:embed default.yaml
var defaultPolicy []byte

var ErrUnknownAction = errors.New("unknown action")

// Policy maps action names such as "fees.write" to the roles and module they
// require.
type Policy struct {
	actions map[string]auth.Requirement
}

type file struct {
	Version string          `yaml:"version"`
	Actions map[string]rule `yaml:"actions"`
}

type rule struct {
	Roles  []string `yaml:"roles"`
	Module string   `yaml:"module"`
}

func Default() (*Policy, error) {
	return Parse(defaultPolicy)
}

// Load reads a policy file, falling back to the embedded default when path
// is empty.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return Parse(data)
}

// Parse rejects unknown roles and modules so a typo cannot silently open or
// close an action.
func Parse(data []byte) (*Policy, error) {
	var doc file
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if len(doc.Actions) == 0 {
		return nil, errors.New("parse policy: no actions defined")
	}

	actions := make(map[string]auth.Requirement, len(doc.Actions))
	for name, r := range doc.Actions {
		var req auth.Requirement
		for _, value := range r.Roles {
			role, err := model.ParseRole(value)
			if err != nil {
				return nil, fmt.Errorf("action %s: %w", name, err)
			}
			req.Roles = append(req.Roles, role)
		}
		if r.Module != "" {
			module, err := model.ParseModule(r.Module)
			if err != nil {
				return nil, fmt.Errorf("action %s: %w", name, err)
			}
			req.Module = module
		}
		actions[name] = req
	}
	return &Policy{actions: actions}, nil
}

func (p *Policy) Requirement(action string) (auth.Requirement, error) {
	req, ok := p.actions[action]
	if !ok {
		return auth.Requirement{}, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	return req, nil
}

// Check resolves action and runs both gates against the principal.
func (p *Policy) Check(principal auth.Principal, action string) error {
	req, err := p.Requirement(action)
	if err != nil {
		return err
	}
	return auth.Authorize(principal.Account, principal.Modules, req)
}

func (p *Policy) Actions() []string {
	names := make([]string, 0, len(p.actions))
	for name := range p.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
