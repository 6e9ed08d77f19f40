package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

type Role string

const (
	RolePlatformSuperadmin Role = "platform_superadmin"
	RoleSchoolAdmin        Role = "school_admin"
	RoleTeacher            Role = "teacher"
	RoleParent             Role = "parent"
	RoleStudent            Role = "student"
	RoleAccountant         Role = "accountant"
	RoleLibrarian          Role = "librarian"
	RoleTransportManager   Role = "transport_manager"
	RoleStaff              Role = "staff"
)

var roles = []Role{
	RolePlatformSuperadmin,
	RoleSchoolAdmin,
	RoleTeacher,
	RoleParent,
	RoleStudent,
	RoleAccountant,
	RoleLibrarian,
	RoleTransportManager,
	RoleStaff,
}

type SubscriptionStatus string

const (
	SubscriptionTrial     SubscriptionStatus = "trial"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionSuspended SubscriptionStatus = "suspended"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

var subscriptionStatuses = []SubscriptionStatus{
	SubscriptionTrial,
	SubscriptionActive,
	SubscriptionSuspended,
	SubscriptionExpired,
	SubscriptionCancelled,
}

type Module string

const (
	ModuleStudents       Module = "students"
	ModuleStaff          Module = "staff"
	ModuleFees           Module = "fees"
	ModuleAttendance     Module = "attendance"
	ModuleExams          Module = "exams"
	ModuleCommunications Module = "communications"
	ModuleAdmissions     Module = "admissions"
	ModuleHomework       Module = "homework"
	ModuleReports        Module = "reports"
	ModuleTransport      Module = "transport"
	ModuleLibrary        Module = "library"
	ModuleTimetable      Module = "timetable"
	ModuleInventory      Module = "inventory"
	ModulePayroll        Module = "payroll"
)

var modules = []Module{
	ModuleStudents,
	ModuleStaff,
	ModuleFees,
	ModuleAttendance,
	ModuleExams,
	ModuleCommunications,
	ModuleAdmissions,
	ModuleHomework,
	ModuleReports,
	ModuleTransport,
	ModuleLibrary,
	ModuleTimetable,
	ModuleInventory,
	ModulePayroll,
}

var (
	ErrUnknownRole               = errors.New("unknown role")
	ErrUnknownModule             = errors.New("unknown module")
	ErrUnknownSubscriptionStatus = errors.New("unknown subscription status")
)

// ParseRole accepts both the stored form ("school_admin") and the hyphenated
// form used by older clients ("school-admin"). "generic-staff" is stored as
// "staff".
func ParseRole(value string) (Role, error) {
	normalized := Role(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "-", "_"))
	if normalized == "generic_staff" {
		return RoleStaff, nil
	}
	for _, role := range roles {
		if role == normalized {
			return role, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, value)
}

func ParseModule(value string) (Module, error) {
	normalized := Module(strings.ToLower(strings.TrimSpace(value)))
	for _, module := range modules {
		if module == normalized {
			return module, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownModule, value)
}

func ParseSubscriptionStatus(value string) (SubscriptionStatus, error) {
	normalized := SubscriptionStatus(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range subscriptionStatuses {
		if status == normalized {
			return status, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSubscriptionStatus, value)
}

func AllRoles() []Role {
	return append([]Role(nil), roles...)
}

func AllModules() []Module {
	return append([]Module(nil), modules...)
}

type Account struct {
	ID             string
	TenantID       *string
	Email          string
	PasswordHash   string
	FirstName      string
	LastName       string
	Role           Role
	Active         bool
	FailedAttempts int
	LockedUntil    *time.Time
	LastLoginAt    *time.Time
	LoginCount     int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LockedAt reports whether the lockout window is still open at now.
func (a Account) LockedAt(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

func (a Account) HomeTenant() string {
	if a.TenantID == nil {
		return ""
	}
	return *a.TenantID
}

// LoginFailure is the counter state persisted by an atomic failed-attempt increment.
type LoginFailure struct {
	FailedAttempts int
	LockedUntil    *time.Time
}

type Session struct {
	ID        string
	TokenHash string
	AccountID string
	TenantID  *string
	CreatedAt time.Time
	ExpiresAt time.Time
	IPAddress *string
	UserAgent *string
}

// ValidAt reports whether now is strictly before the session expiry.
func (s Session) ValidAt(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

type Tenant struct {
	ID                    string
	Slug                  string
	Name                  string
	Active                bool
	SubscriptionStatus    SubscriptionStatus
	SubscriptionExpiresAt *time.Time
	Settings              map[string]any
	Modules               ModuleSet
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type ModuleFlag struct {
	TenantID  string
	Module    Module
	Enabled   bool
	UpdatedAt time.Time
}

type ModuleSet map[Module]struct{}

func NewModuleSet(values ...Module) ModuleSet {
	set := make(ModuleSet, len(values))
	for _, value := range values {
		set[value] = struct{}{}
	}
	return set
}

// EnabledModules builds the set of modules whose flag is enabled.
func EnabledModules(flags []ModuleFlag) ModuleSet {
	set := make(ModuleSet, len(flags))
	for _, flag := range flags {
		if flag.Enabled {
			set[flag.Module] = struct{}{}
		}
	}
	return set
}

func (s ModuleSet) Has(module Module) bool {
	_, ok := s[module]
	return ok
}

// Sorted returns the set members in a stable order for responses.
func (s ModuleSet) Sorted() []Module {
	out := make([]Module, 0, len(s))
	for module := range s {
		out = append(out, module)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type ModuleOp string

const (
	ModuleOpAdd     ModuleOp = "add"
	ModuleOpEnable  ModuleOp = "enable"
	ModuleOpDisable ModuleOp = "disable"
)

type ModuleChange struct {
	Module Module   `json:"module"`
	Op     ModuleOp `json:"op"`
}

// PlanModuleChanges diffs the desired module set against the stored flags.
// Modules without a flag row are added, disabled rows present in desired are
// enabled, and enabled rows absent from desired are disabled.
func PlanModuleChanges(current []ModuleFlag, desired ModuleSet) []ModuleChange {
	known := make(map[Module]bool, len(current))
	for _, flag := range current {
		known[flag.Module] = flag.Enabled
	}

	var changes []ModuleChange
	for _, module := range desired.Sorted() {
		enabled, ok := known[module]
		switch {
		case !ok:
			changes = append(changes, ModuleChange{Module: module, Op: ModuleOpAdd})
		case !enabled:
			changes = append(changes, ModuleChange{Module: module, Op: ModuleOpEnable})
		}
	}

	disabled := make([]Module, 0)
	for module, enabled := range known {
		if enabled && !desired.Has(module) {
			disabled = append(disabled, module)
		}
	}
	sort.Slice(disabled, func(i, j int) bool { return disabled[i] < disabled[j] })
	for _, module := range disabled {
		changes = append(changes, ModuleChange{Module: module, Op: ModuleOpDisable})
	}
	return changes
}
