package auth

import (
	"semaphore/school-auth/internal/model"
)

// Requirement describes what an action demands of the caller. Empty Roles
// means any role; empty Module means no module check.
type Requirement struct {
	Roles  []model.Role
	Module model.Module
}

// isPlatformSuperadmin is the single bypass predicate for every gate.
func isPlatformSuperadmin(account model.Account) bool {
	return account.Role == model.RolePlatformSuperadmin
}

func AuthorizeRole(account model.Account, allowed ...model.Role) error {
	if isPlatformSuperadmin(account) {
		return nil
	}
	for _, role := range allowed {
		if account.Role == role {
			return nil
		}
	}
	return withDetail(ErrRoleDenied, string(account.Role))
}

func AuthorizeModule(account model.Account, module model.Module, tenantModules model.ModuleSet) error {
	if isPlatformSuperadmin(account) {
		return nil
	}
	if tenantModules.Has(module) {
		return nil
	}
	return withDetail(ErrModuleDenied, string(module))
}

// Authorize applies the role check, then the module check.
func Authorize(account model.Account, tenantModules model.ModuleSet, req Requirement) error {
	if len(req.Roles) > 0 {
		if err := AuthorizeRole(account, req.Roles...); err != nil {
			return err
		}
	}
	if req.Module != "" {
		if err := AuthorizeModule(account, req.Module, tenantModules); err != nil {
			return err
		}
	}
	return nil
}
