package rbac

import (
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

// RBAC answers which subject may resolve, apply or manage for which account,
// using Casbin. The resolve path in pkg/resolver does not consult it (that
// path relies on the catalog's per-flag AllowedClients check alone); in this
// repository only the catalog syncer calls it, through CanServiceManage.
type RBAC struct {
	enforcer *casbin.Enforcer
}

// Subject is an entity that can perform a resolve-side action: a client
// credential attached to an SDK integration, or an internal service (the
// catalog syncer, the telemetry flusher) acting with elevated rights.
type Subject struct {
	ID   string
	Type string // "client", "service"
}

// Object is a resource scoped to an account, optionally to one flag within it.
type Object struct {
	Type    string // "account", "flag"
	Account string
	Flag    string
}

// Action is an action performed against the resolution engine.
type Action string

const (
	ActionResolve Action = "resolve"
	ActionApply   Action = "apply"
	ActionManage  Action = "manage" // catalog push, secret rotation, telemetry flush
)

// Role is a coarse-grained bundle of actions grantable to a subject.
type Role string

const (
	RoleClient  Role = "client"  // ordinary SDK client credential: resolve + apply
	RoleReadTag Role = "readtag" // read-only credential, e.g. a debugging tool: resolve only
	RoleService Role = "service" // internal services: full access across every account
)

// NewRBAC creates a new RBAC instance with default policies.
func NewRBAC() (*RBAC, error) {
	modelText := `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch(r.obj, p.obj) && regexMatch(r.act, p.act)
`

	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("failed to create model: %w", err)
	}

	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create enforcer: %w", err)
	}

	r := &RBAC{enforcer: enforcer}
	if err := r.loadDefaultPolicies(); err != nil {
		return nil, fmt.Errorf("failed to load default policies: %w", err)
	}

	return r, nil
}

func (r *RBAC) loadDefaultPolicies() error {
	policies := [][]string{
		{"role:client", "account:*", "resolve|apply"},
		{"role:readtag", "account:*", "resolve"},
		{"role:service", "account:*", "resolve|apply|manage"},
	}

	for _, policy := range policies {
		if _, err := r.enforcer.AddPolicy(policy); err != nil {
			return fmt.Errorf("failed to add policy %v: %w", policy, err)
		}
	}

	return nil
}

// Enforce checks if a subject can perform an action on an object.
func (r *RBAC) Enforce(subject Subject, object Object, action Action) (bool, error) {
	allowed, err := r.enforcer.Enforce(r.formatSubject(subject), r.formatObject(object), string(action))
	if err != nil {
		return false, fmt.Errorf("enforcement error: %w", err)
	}
	return allowed, nil
}

// AssignRole assigns a role to a subject, scoped to one account ("*" for
// every account). The scoped role gets the same actions as the role's
// default policy, limited to that account.
func (r *RBAC) AssignRole(subject Subject, role Role, account string) error {
	actions := map[Role]string{RoleClient: "resolve|apply", RoleReadTag: "resolve", RoleService: "resolve|apply|manage"}[role]
	if actions == "" {
		return fmt.Errorf("failed to assign role: unknown role %q", role)
	}
	scoped := r.formatRole(role, account)
	if _, err := r.enforcer.AddRoleForUser(r.formatSubject(subject), scoped); err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	if _, err := r.enforcer.AddPolicy(scoped, "account:"+account, actions); err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// RemoveRole removes a role from a subject for a specific account.
func (r *RBAC) RemoveRole(subject Subject, role Role, account string) error {
	if _, err := r.enforcer.DeleteRoleForUser(r.formatSubject(subject), r.formatRole(role, account)); err != nil {
		return fmt.Errorf("failed to remove role: %w", err)
	}
	return nil
}

// GetRolesForUser gets all roles for a subject.
func (r *RBAC) GetRolesForUser(subject Subject) ([]string, error) {
	roles, err := r.enforcer.GetRolesForUser(r.formatSubject(subject))
	if err != nil {
		return nil, fmt.Errorf("failed to get roles: %w", err)
	}
	return roles, nil
}

// HasRole checks if a subject has a specific role in an account.
func (r *RBAC) HasRole(subject Subject, role Role, account string) (bool, error) {
	hasRole, err := r.enforcer.HasRoleForUser(r.formatSubject(subject), r.formatRole(role, account))
	if err != nil {
		return false, fmt.Errorf("failed to check role: %w", err)
	}
	return hasRole, nil
}

// AddPolicy adds a custom policy.
func (r *RBAC) AddPolicy(subject, object, action string) error {
	if _, err := r.enforcer.AddPolicy(subject, object, action); err != nil {
		return fmt.Errorf("failed to add policy: %w", err)
	}
	return nil
}

// RemovePolicy removes a custom policy.
func (r *RBAC) RemovePolicy(subject, object, action string) error {
	if _, err := r.enforcer.RemovePolicy(subject, object, action); err != nil {
		return fmt.Errorf("failed to remove policy: %w", err)
	}
	return nil
}

// GetPolicies returns all policies.
func (r *RBAC) GetPolicies() [][]string {
	return r.enforcer.GetPolicy()
}

func (r *RBAC) formatSubject(subject Subject) string {
	return fmt.Sprintf("%s:%s", subject.Type, subject.ID)
}

func (r *RBAC) formatObject(object Object) string {
	parts := []string{object.Type, object.Account}
	if object.Flag != "" {
		parts = append(parts, object.Flag)
	}
	return strings.Join(parts, ":")
}

func (r *RBAC) formatRole(role Role, account string) string {
	return fmt.Sprintf("role:%s:%s", string(role), account)
}

// CanClientResolve checks whether a client credential may resolve flags for
// an account.
func (r *RBAC) CanClientResolve(clientCredential, account string) (bool, error) {
	return r.Enforce(Subject{ID: clientCredential, Type: "client"}, Object{Type: "account", Account: account}, ActionResolve)
}

// CanClientApply checks whether a client credential may submit apply events
// for an account.
func (r *RBAC) CanClientApply(clientCredential, account string) (bool, error) {
	return r.Enforce(Subject{ID: clientCredential, Type: "client"}, Object{Type: "account", Account: account}, ActionApply)
}

// CanServiceManage checks whether an internal service may push catalog
// updates or rotate secrets for an account.
func (r *RBAC) CanServiceManage(serviceID, account string) (bool, error) {
	return r.Enforce(Subject{ID: serviceID, Type: "service"}, Object{Type: "account", Account: account}, ActionManage)
}

// ValidateRole validates if a role string is valid.
func (r *RBAC) ValidateRole(role string) bool {
	switch Role(role) {
	case RoleClient, RoleReadTag, RoleService:
		return true
	default:
		return false
	}
}

// ValidateAction validates if an action string is valid.
func (r *RBAC) ValidateAction(action string) bool {
	switch Action(action) {
	case ActionResolve, ActionApply, ActionManage:
		return true
	default:
		return false
	}
}
