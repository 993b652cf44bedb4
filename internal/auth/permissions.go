package auth

import (
	_ "embed"
	"fmt"
	"net/http"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"estate-auth/internal/audit"
	"estate-auth/internal/metrics"
	"estate-auth/internal/observability"
)

//go:embed model.conf
var permissionModel string

//go:embed policy.csv
var permissionPolicy string

const (
	PermProfileRead    = "profile:read"
	PermPropertyWrite  = "property:write"
	PermSecurityRead   = "security:read"
	PermSecurityManage = "security:manage"
	PermUserManage     = "user:manage"
	PermSessionsManage = "sessions:manage"
)

// Permissions is the role to permission matrix. Roles inherit along
// USER < AGENT < ADMIN.
type Permissions struct {
	enforcer *casbin.SyncedEnforcer
	audit    *audit.Log
}

func NewPermissions(auditLog *audit.Log) (*Permissions, error) {
	m, err := model.NewModelFromString(permissionModel)
	if err != nil {
		return nil, fmt.Errorf("load permission model: %w", err)
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create permission enforcer: %w", err)
	}
	if err := loadPolicy(enforcer, permissionPolicy); err != nil {
		return nil, err
	}
	return &Permissions{enforcer: enforcer, audit: auditLog}, nil
}

func loadPolicy(enforcer *casbin.SyncedEnforcer, policy string) error {
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		switch {
		case parts[0] == "p" && len(parts) == 4:
			if _, err := enforcer.AddPolicy(parts[1], parts[2], parts[3]); err != nil {
				return fmt.Errorf("add policy %v: %w", parts[1:], err)
			}
		case parts[0] == "g" && len(parts) == 3:
			if _, err := enforcer.AddGroupingPolicy(parts[1], parts[2]); err != nil {
				return fmt.Errorf("add role inheritance %v: %w", parts[1:], err)
			}
		default:
			return fmt.Errorf("invalid policy line %q", line)
		}
	}
	return nil
}

// Allowed reports whether role grants permission ("object:action").
func (p *Permissions) Allowed(role, permission string) bool {
	object, action, ok := strings.Cut(permission, ":")
	if !ok {
		return false
	}
	allowed, err := p.enforcer.Enforce(strings.ToUpper(role), object, action)
	return err == nil && allowed
}

// Require rejects requests whose principal lacks permission. It must run
// after Authenticate.
func (p *Permissions) Require(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFrom(r.Context())
			if !ok {
				writeUnauthorized(w, r, ReasonMissingToken)
				return
			}
			if !p.Allowed(principal.Role, permission) {
				metrics.AuthFailures.WithLabelValues("forbidden").Inc()
				p.audit.LogSecurityEvent(r.Context(), audit.EventAccessDenied, audit.SeverityWarn, principal.UserID,
					observability.ClientIP(r), "Permission "+permission+" denied for role "+principal.Role,
					map[string]any{"permission": permission, "path": r.URL.Path, "method": r.Method})
				writeEnvelope(w, r, http.StatusForbidden, "Forbidden", "Insufficient permissions",
					"FORBIDDEN", "This action requires the "+permission+" permission")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
