package security

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/llmos/llmosd/internal/errdefs"
	"github.com/llmos/llmosd/pkg/iml"
)

// GrantScope is the lifetime of a permission grant.
type GrantScope string

const (
	ScopeSession   GrantScope = "session"   // cleared on daemon restart
	ScopePermanent GrantScope = "permanent" // persists across restarts
)

// Grant is an immutable record of a granted permission.
type Grant struct {
	Permission string     `json:"permission"`
	ModuleID   string     `json:"module_id"`
	Scope      GrantScope `json:"scope"`
	GrantedAt  time.Time  `json:"granted_at"`
	GrantedBy  string     `json:"granted_by"`
	Reason     string     `json:"reason,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the grant has passed its expiry.
func (g Grant) Expired() bool {
	return g.ExpiresAt != nil && time.Now().After(*g.ExpiresAt)
}

// GrantStore is the durable side of the grant table, implemented by the
// state store.
type GrantStore interface {
	SaveGrant(g Grant) error
	DeleteGrant(permission, moduleID string) error
	DeleteGrantsForModule(moduleID string) (int, error)
	ListGrants(moduleID string) ([]Grant, error)
	PurgeSessionGrants() (int, error)
}

// PermissionManager maintains the grant table. All access serializes
// through a single mutex; the table is small and contention is low.
type PermissionManager struct {
	mu           sync.Mutex
	store        GrantStore
	log          *zap.Logger
	autoGrantLow bool
}

// NewPermissionManager loads the grant table. Session-scoped grants left
// over from a previous daemon run are purged here.
func NewPermissionManager(store GrantStore, log *zap.Logger, autoGrantLow bool) (*PermissionManager, error) {
	purged, err := store.PurgeSessionGrants()
	if err != nil {
		return nil, errdefs.State("purging session grants").WithCause(err)
	}
	if purged > 0 {
		log.Info("purged session-scoped permission grants", zap.Int("count", purged))
	}
	return &PermissionManager{store: store, log: log, autoGrantLow: autoGrantLow}, nil
}

// Check reports whether (permission, module) is currently granted. Expired
// grants are removed lazily here.
func (m *PermissionManager) Check(permission, moduleID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(permission, moduleID)
}

func (m *PermissionManager) checkLocked(permission, moduleID string) (bool, error) {
	grants, err := m.store.ListGrants(moduleID)
	if err != nil {
		return false, errdefs.State("reading grants for module %q", moduleID).WithCause(err)
	}
	for _, g := range grants {
		if g.Permission != permission {
			continue
		}
		if g.Expired() {
			if err := m.store.DeleteGrant(g.Permission, g.ModuleID); err != nil {
				return false, errdefs.State("removing expired grant").WithCause(err)
			}
			m.log.Info("expired permission grant removed",
				zap.String("permission", g.Permission),
				zap.String("module", g.ModuleID))
			return false, nil
		}
		return true, nil
	}
	return false, nil
}

// CheckOrRaise verifies the grant, auto-granting low-risk permissions when
// enabled. On denial it returns a structured error that names the exact
// grant call the user may issue.
func (m *PermissionManager) CheckOrRaise(permission, moduleID, action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	granted, err := m.checkLocked(permission, moduleID)
	if err != nil {
		return err
	}
	if granted {
		return nil
	}

	risk := RiskOf(permission)
	if m.autoGrantLow && risk == iml.RiskLow {
		g := Grant{
			Permission: permission,
			ModuleID:   moduleID,
			Scope:      ScopeSession,
			GrantedAt:  time.Now().UTC(),
			GrantedBy:  "auto",
			Reason:     "Auto-granted (low risk)",
		}
		if err := m.store.SaveGrant(g); err != nil {
			return errdefs.State("saving auto-grant").WithCause(err)
		}
		m.log.Info("auto-granted low-risk permission",
			zap.String("permission", permission),
			zap.String("module", moduleID))
		return nil
	}

	suggestion := fmt.Sprintf("security.request_permission(%s, %s)", permission, moduleID)
	return errdefs.Security(errdefs.CodePermissionDenied,
		"permission %q is not granted to module %q (required by action %q)",
		permission, moduleID, action).
		WithDetail("permission", permission).
		WithDetail("module_id", moduleID).
		WithDetail("risk_level", string(risk)).
		WithDetail("suggested_grant", suggestion)
}

// Grant records a permission grant and returns it.
func (m *PermissionManager) Grant(permission, moduleID string, scope GrantScope, reason, grantedBy string, ttl time.Duration) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if scope != ScopeSession && scope != ScopePermanent {
		return Grant{}, errdefs.Security(errdefs.CodeValidationFailed,
			"unknown grant scope %q", scope)
	}
	g := Grant{
		Permission: permission,
		ModuleID:   moduleID,
		Scope:      scope,
		GrantedAt:  time.Now().UTC(),
		GrantedBy:  grantedBy,
		Reason:     reason,
	}
	if ttl > 0 {
		expires := g.GrantedAt.Add(ttl)
		g.ExpiresAt = &expires
	}
	if err := m.store.SaveGrant(g); err != nil {
		return Grant{}, errdefs.State("saving grant").WithCause(err)
	}
	m.log.Info("permission granted",
		zap.String("permission", permission),
		zap.String("module", moduleID),
		zap.String("scope", string(scope)),
		zap.String("granted_by", grantedBy))
	return g, nil
}

// Revoke removes one grant. Returns false if none matched.
func (m *PermissionManager) Revoke(permission, moduleID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	granted, err := m.checkLocked(permission, moduleID)
	if err != nil {
		return false, err
	}
	if !granted {
		return false, nil
	}
	if err := m.store.DeleteGrant(permission, moduleID); err != nil {
		return false, errdefs.State("revoking grant").WithCause(err)
	}
	m.log.Info("permission revoked",
		zap.String("permission", permission),
		zap.String("module", moduleID))
	return true, nil
}

// RevokeAllForModule removes every grant held by a module.
func (m *PermissionManager) RevokeAllForModule(moduleID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.store.DeleteGrantsForModule(moduleID)
	if err != nil {
		return 0, errdefs.State("revoking grants for module %q", moduleID).WithCause(err)
	}
	if n > 0 {
		m.log.Info("module grants revoked", zap.String("module", moduleID), zap.Int("count", n))
	}
	return n, nil
}

// ListGrants returns current grants, optionally filtered by module.
// Expired grants are filtered out and lazily deleted.
func (m *PermissionManager) ListGrants(moduleID string) ([]Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	grants, err := m.store.ListGrants(moduleID)
	if err != nil {
		return nil, errdefs.State("listing grants").WithCause(err)
	}
	out := grants[:0]
	for _, g := range grants {
		if g.Expired() {
			_ = m.store.DeleteGrant(g.Permission, g.ModuleID)
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

// GetRiskLevel returns the risk level for a permission string.
func (m *PermissionManager) GetRiskLevel(permission string) iml.RiskLevel {
	return RiskOf(permission)
}
