package tenant

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/raaihank/record-sentinel/internal/config"
	"github.com/raaihank/record-sentinel/internal/logger"
	"github.com/raaihank/record-sentinel/internal/metrics"
	"github.com/raaihank/record-sentinel/internal/privacy"
	"go.uber.org/zap"
)

// ErrUnknownTenant is returned when a tenant has no policy and no default applies
var ErrUnknownTenant = errors.New("unknown tenant")

// Manager holds one compiled detection policy per tenant. Policies are
// compiled when a config is loaded or updated, never per request.
type Manager struct {
	mu            sync.RWMutex
	registry      *privacy.Registry
	defaultPolicy *privacy.Policy
	policies      map[string]*privacy.Policy
	now           func() time.Time
	logger        *logger.Logger
}

// NewRegistry builds the pattern registry with the configured jurisdiction patterns
func NewRegistry(patterns []config.JurisdictionPattern) (*privacy.Registry, error) {
	opts := make([]privacy.RegistryOption, 0, len(patterns))
	for _, p := range patterns {
		opts = append(opts, privacy.WithJurisdictionPatterns(p.Jurisdiction, p.Type, p.Patterns...))
	}
	reg, err := privacy.NewRegistry(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build pattern registry: %w", err)
	}
	return reg, nil
}

// NewManager creates an empty manager over reg
func NewManager(reg *privacy.Registry, log *logger.Logger) *Manager {
	if reg == nil {
		reg = privacy.DefaultRegistry()
	}
	return &Manager{
		registry: reg,
		policies: make(map[string]*privacy.Policy),
		now:      time.Now,
		logger:   log.WithComponent("tenant"),
	}
}

// Load compiles the default and every tenant config. Any invalid config fails
// the whole load and leaves the manager unchanged.
func (m *Manager) Load(cfg config.PrivacyConfig) error {
	def, err := privacy.Compile(cfg.Default, m.registry)
	if err != nil {
		return fmt.Errorf("default privacy config: %w", err)
	}

	policies := make(map[string]*privacy.Policy, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		p, err := privacy.Compile(t, m.registry)
		if err != nil {
			return fmt.Errorf("tenant %s: %w", t.TenantID, err)
		}
		policies[t.TenantID] = p
	}

	m.mu.Lock()
	m.defaultPolicy = def
	m.policies = policies
	m.mu.Unlock()

	metrics.SetTenantPolicies(len(policies))
	m.logger.Info("Tenant policies loaded", zap.Int("tenants", len(policies)))
	return nil
}

// Reload merges the tenants of cfg into the installed policies. Tenants
// missing from cfg are kept, and an installed policy is only replaced when
// the file's UpdatedAt is not older than its own. A tenant whose new config
// is invalid keeps its previous policy; the returned error joins every failure.
func (m *Manager) Reload(cfg config.PrivacyConfig) error {
	var errs []error

	def, err := privacy.Compile(cfg.Default, m.registry)
	if err != nil {
		errs = append(errs, fmt.Errorf("default privacy config: %w", err))
		m.logger.Error("Keeping previous default policy", zap.Error(err))
	}

	compiled := make(map[string]*privacy.Policy, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		p, err := privacy.Compile(t, m.registry)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", t.TenantID, err))
			m.logger.Error("Keeping previous tenant policy",
				zap.String("tenant_id", t.TenantID),
				zap.Error(err),
			)
			continue
		}
		compiled[t.TenantID] = p
	}

	m.mu.Lock()
	if def != nil {
		m.defaultPolicy = def
	}
	next := make(map[string]*privacy.Policy, len(m.policies)+len(compiled))
	for id, old := range m.policies {
		next[id] = old
	}
	stale := 0
	for id, p := range compiled {
		if old, ok := next[id]; ok && p.Config().UpdatedAt.Before(old.Config().UpdatedAt) {
			stale++
			m.logger.Warn("Keeping newer installed tenant policy",
				zap.String("tenant_id", id),
				zap.Time("installed_updated_at", old.Config().UpdatedAt),
				zap.Time("file_updated_at", p.Config().UpdatedAt),
			)
			continue
		}
		next[id] = p
	}
	m.policies = next
	m.mu.Unlock()

	metrics.SetTenantPolicies(len(next))
	m.logger.Info("Tenant policies reloaded",
		zap.Int("tenants", len(next)),
		zap.Int("stale", stale),
		zap.Int("failed", len(errs)),
	)
	return errors.Join(errs...)
}

// Update compiles and installs a single tenant config. UpdatedAt is stamped
// when the caller leaves it empty.
func (m *Manager) Update(cfg privacy.DetectionConfig) (*privacy.Policy, error) {
	if cfg.TenantID == "" {
		return nil, &privacy.ConfigError{Field: "tenantId", Err: errors.New("tenant id is required")}
	}
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = m.now().UTC()
	}
	p, err := privacy.Compile(cfg, m.registry)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	next := make(map[string]*privacy.Policy, len(m.policies)+1)
	for id, old := range m.policies {
		next[id] = old
	}
	next[cfg.TenantID] = p
	m.policies = next
	m.mu.Unlock()

	metrics.SetTenantPolicies(len(next))
	m.logger.Info("Tenant policy updated",
		zap.String("tenant_id", cfg.TenantID),
		zap.String("updated_by", cfg.UpdatedBy),
		zap.Strings("matchers", p.MatcherNames()),
	)
	return p, nil
}

// Policy returns the tenant's policy, or the default policy for unknown tenants
func (m *Manager) Policy(tenantID string) (*privacy.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.policies[tenantID]; ok {
		return p, nil
	}
	if m.defaultPolicy != nil {
		return m.defaultPolicy, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
}

// Tenants lists the configured tenant ids in order
func (m *Manager) Tenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.policies))
	for id := range m.policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
