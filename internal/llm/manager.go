package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelhq/conclave/internal/infra"
)

// ModelSet names the models a provider serves per tier. Light and Heavy fall
// back to Default when unset.
type ModelSet struct {
	Default string
	Light   string
	Heavy   string
}

func (s ModelSet) forTier(tier Tier) string {
	switch tier {
	case TierLight:
		if s.Light != "" {
			return s.Light
		}
	case TierHeavy:
		if s.Heavy != "" {
			return s.Heavy
		}
	}
	return s.Default
}

// UsageRecord is one (provider, model, tier) accumulation bucket.
type UsageRecord struct {
	Provider     string
	Model        string
	Tier         Tier
	InputTokens  int64
	OutputTokens int64
	Requests     int64
}

type registered struct {
	provider Provider
	models   ModelSet
	breaker  *infra.CircuitBreaker
}

// Manager is the default ProviderManager: an ordered provider list with
// circuit-breaker failover and usage accounting. The first registered
// provider is the primary; selection walks the list and returns the first
// provider whose breaker is not open, flagging FailedOver when that is not
// the primary.
type Manager struct {
	mu           sync.Mutex
	order        []string
	providers    map[string]*registered
	tiersEnabled bool

	usage   *infra.UsageTracker
	records map[string]*UsageRecord
	logger  *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithTiers(enabled bool) ManagerOption {
	return func(m *Manager) { m.tiersEnabled = enabled }
}

func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager builds an empty Manager; register providers in priority order.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		providers: make(map[string]*registered),
		usage:     infra.NewUsageTracker(),
		records:   make(map[string]*UsageRecord),
		logger:    slog.Default().With("component", "llm"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds provider with its model set. Registration order is failover
// priority order.
func (m *Manager) Register(provider Provider, models ModelSet) {
	name := provider.Name()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.providers[name]; !exists {
		m.order = append(m.order, name)
	}
	m.providers[name] = &registered{
		provider: provider,
		models:   models,
		breaker: infra.NewCircuitBreaker(infra.CircuitBreakerConfig{
			Name:             "llm." + name,
			FailureThreshold: 3,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		}),
	}
	m.usage.RegisterProvider(name, name)
}

// GetForUser selects the user's provider at the default model.
func (m *Manager) GetForUser(ctx context.Context, userID string) (Selection, error) {
	return m.selectFor(TierHeavy, false)
}

// GetForUserTiered selects the user's provider with the tier's model.
func (m *Manager) GetForUserTiered(ctx context.Context, userID string, tier Tier) (Selection, error) {
	return m.selectFor(tier, m.tiersEnabled)
}

// IsTierEnabled reports whether light/heavy routing is on.
func (m *Manager) IsTierEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tiersEnabled
}

// TrackUsage accumulates token usage for one completed call.
func (m *Manager) TrackUsage(providerName, model string, usage Usage, tier Tier) {
	m.usage.RecordRequest(providerName, int64(usage.InputTokens+usage.OutputTokens))

	key := providerName + "|" + model + "|" + string(tier)
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		rec = &UsageRecord{Provider: providerName, Model: model, Tier: tier}
		m.records[key] = rec
	}
	rec.InputTokens += int64(usage.InputTokens)
	rec.OutputTokens += int64(usage.OutputTokens)
	rec.Requests++
}

// UsageRecords returns a snapshot of accumulated usage buckets.
func (m *Manager) UsageRecords() []UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UsageRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	return out
}

func (m *Manager) selectFor(tier Tier, tiered bool) (Selection, error) {
	m.mu.Lock()
	order := append([]string{}, m.order...)
	providers := make(map[string]*registered, len(m.providers))
	for k, v := range m.providers {
		providers[k] = v
	}
	m.mu.Unlock()

	if len(order) == 0 {
		return Selection{}, fmt.Errorf("llm: no providers registered")
	}

	var tried []string
	for i, name := range order {
		reg := providers[name]
		if reg.breaker.State() == infra.CircuitOpen {
			tried = append(tried, name)
			continue
		}
		model := reg.models.Default
		if tiered {
			model = reg.models.forTier(tier)
		}
		sel := Selection{
			Provider: &guardedProvider{inner: reg.provider, breaker: reg.breaker},
			Model:    model,
		}
		if i > 0 {
			sel.FailedOver = true
			sel.OriginalProvider = order[0]
			m.logger.Warn("provider failover", "original", order[0], "selected", name)
		}
		return sel, nil
	}
	return Selection{}, &ErrAllProvidersUnavailable{Tried: tried}
}

// guardedProvider routes Chat through the provider's circuit breaker so
// repeated failures open the circuit and selection routes around it.
type guardedProvider struct {
	inner   Provider
	breaker *infra.CircuitBreaker
}

func (g *guardedProvider) Name() string { return g.inner.Name() }

func (g *guardedProvider) Capabilities(model string) Capabilities {
	return g.inner.Capabilities(model)
}

func (g *guardedProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return infra.ExecuteWithResult(g.breaker, ctx, func(ctx context.Context) (*ChatResponse, error) {
		return g.inner.Chat(ctx, req)
	})
}
