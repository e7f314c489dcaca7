// Package confirm implements the ConfirmationManager (spec.md §4.2): a
// single-use, opaque bearer capability that gates one future invocation of
// one tool, for one user, with one fixed set of arguments.
//
// Grounded on internal/agent/approval.go's MemoryApprovalStore (mutex-map,
// age-based Prune) and internal/infra/exec_approvals.go's generateToken
// pattern (crypto/rand, hex-encoded). Tokens are deliberately NOT JWTs — see
// DESIGN.md's "Rejected third-party substitutions": a confirmation token is
// consumed exactly once from server-side state, so there is nothing for a
// signature to verify independently of that state.
package confirm

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/kestrelhq/conclave/internal/ratelimit"
	"github.com/kestrelhq/conclave/pkg/models"
)

// DefaultTTL is the confirmation window spec.md §4.2 specifies (≤5 minutes).
const DefaultTTL = 5 * time.Minute

// tokenPattern matches the "confirm <token>" grammar from spec.md §4.2:
// the literal word "confirm", whitespace, then 16+ alphanumeric characters.
var tokenPattern = regexp.MustCompile(`^confirm\s+([A-Za-z0-9]{16,})\s*$`)

// Manager tracks pending confirmation tokens in memory and sweeps expired
// ones on a background timer.
type Manager struct {
	mu     sync.Mutex
	tokens map[string]*models.ConfirmationToken
	ttl    time.Duration
	logger *slog.Logger

	// attempts throttles consume attempts per user so an attacker can't
	// brute-force tokens by spraying `confirm <guess>` messages.
	attempts *ratelimit.Limiter

	sweepInterval time.Duration
	stop          chan struct{}
	stopped       chan struct{}

	// onExpire, when set, is invoked (outside the lock) for any token that
	// is swept for expiry without having been consumed. Used to clean up a
	// confirmation's associated TempDir.
	onExpire func(models.ConfirmationToken)
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the default confirmation lifetime. Values above
// DefaultTTL are clamped to it, per spec.md §4.2's "TTL ≤5 min" invariant.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 && ttl <= DefaultTTL {
			m.ttl = ttl
		}
	}
}

// WithLogger overrides the manager's logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithSweepInterval overrides how often expired tokens are swept. Default 30s.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithExpiryHook registers a callback invoked for each token swept for
// expiry without being consumed, so callers can clean up side resources
// (e.g. a confirmation's TempDir).
func WithExpiryHook(fn func(models.ConfirmationToken)) Option {
	return func(m *Manager) { m.onExpire = fn }
}

// New creates a Manager and starts its background sweep goroutine. Call
// Close to stop it.
func New(opts ...Option) *Manager {
	m := &Manager{
		tokens:        make(map[string]*models.ConfirmationToken),
		ttl:           DefaultTTL,
		logger:        slog.Default(),
		attempts:      ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: 1, BurstSize: 5, Enabled: true}),
		sweepInterval: 30 * time.Second,
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.sweepLoop()
	return m
}

// Close stops the background sweep goroutine.
func (m *Manager) Close() {
	close(m.stop)
	<-m.stopped
}

// CreateConfirmation mints a new single-use token gating one (userID,
// skillName, toolName, input) tuple. description is surfaced to the user so
// they know what they're confirming.
func (m *Manager) CreateConfirmation(ctx context.Context, userID, skillName, toolName, input, description, tempDir string) (*models.ConfirmationToken, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("confirm: generate token: %w", err)
	}
	tok := &models.ConfirmationToken{
		Token:       hex.EncodeToString(raw),
		UserID:      userID,
		SkillName:   skillName,
		ToolName:    toolName,
		Input:       input,
		Description: description,
		ExpiresAt:   time.Now().Add(m.ttl),
		TempDir:     tempDir,
		Consumed:    false,
	}

	m.mu.Lock()
	m.tokens[tok.Token] = tok
	m.mu.Unlock()

	m.logger.DebugContext(ctx, "confirm: created", "user_id", userID, "skill", skillName, "tool", toolName)
	return tok, nil
}

// IsConfirmationMessage reports whether text matches the "confirm <token>"
// grammar and, if so, extracts the token.
func IsConfirmationMessage(text string) (token string, ok bool) {
	m := tokenPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ConsumeConfirmation atomically looks up, validates ownership/expiry, and —
// only for the owning user — removes a token in one step, so a token can
// never be consumed twice even under concurrent confirm attempts. found is
// false if no such token exists or the caller does not own it (a wrong-user
// attempt does not destroy the owner's token); expired is true if it existed
// but its TTL had elapsed (in which case it is removed here rather than
// waiting for the sweep).
func (m *Manager) ConsumeConfirmation(ctx context.Context, userID, token string) (tok *models.ConfirmationToken, found bool, expired bool) {
	if !m.attempts.Allow(userID) {
		m.logger.WarnContext(ctx, "confirm: attempt rate limit exceeded", "user_id", userID)
		return nil, false, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.tokens[token]
	if !ok {
		return nil, false, false
	}
	// A wrong-user attempt leaves the token in place: the owner's pending
	// confirmation must survive someone else's guess. Brute-forcing the
	// token through this path is bounded by the per-user attempt limiter
	// above.
	if existing.UserID != userID {
		m.logger.WarnContext(ctx, "confirm: token owner mismatch", "token_owner", existing.UserID, "attempted_by", userID)
		return nil, false, false
	}

	delete(m.tokens, token)
	if time.Now().After(existing.ExpiresAt) {
		return existing, true, true
	}
	cp := *existing
	cp.Consumed = true
	return &cp, true, false
}

// Pending returns the number of unexpired tokens currently tracked. Useful
// for metrics/diagnostics.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

func (m *Manager) sweepLoop() {
	defer close(m.stopped)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	var expired []models.ConfirmationToken

	m.mu.Lock()
	for k, v := range m.tokens {
		if now.After(v.ExpiresAt) {
			expired = append(expired, *v)
			delete(m.tokens, k)
		}
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		m.logger.Debug("confirm: swept expired tokens", "count", len(expired))
	}
	if m.onExpire != nil {
		for _, tok := range expired {
			m.onExpire(tok)
		}
	}
}
