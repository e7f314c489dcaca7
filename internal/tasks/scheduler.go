// Package tasks implements spec.md §4.7's TaskScheduler: a cron-driven
// registry of named handlers with at-most-one-retry execution semantics and
// a failure alert published to the event bus.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kestrelhq/conclave/internal/backoff"
	"github.com/kestrelhq/conclave/internal/cron"
	"github.com/kestrelhq/conclave/internal/eventbus"
	"github.com/kestrelhq/conclave/internal/observability"
	"github.com/kestrelhq/conclave/pkg/models"
)

// Result is a task execution's outcome.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// maxAttempts implements spec.md §4.7's "at most two attempts total (one
// retry on any thrown error)".
const maxAttempts = 2

// Def declares one cron-driven handler to register.
type Def struct {
	Name     string
	CronExpr string
	Enabled  bool
	Handler  func(ctx context.Context) error
}

// Override replaces a registered task's schedule or enabled flag without
// otherwise touching its definition.
type Override struct {
	CronExpr *string
	Enabled  *bool
}

// Record is the observable state of a registered task.
type Record struct {
	Name           string
	CronExpr       string
	Enabled        bool
	NextRun        time.Time
	LastResult     Result
	LastError      string
	LastDurationMs int64
}

// Manager implements registerTask/executeTask/toggleTask/shutdown over an
// internal/cron.Scheduler, publishing alert.system.task_failed on terminal
// failure.
type Manager struct {
	mu      sync.Mutex
	cron    *cron.Scheduler
	bus     *eventbus.Bus
	defs    map[string]Def
	records map[string]*Record
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager builds a Manager driven by scheduler and publishing failures to
// bus.
func NewManager(scheduler *cron.Scheduler, bus *eventbus.Bus, opts ...Option) *Manager {
	m := &Manager{
		cron:    scheduler,
		bus:     bus,
		defs:    make(map[string]Def),
		records: make(map[string]*Record),
		logger:  slog.Default().With("component", "tasks"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterTask installs def as a cron-driven handler. Registering a name
// that is already registered first stops the prior task. An enabled task
// computes its NextRun immediately.
func (m *Manager) RegisterTask(def Def, override *Override) error {
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("tasks: name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tasks: handler is required")
	}
	if override != nil {
		if override.CronExpr != nil {
			def.CronExpr = *override.CronExpr
		}
		if override.Enabled != nil {
			def.Enabled = *override.Enabled
		}
	}

	m.mu.Lock()
	m.cron.Unschedule(def.Name)
	m.defs[def.Name] = def
	record := &Record{Name: def.Name, CronExpr: def.CronExpr, Enabled: def.Enabled}
	m.records[def.Name] = record
	m.mu.Unlock()

	if !def.Enabled {
		return nil
	}
	return m.schedule(def.Name)
}

// schedule installs the cron entry for an already-registered, enabled task.
func (m *Manager) schedule(name string) error {
	m.mu.Lock()
	def := m.defs[name]
	m.mu.Unlock()

	if err := m.cron.Schedule(name, def.CronExpr, func(ctx context.Context) error {
		return m.executeTask(ctx, name)
	}); err != nil {
		return err
	}

	m.mu.Lock()
	if record, ok := m.records[name]; ok {
		record.NextRun = m.cron.NextRun(name)
	}
	m.mu.Unlock()
	return nil
}

// executeTask runs the named task's handler with at most maxAttempts total
// attempts, recording the outcome and publishing alert.system.task_failed on
// terminal failure.
func (m *Manager) executeTask(ctx context.Context, name string) error {
	m.mu.Lock()
	def, ok := m.defs[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("tasks: %q is not registered", name)
	}

	start := m.now()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = def.Handler(ctx)
		if lastErr == nil {
			break
		}
		m.logger.Warn("task attempt failed", "task", name, "attempt", attempt, "error", lastErr)
		if attempt < maxAttempts {
			if err := backoff.SleepWithBackoff(ctx, backoff.AggressivePolicy(), attempt); err != nil {
				break
			}
		}
	}
	duration := m.now().Sub(start)

	m.mu.Lock()
	record, ok := m.records[name]
	if ok {
		record.LastDurationMs = duration.Milliseconds()
		record.NextRun = m.cron.NextRun(name)
		if lastErr == nil {
			record.LastResult = ResultSuccess
			record.LastError = ""
		} else {
			record.LastResult = ResultFailure
			record.LastError = lastErr.Error()
		}
	}
	m.mu.Unlock()

	if m.metrics != nil {
		result := ResultSuccess
		if lastErr != nil {
			result = ResultFailure
		}
		m.metrics.RecordSchedulerRun(name, string(result))
	}

	if lastErr != nil && m.bus != nil {
		m.bus.Publish(context.Background(), models.Event{
			Type:      models.EventTaskFailed,
			Timestamp: m.now(),
			Severity:  models.SeverityHigh,
			Payload: map[string]any{
				"taskName": name,
				"error":    lastErr.Error(),
			},
		})
	}
	return lastErr
}

// ToggleTask starts or stops name's cron handle. Disabling clears NextRun.
func (m *Manager) ToggleTask(name string, enabled bool) error {
	m.mu.Lock()
	def, ok := m.defs[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("tasks: %q is not registered", name)
	}
	def.Enabled = enabled
	m.defs[name] = def
	record := m.records[name]
	m.mu.Unlock()

	if !enabled {
		m.cron.Unschedule(name)
		if record != nil {
			m.mu.Lock()
			record.Enabled = false
			record.NextRun = time.Time{}
			m.mu.Unlock()
		}
		return nil
	}

	if record != nil {
		m.mu.Lock()
		record.Enabled = true
		m.mu.Unlock()
	}
	return m.schedule(name)
}

// Shutdown stops every task's cron handle.
func (m *Manager) Shutdown() {
	m.cron.Stop()
}

// GetRecord returns the current observable state for name.
func (m *Manager) GetRecord(name string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[name]
	if !ok {
		return Record{}, false
	}
	return *record, true
}

// ListRecords returns every registered task's current state.
func (m *Manager) ListRecords() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, record := range m.records {
		out = append(out, *record)
	}
	return out
}

// Client is a skill-namespaced view of the Manager: RegisterTask installs
// the task under "<skillName>.<name>", enforcing spec.md §4.7's namespace
// discipline.
type Client struct {
	manager   *Manager
	skillName string
}

// GetClientFor returns a Client scoped to skillName.
func (m *Manager) GetClientFor(skillName string) *Client {
	return &Client{manager: m, skillName: skillName}
}

// RegisterTask registers def under "<skillName>.<def.Name>".
func (c *Client) RegisterTask(def Def, override *Override) error {
	def.Name = c.skillName + "." + def.Name
	return c.manager.RegisterTask(def, override)
}
