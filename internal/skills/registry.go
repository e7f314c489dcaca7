package skills

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelhq/conclave/internal/audit"
	"github.com/kestrelhq/conclave/internal/ratelimit"
	"github.com/kestrelhq/conclave/internal/tools/policy"
	"github.com/kestrelhq/conclave/pkg/models"
)

// Skill is the unit the registry dispatches tool calls to. Implementations
// wrap anything from an exec-based markdown skill (see BuildSkillTools) to a
// native Go subsystem registered directly (e.g. internal/multiagent's
// sub-agent tools).
type Skill interface {
	// Name identifies the skill for health tracking and audit entries.
	Name() string

	// ListTools returns the tool definitions this skill exposes.
	ListTools() []models.ToolDefinition

	// Execute runs toolName with decoded input and returns its output text.
	// A non-nil error is surfaced to the caller as an error tool result.
	Execute(ctx context.Context, toolName string, input map[string]any, caller models.CallerContext) (string, error)
}

// RateLimits configures the per-tool sliding-window budget a Registry
// enforces before dispatch.
type RateLimits struct {
	MaxRequests   int
	WindowSeconds int
}

// Registry implements spec.md §4.6's SkillRegistry: tool registration,
// lookup, and the executeToolCall pipeline (lookup, mainAgentOnly gate,
// input validation, availability check, rate limiting, dispatch, health
// recording, fire-and-forget audit).
type Registry struct {
	mu    sync.RWMutex
	tools map[string]models.ToolDefinition
	owner map[string]Skill

	health   *HealthTracker
	limiter  *ratelimit.SlidingLimiter
	limits   map[string]RateLimits
	guard    ResultGuard
	policy   *policy.Policy
	resolver *policy.Resolver
	audit    *audit.Logger
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

func WithHealthTracker(h *HealthTracker) Option {
	return func(r *Registry) { r.health = h }
}

func WithRateLimiter(l *ratelimit.SlidingLimiter) Option {
	return func(r *Registry) { r.limiter = l }
}

func WithAuditLogger(a *audit.Logger) Option {
	return func(r *Registry) { r.audit = a }
}

func WithResultGuard(g ResultGuard) Option {
	return func(r *Registry) { r.guard = g }
}

// WithToolPolicy installs an allow/deny policy evaluated before dispatch and
// when building a caller's tool view. Without one, every registered tool is
// usable.
func WithToolPolicy(p *policy.Policy, resolver *policy.Resolver) Option {
	return func(r *Registry) {
		r.policy = p
		if resolver == nil {
			resolver = policy.NewResolver()
		}
		r.resolver = resolver
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry builds an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:  make(map[string]models.ToolDefinition),
		owner:  make(map[string]Skill),
		health: NewHealthTracker(DefaultHealthConfig()),
		limits: make(map[string]RateLimits),
		guard:  DefaultResultGuard(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterSkill adds every tool a Skill exposes to the registry. A tool name
// collision with an already-registered skill replaces the prior owner,
// matching internal/agent's ToolRegistry.Register semantics.
func (r *Registry) RegisterSkill(skill Skill, limits ...RateLimits) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, def := range skill.ListTools() {
		r.tools[def.Name] = def
		r.owner[def.Name] = skill
	}
	if len(limits) > 0 {
		r.limits[skill.Name()] = limits[0]
	}
}

// GetToolDefinitions returns the tool list a caller may see. Tools marked
// MainAgentOnly are hidden from sub-agent callers (spec.md's tool-visibility
// invariant I2).
func (r *Registry) GetToolDefinitions(caller models.CallerContext) []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDefinition, 0, len(r.tools))
	for _, def := range r.tools {
		if def.MainAgentOnly && caller.IsSubagent {
			continue
		}
		if r.policy != nil && !r.resolver.IsAllowed(r.policy, def.Name) {
			continue
		}
		out = append(out, def)
	}
	return out
}

// GetSkillForTool returns the Skill that owns toolName.
func (r *Registry) GetSkillForTool(toolName string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.owner[toolName]
	return s, ok
}

// ToolRequiresConfirmation reports whether toolName needs a confirmation
// round-trip before executing.
func (r *Registry) ToolRequiresConfirmation(toolName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[toolName]
	return ok && def.RequiresConfirm
}

// IsSensitiveTool reports whether toolName is flagged sensitive (its input
// and output are excluded from verbose audit logging).
func (r *Registry) IsSensitiveTool(toolName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[toolName]
	return ok && def.Sensitive
}

// ToolPolicy reports the confirmation-relevant flags for toolName in one
// lookup: whether it requires confirmation, whether it is sensitive, and the
// owning skill's name. ok is false for unregistered tools.
func (r *Registry) ToolPolicy(toolName string) (requiresConfirm, sensitive bool, skillName string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, found := r.tools[toolName]
	if !found {
		return false, false, "", false
	}
	return def.RequiresConfirm, def.Sensitive, r.owner[toolName].Name(), true
}

// GetRegisteredToolNames lists every tool name currently registered.
func (r *Registry) GetRegisteredToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// ExecuteToolCall runs spec.md §4.6's 8-step pipeline: lookup, mainAgentOnly
// gate, input validation, availability check, rate-limit check, dispatch,
// health recording, and a fire-and-forget audit entry.
//
// Policy denials (unknown tool, mainAgentOnly, validation failure,
// unavailable skill, rate limit) return an error tool result with a nil
// error: the refusal text is for the LLM to read, not for the caller to
// handle. The error return is reserved for dispatch failures, so callers can
// classify and retry them.
func (r *Registry) ExecuteToolCall(ctx context.Context, caller models.CallerContext, call models.ToolCall) (models.ToolResult, error) {
	start := time.Now()

	// 1. lookup
	r.mu.RLock()
	def, ok := r.tools[call.Name]
	skill := r.owner[call.Name]
	r.mu.RUnlock()
	if !ok {
		return deniedResult(call, fmt.Sprintf("Tool %q is not available.", call.Name)), nil
	}

	// 2. mainAgentOnly gate
	if def.MainAgentOnly && caller.IsSubagent {
		r.auditDenied(ctx, call, "main_agent_only", caller)
		return deniedResult(call, fmt.Sprintf("Tool %q is restricted to the main agent only.", call.Name)), nil
	}

	// 2b. configured allow/deny policy
	if r.policy != nil {
		if decision := r.resolver.Decide(r.policy, call.Name); !decision.Allowed {
			r.auditDenied(ctx, call, "policy: "+decision.Reason, caller)
			return deniedResult(call, fmt.Sprintf("Tool %q is not permitted by the current tool policy.", call.Name)), nil
		}
	}

	// 3. input validation
	input, err := models.DecodeToolInput(call.Input)
	if err != nil {
		return deniedResult(call, fmt.Sprintf("Invalid input for %q: %v", call.Name, err)), nil
	}
	if err := ValidateToolInput(def.InputSchema, input); err != nil {
		r.auditDenied(ctx, call, "invalid_input", caller)
		return deniedResult(call, fmt.Sprintf("Invalid input for %q: %v", call.Name, err)), nil
	}

	// 4. availability check
	if r.health != nil && !r.health.IsAvailable(skill.Name()) {
		r.auditDenied(ctx, call, "skill_unavailable", caller)
		return deniedResult(call, fmt.Sprintf("The %s skill is temporarily unavailable. Try again later.", skill.Name())), nil
	}

	// 5. rate-limit check
	if r.limiter != nil {
		limits, hasLimits := r.limits[skill.Name()]
		if hasLimits {
			scope := "skill." + skill.Name()
			res := r.limiter.Check(scope, caller.UserID, ratelimit.Limits{MaxRequests: limits.MaxRequests, WindowSeconds: limits.WindowSeconds})
			if !res.Allowed {
				r.auditDenied(ctx, call, "rate_limited", caller)
				return deniedResult(call, fmt.Sprintf("Rate limit reached for %q. Try again in %d seconds.", call.Name, res.RetryAfterSeconds)), nil
			}
		}
	}

	if r.audit != nil {
		r.audit.LogToolInvocation(ctx, call.Name, call.ID, call.Input, sessionKeyFor(caller))
	}

	// 6. dispatch
	output, execErr := skill.Execute(ctx, call.Name, input, caller)

	// 7. health recording
	if r.health != nil {
		if execErr != nil {
			r.health.RecordFailure(skill.Name())
		} else {
			r.health.RecordSuccess(skill.Name())
		}
	}

	result := models.ToolResult{ToolCallID: call.ID, ToolName: call.Name, Content: output}
	if execErr == nil {
		result = r.guard.Apply(call.Name, result)
	}

	// 8. fire-and-forget audit entry
	if r.audit != nil {
		go r.audit.LogToolCompletion(context.Background(), call.Name, call.ID, execErr == nil, redactIfSensitive(def, result.Content), time.Since(start), sessionKeyFor(caller))
	}

	if execErr != nil {
		return models.ToolResult{ToolCallID: call.ID, ToolName: call.Name, Content: execErr.Error(), IsError: true}, execErr
	}
	return result, nil
}

func (r *Registry) auditDenied(ctx context.Context, call models.ToolCall, reason string, caller models.CallerContext) {
	if r.audit == nil {
		return
	}
	go r.audit.LogToolDenied(context.Background(), call.Name, call.ID, reason, "", sessionKeyFor(caller))
}

func deniedResult(call models.ToolCall, message string) models.ToolResult {
	return models.ToolResult{ToolCallID: call.ID, ToolName: call.Name, Content: message, IsError: true}
}

func redactIfSensitive(def models.ToolDefinition, output string) string {
	if def.Sensitive {
		return "[redacted: sensitive tool output]"
	}
	return output
}

func sessionKeyFor(caller models.CallerContext) string {
	return models.SessionKey(caller.UserID, caller.Channel)
}
