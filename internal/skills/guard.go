package skills

import (
	"path"
	"regexp"
	"strings"

	"github.com/kestrelhq/conclave/pkg/models"
)

// DefaultMaxToolResultChars caps a tool result before it reaches the LLM or
// the audit log (64KB).
const DefaultMaxToolResultChars = 64 * 1024

// secretPatterns detect common credential shapes in tool output. Applied
// before a result is persisted or surfaced.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?[\w-]{20,}['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[\w\-.]+`),
	regexp.MustCompile(`(?i)(aws|amazon).*?(key|secret|token)\s*[:=]\s*['"]?[\w/+=]{20,}['"]?`),
	regexp.MustCompile(`(?i)(password|passwd|secret|token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`),
	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
	regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`),
}

// ResultGuard controls how tool results are redacted and truncated before
// they leave the registry.
type ResultGuard struct {
	// MaxChars truncates results longer than this. Zero uses the default.
	MaxChars int

	// Denylist fully redacts output from tools matching these glob patterns.
	Denylist []string

	// SanitizeSecrets applies the built-in secret patterns.
	SanitizeSecrets bool

	// RedactionText replaces matched content. Defaults to "[REDACTED]".
	RedactionText string
}

// DefaultResultGuard is the guard a Registry uses when none is configured.
func DefaultResultGuard() ResultGuard {
	return ResultGuard{
		MaxChars:        DefaultMaxToolResultChars,
		SanitizeSecrets: true,
	}
}

// Apply redacts and truncates one result in place.
func (g ResultGuard) Apply(toolName string, result models.ToolResult) models.ToolResult {
	redaction := g.RedactionText
	if redaction == "" {
		redaction = "[REDACTED]"
	}

	if matchesAny(g.Denylist, toolName) {
		result.Content = redaction
		return result
	}

	if g.SanitizeSecrets && result.Content != "" {
		for _, re := range secretPatterns {
			result.Content = re.ReplaceAllString(result.Content, redaction)
		}
	}

	maxChars := g.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxToolResultChars
	}
	if len(result.Content) > maxChars {
		result.Content = result.Content[:maxChars] + "...[truncated]"
	}
	return result
}

// RedactSecrets applies the built-in secret patterns to an arbitrary string,
// for callers (error messages, log lines) outside the tool-result path.
func RedactSecrets(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// DetectSecrets reports which secret shapes appear in content, for audit
// flagging without mutating the content.
func DetectSecrets(content string) []string {
	if content == "" {
		return nil
	}
	names := []string{"api_key", "bearer_token", "aws_key", "generic_secret", "private_key", "ip_address"}
	var found []string
	for i, re := range secretPatterns {
		if re.MatchString(content) {
			found = append(found, names[i])
		}
	}
	return found
}

// matchesAny reports whether name matches any glob in patterns.
func matchesAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
		if strings.EqualFold(pattern, name) {
			return true
		}
	}
	return false
}
