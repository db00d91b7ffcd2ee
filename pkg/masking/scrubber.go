// Package masking redacts credentials from any string leaving the process:
// subprocess output chunks, surfaced git errors, and error stacks.
package masking

import (
	"log/slog"
	"regexp"
)

// Redacted replaces every credential match.
const Redacted = "[REDACTED]"

// CompiledPattern is one pre-compiled credential pattern.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Description string
}

// builtinPatterns is the fixed pattern set. Order does not matter for
// correctness: patterns are non-overlapping in practice and Scrub is
// idempotent across them.
var builtinPatterns = []struct {
	name        string
	pattern     string
	description string
}{
	{
		name:        "url_userinfo",
		pattern:     `(?i)\b[a-z][a-z0-9+.-]*://[^/\s:@]+:[^@\s]+@`,
		description: "URLs with embedded user:pass@ credentials",
	},
	{
		name:        "github_token",
		pattern:     `\bgh[pousr]_[A-Za-z0-9_]{20,255}\b`,
		description: "GitHub classic/OAuth/app/refresh tokens",
	},
	{
		name:        "github_fine_grained",
		pattern:     `\bgithub_pat_[A-Za-z0-9_]{20,255}\b`,
		description: "GitHub fine-grained personal access tokens",
	},
	{
		name:        "gitlab_pat",
		pattern:     `\bglpat-[A-Za-z0-9_\-]{20,}\b`,
		description: "GitLab personal access tokens",
	},
	{
		name:        "bearer",
		pattern:     `(?i)\bBearer\s+[A-Za-z0-9._~+/\-]+=*`,
		description: "Bearer authorization values",
	},
	{
		name:        "aws_access_key",
		pattern:     `\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`,
		description: "AWS access key IDs",
	},
	{
		name:        "aws_secret_key",
		pattern:     `(?i)aws_secret_access_key\s*[=:]\s*\S+`,
		description: "AWS secret access key assignments",
	},
	{
		name:        "anthropic_key",
		pattern:     `\bsk-ant-[A-Za-z0-9_\-]{20,}\b`,
		description: "Anthropic API keys",
	},
	{
		name:        "openai_key",
		pattern:     `\bsk-[A-Za-z0-9_\-]{20,}\b`,
		description: "OpenAI API keys",
	},
	{
		name:        "slack_token",
		pattern:     `\bxox[bp]-[A-Za-z0-9\-]{10,}\b`,
		description: "Slack bot/user tokens",
	},
}

// Scrubber applies the fixed credential pattern set. Created once at
// startup; thread-safe and stateless aside from compiled patterns.
type Scrubber struct {
	patterns []*CompiledPattern
}

// NewScrubber compiles the built-in pattern set. Patterns that fail to
// compile are logged and skipped rather than aborting startup.
func NewScrubber() *Scrubber {
	s := &Scrubber{patterns: make([]*CompiledPattern, 0, len(builtinPatterns))}
	for _, p := range builtinPatterns {
		compiled, err := regexp.Compile(p.pattern)
		if err != nil {
			slog.Error("Failed to compile credential pattern, skipping",
				"pattern", p.name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, &CompiledPattern{
			Name:        p.name,
			Regex:       compiled,
			Description: p.description,
		})
	}
	return s
}

// Scrub replaces every credential match in s with [REDACTED]. Idempotent:
// scrubbing already-scrubbed text is a no-op.
func (s *Scrubber) Scrub(in string) string {
	if in == "" {
		return in
	}
	out := in
	// anthropic_key must win over the broader openai_key sk- prefix; the
	// pattern list is ordered so the longer prefix is applied first.
	for _, p := range s.patterns {
		out = p.Regex.ReplaceAllString(out, Redacted)
	}
	return out
}

// ScrubError scrubs an error's text, returning "" for nil.
func (s *Scrubber) ScrubError(err error) string {
	if err == nil {
		return ""
	}
	return s.Scrub(err.Error())
}

// Patterns exposes the compiled set, used by tests to assert that no
// pattern matches scrubbed output.
func (s *Scrubber) Patterns() []*CompiledPattern {
	return s.patterns
}
