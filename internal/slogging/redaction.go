package slogging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// RedactionAction defines how a sensitive attribute is rewritten
type RedactionAction string

const (
	// RedactionOmit drops the attribute
	RedactionOmit RedactionAction = "omit"
	// RedactionObfuscate replaces the value with [REDACTED]
	RedactionObfuscate RedactionAction = "obfuscate"
	// RedactionPartial keeps a short prefix and suffix of the value
	RedactionPartial RedactionAction = "partial"
)

// RedactionRule matches attribute keys against a pattern
type RedactionRule struct {
	FieldPattern string          `yaml:"field_pattern" json:"field_pattern"`
	Action       RedactionAction `yaml:"action" json:"action"`

	compiled *regexp.Regexp
}

// RedactionConfig holds all redaction rules
type RedactionConfig struct {
	Enabled bool            `yaml:"enabled" json:"enabled"`
	Rules   []RedactionRule `yaml:"rules" json:"rules"`
}

// DefaultRedactionConfig covers bearer credentials, n8n API keys and webhook signatures
func DefaultRedactionConfig() RedactionConfig {
	return RedactionConfig{
		Enabled: true,
		Rules: []RedactionRule{
			{FieldPattern: `(?i)^(authorization|bearer|token|jwt|access_token|refresh_token)$`, Action: RedactionPartial},
			{FieldPattern: `(?i)(password|secret|api_key|apikey|private_key|encryption_key)`, Action: RedactionOmit},
			{FieldPattern: `(?i)(signature|x-n8n-api-key|x-flowdash-signature)`, Action: RedactionObfuscate},
		},
	}
}

func (rc *RedactionConfig) compile() error {
	for i := range rc.Rules {
		re, err := regexp.Compile(rc.Rules[i].FieldPattern)
		if err != nil {
			return fmt.Errorf("failed to compile redaction pattern '%s': %w", rc.Rules[i].FieldPattern, err)
		}
		rc.Rules[i].compiled = re
	}
	return nil
}

// redactionHandler rewrites matching attributes before delegating
type redactionHandler struct {
	next   slog.Handler
	config RedactionConfig
}

// NewRedactionHandler wraps handler with the given rules
func NewRedactionHandler(handler slog.Handler, config RedactionConfig) (slog.Handler, error) {
	if err := config.compile(); err != nil {
		return nil, err
	}
	return &redactionHandler{next: handler, config: config}, nil
}

func (h *redactionHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactionHandler) Handle(ctx context.Context, record slog.Record) error {
	if !h.config.Enabled {
		return h.next.Handle(ctx, record)
	}

	out := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		if redacted, keep := h.redact(attr); keep {
			out.AddAttrs(redacted)
		}
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *redactionHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	kept := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		if redacted, keep := h.redact(attr); keep {
			kept = append(kept, redacted)
		}
	}
	return &redactionHandler{next: h.next.WithAttrs(kept), config: h.config}
}

func (h *redactionHandler) WithGroup(name string) slog.Handler {
	return &redactionHandler{next: h.next.WithGroup(name), config: h.config}
}

func (h *redactionHandler) redact(attr slog.Attr) (slog.Attr, bool) {
	if !h.config.Enabled {
		return attr, true
	}
	for _, rule := range h.config.Rules {
		if rule.compiled == nil || !rule.compiled.MatchString(attr.Key) {
			continue
		}
		switch rule.Action {
		case RedactionOmit:
			return slog.Attr{}, false
		case RedactionObfuscate:
			return slog.String(attr.Key, "[REDACTED]"), true
		case RedactionPartial:
			return slog.String(attr.Key, partialRedactValue(attr.Value.String())), true
		}
	}
	return attr, true
}

// partialRedactValue keeps enough of a credential to correlate log lines without exposing it
func partialRedactValue(value string) string {
	if value == "" {
		return value
	}
	if len(value) <= 12 {
		return "[REDACTED]"
	}
	if strings.HasPrefix(strings.ToLower(value), "bearer ") {
		return value[:7] + partialRedactValue(value[7:])
	}
	if len(value) < 20 {
		return value[:3] + "...REDACTED..." + value[len(value)-2:]
	}
	return value[:6] + "...REDACTED..." + value[len(value)-4:]
}

// SanitizeLogMessage collapses newlines, tabs and repeated whitespace so user input cannot forge log lines
func SanitizeLogMessage(message string) string {
	return strings.Join(strings.Fields(message), " ")
}
