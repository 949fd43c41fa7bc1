package observability

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/fairyhunter13/claudette/internal/domain"
)

// Field names whose values are always masked before logging.
var sensitiveFields = map[string]struct{}{
	"api_key":       {},
	"authorization": {},
	"x-api-key":     {},
	"credential":    {},
	"token":         {},
}

// bearerRe catches credentials embedded in free-form string values.
var bearerRe = regexp.MustCompile(`(?i)(bearer\s+|sk-|key-)[A-Za-z0-9._-]{8,}`)

// LogSink emits router and breaker events through slog with sensitive
// fields masked. Masking happens here, at a single layer, so individual
// emitters never need to care.
type LogSink struct {
	Logger *slog.Logger
}

// NewLogSink builds a LogSink around the given logger.
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = slog.Default()
	}
	return &LogSink{Logger: l}
}

// Emit implements domain.EventSink.
func (s *LogSink) Emit(ev domain.Event) {
	attrs := make([]any, 0, len(ev.Fields)*2)
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, Mask(k, v)))
	}
	s.Logger.Info("event:"+ev.Kind, attrs...)
}

// Mask redacts sensitive values by field name and scrubs credential-shaped
// substrings from strings.
func Mask(field string, v any) any {
	if _, ok := sensitiveFields[strings.ToLower(field)]; ok {
		return "***"
	}
	if sv, ok := v.(string); ok {
		return bearerRe.ReplaceAllString(sv, "$1***")
	}
	return v
}
