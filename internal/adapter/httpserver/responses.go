package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/claudette/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses with a stable code
// string in the envelope.
func writeError(w http.ResponseWriter, err error, details any) {
	status := http.StatusInternalServerError
	kind := domain.KindOf(err)

	switch kind {
	case domain.KindInvalidInput:
		status = http.StatusBadRequest
	case domain.KindNoBackends, domain.KindAllFailed:
		status = http.StatusServiceUnavailable
	case domain.KindCircuitOpen:
		status = http.StatusServiceUnavailable
	case domain.KindRateLimit:
		status = http.StatusTooManyRequests
	case domain.KindTimeout:
		status = http.StatusGatewayTimeout
	case domain.KindTransient:
		status = http.StatusBadGateway
	case domain.KindAuth:
		status = http.StatusBadGateway // upstream credential problem, not the caller's
	case domain.KindContextLength:
		status = http.StatusRequestEntityTooLarge
	}

	writeJSON(w, status, errorEnvelope{Error: apiError{
		Code:    string(kind),
		Message: err.Error(),
		Details: details,
	}})
}

// errorDetails surfaces per-backend causes for aggregate failures.
func errorDetails(err error) any {
	var all *domain.AllFailedError
	if !errors.As(err, &all) {
		return nil
	}
	causes := make([]map[string]string, 0, len(all.Causes))
	for _, c := range all.Causes {
		causes = append(causes, map[string]string{
			"backend": c.Backend,
			"kind":    string(c.Kind),
			"message": c.Message,
		})
	}
	return map[string]any{"causes": causes}
}
