package http

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	pacswatch "gitlab.com/medical-research/pacswatch"
)

// Generic HTTP metrics.
var (
	errorCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pacswatch_http_error_count",
		Help: "Total number of errors by error code",
	}, []string{"code"})
)

// Error prints & optionally logs an error message.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	// Extract error code & message.
	code, message := pacswatch.ErrorCode(err), pacswatch.ErrorMessage(err)

	// Track metrics by code.
	errorCount.WithLabelValues(code).Inc()

	// Log & report internal errors.
	if code == pacswatch.EINTERNAL {
		pacswatch.ReportError(r.Context(), err, r)
		LogError(r, err)
	}

	WriteJSONResponse(w, &ErrorResponse{Error: message, Code: code}, ErrorStatusCode(code))
}

// ErrorResponse represents a JSON structure for error output.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// LogError logs an error with the HTTP route information.
func LogError(r *http.Request, err error) {
	log.Printf("[http] error: %s %s: %s", r.Method, r.URL.Path, err)
}

// lookup of application error codes to HTTP status codes.
var codes = map[string]int{
	pacswatch.ECONFLICT:       http.StatusConflict,
	pacswatch.EINVALID:        http.StatusBadRequest,
	pacswatch.ENOTFOUND:       http.StatusNotFound,
	pacswatch.ENOTIMPLEMENTED: http.StatusNotImplemented,
	pacswatch.EUNAUTHORIZED:   http.StatusUnauthorized,
	pacswatch.EINTERNAL:       http.StatusInternalServerError,
	pacswatch.EUNREACHABLE:    http.StatusBadGateway,
	pacswatch.EPROTOCOL:       http.StatusBadGateway,
	pacswatch.ESTORAGE:        http.StatusInsufficientStorage,
	pacswatch.ECANCELED:       http.StatusServiceUnavailable,
}

// ErrorStatusCode returns the associated HTTP status code for a pacswatch error code.
func ErrorStatusCode(code string) int {
	if v, ok := codes[code]; ok {
		return v
	}
	return http.StatusInternalServerError
}

// FromErrorStatusCode returns the associated pacswatch code for an HTTP status code.
// Bad gateway maps back to EUNREACHABLE.
func FromErrorStatusCode(code int) string {
	if code == http.StatusBadGateway {
		return pacswatch.EUNREACHABLE
	}
	for k, v := range codes {
		if v == code {
			return k
		}
	}
	return pacswatch.EINTERNAL
}

// ResultStatusCode returns the HTTP status code reporting a pipeline result.
func ResultStatusCode(result *pacswatch.PipelineResult) int {
	if pacswatch.ErrorCode(result.Err) == pacswatch.ECANCELED {
		return http.StatusServiceUnavailable
	}
	switch result.Status {
	case pacswatch.StatusSuccess:
		return http.StatusOK
	case pacswatch.StatusDecodeFailed, pacswatch.StatusRenderFailed:
		return http.StatusUnprocessableEntity
	case pacswatch.StatusStorageFailed:
		return http.StatusInsufficientStorage
	}
	return ErrorStatusCode(pacswatch.ErrorCode(result.Err))
}

// WriteJSONResponse writes the content supplied via the `source` parameter to
// the supplied http ResponseWriter. The response is returned with the indicated
// status.
func WriteJSONResponse(w http.ResponseWriter, source interface{}, status int) {
	content, errMap := json.Marshal(source)
	if errMap != nil {
		msg := fmt.Sprintf("error when marshalling %#v to JSON bytes: %#v", source, errMap)
		http.Error(w, msg, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status) // must come after the headers and before the first Write
	if _, err := w.Write(content); err != nil {
		log.Printf("[http] error when writing JSON response: %s", err)
	}
}
