package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/frahmantamala/marketplace-payment/internal"
)

// sensitiveFields are matched case-insensitively against header names and
// JSON keys.
var sensitiveFields = []string{
	"authorization",
	"token",
	"secret",
	"signature",
	"api_key",
	"session_payload",
	"redirect",
	"password",
	"credential",
}

// rawBodyPrefixes are routes whose bodies are never logged. Webhook payloads
// carry gateway data signed as a whole.
var rawBodyPrefixes = []string{
	"/api/v1/webhooks/",
}

func LoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := internal.RequestIDFromContext(r.Context())
			withBody := logsBody(r.URL.Path)

			logRequest(logger, r, requestID, withBody)

			ww := &responseWriter{ResponseWriter: w, body: &bytes.Buffer{}}
			next.ServeHTTP(ww, r)

			logResponse(logger, r, ww, time.Since(start), requestID)
		})
	}
}

func logsBody(path string) bool {
	for _, prefix := range rawBodyPrefixes {
		if strings.HasPrefix(path, prefix) {
			return false
		}
	}
	return true
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

func logRequest(logger *slog.Logger, r *http.Request, requestID string, withBody bool) {
	attrs := []any{
		"request_id", requestID,
		"method", r.Method,
		"path", r.URL.Path,
		"query", r.URL.RawQuery,
		"remote_addr", r.RemoteAddr,
		"user_agent", r.UserAgent(),
		"headers", filterSensitiveHeaders(r.Header),
	}

	if withBody && r.Body != nil {
		bodyBytes, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
		attrs = append(attrs, "body", filterSensitiveBody(bodyBytes))
	}

	logger.InfoContext(r.Context(), "incoming request", attrs...)
}

func logResponse(logger *slog.Logger, r *http.Request, rw *responseWriter, duration time.Duration, requestID string) {
	statusCode := rw.statusCode
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	level := slog.LevelInfo
	switch {
	case statusCode >= http.StatusInternalServerError:
		level = slog.LevelError
	case statusCode >= http.StatusBadRequest:
		level = slog.LevelWarn
	}

	logger.Log(r.Context(), level, "response",
		"request_id", requestID,
		"path", r.URL.Path,
		"status_code", statusCode,
		"duration_ms", duration.Milliseconds(),
		"response_size", rw.body.Len(),
		"body", filterSensitiveBody(rw.body.Bytes()),
	)
}

func isSensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, field := range sensitiveFields {
		if strings.Contains(lower, field) {
			return true
		}
	}
	return false
}

func filterSensitiveHeaders(headers http.Header) map[string]string {
	filtered := make(map[string]string, len(headers))
	for name, values := range headers {
		if isSensitive(name) {
			filtered[name] = "[FILTERED]"
			continue
		}
		filtered[name] = strings.Join(values, ", ")
	}
	return filtered
}

func filterSensitiveBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return "[non-JSON body omitted]"
	}

	filtered, err := json.Marshal(filterSensitiveJSON(data))
	if err != nil {
		return "[unencodable body omitted]"
	}
	return string(filtered)
}

func filterSensitiveJSON(data interface{}) interface{} {
	switch v := data.(type) {
	case map[string]interface{}:
		filtered := make(map[string]interface{}, len(v))
		for key, value := range v {
			if isSensitive(key) {
				filtered[key] = "[FILTERED]"
				continue
			}
			filtered[key] = filterSensitiveJSON(value)
		}
		return filtered
	case []interface{}:
		filtered := make([]interface{}, len(v))
		for i, item := range v {
			filtered[i] = filterSensitiveJSON(item)
		}
		return filtered
	default:
		return v
	}
}
