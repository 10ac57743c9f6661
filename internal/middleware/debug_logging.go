package middleware

import (
	"net/http"
	"strings"

	"chatrelay/internal/httputil"
	"chatrelay/internal/security"
	"chatrelay/internal/service"
	"chatrelay/internal/tracing"

	"github.com/sirupsen/logrus"
)

// DebugLoggingConfig controls what gets logged
type DebugLoggingConfig struct {
	LogRequestHeaders bool     `json:"log_request_headers"`
	SensitiveHeaders  []string `json:"sensitive_headers"`
	SkipEndpoints     []string `json:"skip_endpoints"`
}

// DefaultDebugLoggingConfig returns sensible defaults
func DefaultDebugLoggingConfig() DebugLoggingConfig {
	return DebugLoggingConfig{
		LogRequestHeaders: true,
		SensitiveHeaders: []string{
			"authorization", "cookie", "set-cookie", "x-api-key",
			strings.ToLower(security.SignatureHeader),
		},
		SkipEndpoints: []string{"/metrics", "/health", "/chat/stream"},
	}
}

// DebugLoggingMiddleware logs request headers at debug level, masking
// credentials. Bodies are never logged since they carry message content.
func DebugLoggingMiddleware(logger logrus.FieldLogger, config DebugLoggingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, skip := range config.SkipEndpoints {
				if strings.HasPrefix(r.URL.Path, skip) {
					next.ServeHTTP(w, r)
					return
				}
			}

			fields := logrus.Fields{
				service.LogFieldRequestID: tracing.GetRequestID(r.Context()),
				service.LogFieldMethod:    r.Method,
				service.LogFieldURL:       r.URL.String(),
				service.LogFieldRemoteIP:  httputil.GetClientIP(r),
				"content_length":          r.ContentLength,
				"protocol":                r.Proto,
			}
			if config.LogRequestHeaders {
				headers := make(map[string]string, len(r.Header))
				for name, values := range r.Header {
					if isSensitiveHeader(name, config.SensitiveHeaders) {
						headers[name] = "***MASKED***"
					} else {
						headers[name] = strings.Join(values, ", ")
					}
				}
				fields["request_headers"] = headers
			}
			logger.WithFields(fields).Debug("Request details")

			next.ServeHTTP(w, r)
		})
	}
}

func isSensitiveHeader(headerName string, sensitiveHeaders []string) bool {
	for _, sensitive := range sensitiveHeaders {
		if strings.EqualFold(sensitive, headerName) {
			return true
		}
	}
	return false
}
