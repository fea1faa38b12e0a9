package security

import (
	"net/http"
	"net/url"
	"strings"
)

// Sensitive header names that should be redacted.
var sensitiveHeaders = map[string]bool{
	"authorization":                  true,
	"cookie":                         true,
	"set-cookie":                     true,
	"proxy-authorization":            true,
	"x-amz-security-token":           true,
	"x-ms-copy-source-authorization": true,
}

// Query parameter name fragments that carry credentials: OAuth tokens, SigV4
// presigned URLs and Azure SAS signatures.
var sensitiveParams = []string{
	"token",
	"secret",
	"password",
	"credential",
	"signature",
	"key",
	"auth",
}

// exactSensitiveParams are too short to match by fragment.
var exactSensitiveParams = map[string]bool{
	"sig": true,
}

const redactedValue = "[REDACTED]"

// SanitizeHeaders returns a copy of headers with sensitive values redacted.
func SanitizeHeaders(headers http.Header) map[string]string {
	sanitized := make(map[string]string, len(headers))
	for key, values := range headers {
		if sensitiveHeaders[strings.ToLower(key)] {
			sanitized[key] = redactedValue
			continue
		}
		sanitized[key] = strings.Join(values, ", ")
	}
	return sanitized
}

// SanitizeURL redacts credentials in the user info and query string of a URL.
// Unparseable input is returned fully redacted.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return redactedValue
	}
	if u.User != nil {
		u.User = url.User(redactedValue)
	}
	if u.RawQuery == "" {
		return u.String()
	}

	query := u.Query()
	for name := range query {
		if isSensitiveParam(name) {
			query.Set(name, redactedValue)
		}
	}
	u.RawQuery = query.Encode()
	return u.String()
}

func isSensitiveParam(name string) bool {
	lower := strings.ToLower(name)
	if exactSensitiveParams[lower] {
		return true
	}
	for _, fragment := range sensitiveParams {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
