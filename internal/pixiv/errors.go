package pixiv

import (
	"fmt"
	"strings"
)

// OAuthError is a failed token refresh. Permanent means the stored refresh
// token can never succeed again (revoked or malformed); recoverable means
// a later retry may work.
type OAuthError struct {
	StatusCode int
	Body       string
	Permanent  bool
}

func (e *OAuthError) Error() string {
	kind := "recoverable"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("oauth refresh failed (%s): status=%d body=%s", kind, e.StatusCode, e.Body)
}

// APIError is a non-2xx App API response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("app api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsRateLimited reports whether the response indicates Pixiv's rate limiter.
// Pixiv answers 403 with a "Rate Limit" body rather than 429.
func (e *APIError) IsRateLimited() bool {
	if e.StatusCode == 429 {
		return true
	}
	return e.StatusCode == 403 && strings.Contains(strings.ToLower(e.Body), "rate limit")
}

// IsNotFound reports whether the illust does not exist or was deleted.
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == 404
}

// classifyOAuth decides permanence from the upstream response. invalid_grant
// means the refresh token is dead; everything else may be transient.
func classifyOAuth(status int, body string) *OAuthError {
	permanent := false
	if status == 400 || status == 401 {
		lower := strings.ToLower(body)
		if strings.Contains(lower, "invalid_grant") || strings.Contains(lower, "invalid_request") {
			permanent = true
		}
	}
	return &OAuthError{StatusCode: status, Body: truncateBody(body), Permanent: permanent}
}

func truncateBody(s string) string {
	const max = 300
	if len(s) <= max {
		return s
	}
	return s[:max]
}
