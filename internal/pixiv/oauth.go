package pixiv

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	userAgent        = "PixivAndroidApp/5.0.234 (Android 11; Pixel 5)"
	clientTimeLayout = "2006-01-02T15:04:05+00:00"
)

// OAuthConfig holds the upstream OAuth application credentials.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	HashSecret   string
	BaseURL      string
}

// OAuthResult is a successful refresh. RefreshToken is non-empty when the
// upstream rotated the stored token.
type OAuthResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

// ExpiresAt converts the relative lifetime into an absolute deadline.
func (r *OAuthResult) ExpiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(r.ExpiresIn) * time.Second)
}

// RefreshAccessToken exchanges a refresh token for an access token via the
// given client (which carries the per-attempt proxy routing).
func RefreshAccessToken(ctx context.Context, httpClient *http.Client, cfg OAuthConfig, refreshToken string) (*OAuthResult, error) {
	form := url.Values{
		"client_id":      {cfg.ClientID},
		"client_secret":  {cfg.ClientSecret},
		"grant_type":     {"refresh_token"},
		"refresh_token":  {refreshToken},
		"include_policy": {"true"},
	}
	endpoint := strings.TrimRight(cfg.BaseURL, "/") + "/auth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build oauth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)
	setClientHash(req, cfg.HashSecret, time.Now().UTC())

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read oauth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyOAuth(resp.StatusCode, string(body))
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		Response     *struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			ExpiresIn    int64  `json:"expires_in"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode oauth response: %w", err)
	}
	// Some responses nest the grant under "response".
	if payload.AccessToken == "" && payload.Response != nil {
		payload.AccessToken = payload.Response.AccessToken
		payload.RefreshToken = payload.Response.RefreshToken
		payload.ExpiresIn = payload.Response.ExpiresIn
	}
	if payload.AccessToken == "" {
		return nil, &OAuthError{StatusCode: resp.StatusCode, Body: "missing access_token in response", Permanent: false}
	}
	return &OAuthResult{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresIn:    payload.ExpiresIn,
	}, nil
}

// setClientHash stamps the X-Client-Time/X-Client-Hash pair the OAuth
// endpoint validates: md5(client_time + hash_secret).
func setClientHash(req *http.Request, hashSecret string, now time.Time) {
	clientTime := now.Format(clientTimeLayout)
	sum := md5.Sum([]byte(clientTime + hashSecret))
	req.Header.Set("X-Client-Time", clientTime)
	req.Header.Set("X-Client-Hash", hex.EncodeToString(sum[:]))
}
