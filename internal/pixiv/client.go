package pixiv

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// AppAPIConfig holds the App API base URL.
type AppAPIConfig struct {
	BaseURL string
}

// IllustDetail fetches the raw detail payload for one illust. The caller
// supplies the proxy-routed client and a valid access token.
func IllustDetail(ctx context.Context, httpClient *http.Client, cfg AppAPIConfig, accessToken string, illustID int64) ([]byte, error) {
	endpoint := strings.TrimRight(cfg.BaseURL, "/") + "/v1/illust/detail?illust_id=" + strconv.FormatInt(illustID, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build detail request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detail request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read detail response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: truncateBody(string(body))}
	}
	return body, nil
}
