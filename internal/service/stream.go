package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/pixiv"
)

// pixivReferer is the Referer the upstream image host requires.
const pixivReferer = "https://www.pixiv.net/"

// forwarded response headers, in upstream order.
var passthroughHeaders = []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges"}

// StreamService proxies upstream image bytes to a client with Range
// pass-through.
type StreamService struct {
	selector *ProxySelector
	breaker  *ProxyBreaker
	timeouts pixiv.Timeouts
	logger   *zap.Logger
}

// NewStreamService creates a StreamService.
func NewStreamService(selector *ProxySelector, breaker *ProxyBreaker, timeouts pixiv.Timeouts, logger *zap.Logger) *StreamService {
	return &StreamService{selector: selector, breaker: breaker, timeouts: timeouts, logger: logger}
}

// StreamRequest describes one upstream fetch.
type StreamRequest struct {
	URL          string
	RangeHeader  string
	CacheControl string
}

// Stream fetches req.URL and writes status, headers and body to w. The
// error, when non-nil, is a *models.APIError classified per the upstream
// failure taxonomy; nothing has been written to w in that case.
func (s *StreamService) Stream(ctx context.Context, w http.ResponseWriter, req *StreamRequest) error {
	target, err := url.Parse(req.URL)
	if err != nil {
		return models.ErrUpstream(models.CodeUpstreamStreamError, "invalid upstream url")
	}

	sel, err := s.selector.Select(ctx, target.Hostname(), nil)
	if err != nil {
		var proxyReq *ProxyRequiredError
		if errors.As(err, &proxyReq) {
			apiErr := models.ErrUpstream(models.CodeProxyRequired, "no eligible proxy for upstream host")
			return apiErr.WithDetails(map[string]any{"pools": proxyReq.Pools})
		}
		return models.ErrUpstream(models.CodeUpstreamStreamError, err.Error())
	}
	var proxyURI *url.URL
	if sel != nil {
		proxyURI = sel.URI
	}

	client, err := pixiv.NewHTTPClient(proxyURI, s.timeouts)
	if err != nil {
		return models.ErrUpstream(models.CodeProxyConnectFailed, err.Error())
	}

	upstream, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return models.ErrUpstream(models.CodeUpstreamStreamError, err.Error())
	}
	upstream.Header.Set("Referer", pixivReferer)
	if req.RangeHeader != "" {
		upstream.Header.Set("Range", req.RangeHeader)
	}

	start := time.Now()
	resp, err := client.Do(upstream)
	now := time.Now().UTC()
	if err != nil {
		if sel != nil {
			s.breaker.MarkFail(ctx, sel.Endpoint, now, err.Error(), false)
		}
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		if sel != nil && resp.StatusCode >= 500 {
			s.breaker.MarkFail(ctx, sel.Endpoint, now, fmt.Sprintf("upstream status %d", resp.StatusCode), false)
		}
		return classifyUpstreamStatus(resp.StatusCode)
	}
	if sel != nil {
		s.breaker.MarkOK(ctx, sel.Endpoint, time.Since(start), now)
	}

	for _, h := range passthroughHeaders {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	if req.CacheControl != "" {
		w.Header().Set("Cache-Control", req.CacheControl)
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// Headers are gone; just log. The client likely disconnected.
		s.logger.Debug("stream interrupted", zap.String("url", req.URL), zap.Error(err))
	}
	return nil
}

// classifyUpstreamStatus maps upstream HTTP codes to stable error codes;
// everything surfaces as 502 since this process is the gateway.
func classifyUpstreamStatus(status int) *models.APIError {
	switch status {
	case http.StatusForbidden:
		return models.ErrUpstream(models.CodeUpstream403, "upstream returned 403")
	case http.StatusNotFound:
		return models.ErrUpstream(models.CodeUpstream404, "upstream returned 404")
	case http.StatusTooManyRequests:
		return models.ErrUpstream(models.CodeUpstreamRateLimit, "upstream rate limited")
	default:
		return models.ErrUpstream(models.CodeUpstreamStreamError, fmt.Sprintf("upstream returned %d", status))
	}
}

// classifyTransportError distinguishes proxy faults from generic upstream
// failures by inspecting the transport error chain.
func classifyTransportError(err error) *models.APIError {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "407") || strings.Contains(lower, "proxy authentication"):
		return models.ErrUpstream(models.CodeProxyAuthFailed, msg)
	case strings.Contains(lower, "proxyconnect") || strings.Contains(lower, "socks"):
		return models.ErrUpstream(models.CodeProxyConnectFailed, msg)
	default:
		return models.ErrUpstream(models.CodeUpstreamStreamError, msg)
	}
}
