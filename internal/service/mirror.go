package service

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/user/piximg-go/internal/config"
)

// pximgHost is the canonical upstream image host.
const pximgHost = "i.pximg.net"

// mirrorHosts maps the short mirror names to their FQDNs.
var mirrorHosts = map[string]string{
	"cat": "i.pixiv.cat",
	"re":  "i.pixiv.re",
	"nl":  "i.pixiv.nl",
}

// MirrorService rewrites pximg URLs to mirror hosts that do not require a
// pixiv Referer.
type MirrorService struct {
	cfg config.ImageProxyConfig
}

// NewMirrorService creates a MirrorService.
func NewMirrorService(cfg config.ImageProxyConfig) *MirrorService {
	return &MirrorService{cfg: cfg}
}

// ResolveHost maps a requested mirror name or FQDN to a concrete host.
// Short names always resolve; custom FQDNs must be allowlisted. Empty
// input or an unlisted host returns "".
func (s *MirrorService) ResolveHost(requested string) string {
	if requested == "" {
		return ""
	}
	if host, ok := mirrorHosts[strings.ToLower(requested)]; ok {
		return host
	}
	for _, allowed := range strings.Split(s.cfg.CustomHosts, ",") {
		allowed = strings.TrimSpace(allowed)
		if allowed != "" && strings.EqualFold(allowed, requested) {
			return allowed
		}
	}
	return ""
}

// PickForRequest chooses a mirror host from request hints when no explicit
// host is configured. Chinese-locale clients get the .re mirror, which
// historically resolves better there; everyone else gets the default.
func (s *MirrorService) PickForRequest(headers http.Header, fallback string) string {
	if s.cfg.MirrorHost != "" {
		if host := s.ResolveHost(s.cfg.MirrorHost); host != "" {
			return host
		}
	}
	lang := strings.ToLower(headers.Get("Accept-Language"))
	if strings.Contains(lang, "zh") {
		return mirrorHosts["re"]
	}
	if fallback != "" {
		return fallback
	}
	return mirrorHosts["cat"]
}

// Rewrite swaps the pximg host for the mirror host, leaving the path
// untouched. Non-pximg URLs pass through unchanged.
func (s *MirrorService) Rewrite(rawURL, mirrorHost string) string {
	if mirrorHost == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || !strings.EqualFold(u.Hostname(), pximgHost) {
		return rawURL
	}
	u.Host = mirrorHost
	return u.String()
}

// Enabled reports whether mirror rewriting applies, honoring the
// per-request override when provided.
func (s *MirrorService) Enabled(requestOverride *bool) bool {
	if requestOverride != nil {
		return *requestOverride
	}
	return s.cfg.UsePixivCat
}

// CacheControl returns the configured response cache policy.
func (s *MirrorService) CacheControl() string {
	return s.cfg.CacheControl
}
