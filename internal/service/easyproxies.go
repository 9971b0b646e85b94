package service

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/user/piximg-go/internal/config"
	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/repository"
	"github.com/user/piximg-go/internal/secret"
)

// EasyProxiesService syncs the endpoint inventory from an external
// line-oriented proxy list (one "scheme://[user:pass@]host:port" per line).
type EasyProxiesService struct {
	cfg      config.EasyProxiesConfig
	pools    *repository.ProxyPoolRepository
	bindings *BindingService
	box      *secret.Box
	client   *http.Client
	logger   *zap.Logger
}

// NewEasyProxiesService creates an EasyProxiesService.
func NewEasyProxiesService(cfg config.EasyProxiesConfig, pools *repository.ProxyPoolRepository, bindings *BindingService, box *secret.Box, client *http.Client, logger *zap.Logger) *EasyProxiesService {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &EasyProxiesService{cfg: cfg, pools: pools, bindings: bindings, box: box, client: client, logger: logger}
}

// RefreshResult summarizes one sync pass.
type RefreshResult struct {
	Fetched    int `json:"fetched"`
	Upserted   int `json:"upserted"`
	Attached   int `json:"attached"`
	Disabled   int `json:"disabled"`
	Recomputed int `json:"recomputed"`
}

// Refresh fetches the list, upserts every entry, disables stale rows from a
// previous sync, then optionally attaches endpoints to the configured pool
// and recomputes bindings.
func (s *EasyProxiesService) Refresh(ctx context.Context) (*RefreshResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build proxy list request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxy list fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxy list fetch returned status %d", resp.StatusCode)
	}

	result := &RefreshResult{}
	live := make(map[int64]bool)
	scanner := bufio.NewScanner(io.LimitReader(resp.Body, 4<<20))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		result.Fetched++
		id, err := s.upsertLine(ctx, line)
		if err != nil {
			s.logger.Warn("skipping unparsable proxy line", zap.String("line", line), zap.Error(err))
			continue
		}
		live[id] = true
		result.Upserted++

		if s.cfg.AttachToPool && s.cfg.PoolID > 0 {
			if err := s.pools.AddToPool(ctx, s.cfg.PoolID, id, 1); err != nil {
				return nil, err
			}
			result.Attached++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan proxy list: %w", err)
	}

	// Rows from earlier syncs that disappeared from the list are disabled,
	// not deleted, so their health history survives a flapping source.
	existing, err := s.pools.ListEndpointsBySource(ctx, "easy_proxies")
	if err != nil {
		return nil, err
	}
	for _, e := range existing {
		if !live[e.ID] && e.Enabled {
			if err := s.pools.SetEndpointEnabled(ctx, e.ID, false); err != nil {
				return nil, err
			}
			result.Disabled++
		}
	}

	if s.cfg.RecomputeBindings && s.cfg.PoolID > 0 {
		rec, err := s.bindings.Recompute(ctx, s.cfg.PoolID, s.cfg.MaxTokensPerProxy, false)
		if err != nil {
			return nil, err
		}
		result.Recomputed = rec.Recomputed
	}

	s.logger.Info("easy_proxies refresh complete",
		zap.Int("fetched", result.Fetched), zap.Int("upserted", result.Upserted),
		zap.Int("disabled", result.Disabled), zap.Int("recomputed", result.Recomputed))
	return result, nil
}

func (s *EasyProxiesService) upsertLine(ctx context.Context, line string) (int64, error) {
	u, err := url.Parse(line)
	if err != nil {
		return 0, err
	}
	scheme := models.ProxyScheme(u.Scheme)
	switch scheme {
	case models.ProxySchemeHTTP, models.ProxySchemeHTTPS, models.ProxySchemeSOCKS5:
	default:
		return 0, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", u.Port())
	}

	username := ""
	passwordEnc := ""
	if u.User != nil {
		username = u.User.Username()
		if password, ok := u.User.Password(); ok && password != "" {
			passwordEnc, err = s.box.Seal(password)
			if err != nil {
				return 0, err
			}
		}
	}
	sourceRef := s.cfg.URL
	return s.pools.UpsertEndpoint(ctx, scheme, u.Hostname(), port, username, passwordEnc, "easy_proxies", &sourceRef)
}
