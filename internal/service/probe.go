package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/pixiv"
	"github.com/user/piximg-go/internal/repository"
	"github.com/user/piximg-go/internal/secret"
)

// probeTargetURL is a cheap, always-on endpoint reachable through any
// working proxy.
const probeTargetURL = "https://www.pixiv.net/robots.txt"

const defaultProbeParallelism = 8

// ProbeService health-checks proxy endpoints in parallel and feeds the
// results back into breaker state.
type ProbeService struct {
	pools   *repository.ProxyPoolRepository
	breaker *ProxyBreaker
	box     *secret.Box
	timeout time.Duration
	logger  *zap.Logger
}

// NewProbeService creates a ProbeService.
func NewProbeService(pools *repository.ProxyPoolRepository, breaker *ProxyBreaker, box *secret.Box, timeout time.Duration, logger *zap.Logger) *ProbeService {
	return &ProbeService{pools: pools, breaker: breaker, box: box, timeout: timeout, logger: logger}
}

// ProbeOutcome is one endpoint's check result.
type ProbeOutcome struct {
	EndpointID int64  `json:"endpoint_id"`
	OK         bool   `json:"ok"`
	LatencyMs  int64  `json:"latency_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Probe checks the selected endpoints. poolID=0 means all endpoints;
// endpointIDs narrows further when non-empty.
func (s *ProbeService) Probe(ctx context.Context, poolID int64, endpointIDs []int64, parallelism int) ([]ProbeOutcome, error) {
	endpoints, err := s.resolveTargets(ctx, poolID, endpointIDs)
	if err != nil {
		return nil, err
	}
	if parallelism <= 0 {
		parallelism = defaultProbeParallelism
	}

	outcomes := make([]ProbeOutcome, len(endpoints))
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup
	for i, e := range endpoints {
		wg.Add(1)
		go func(i int, e *models.ProxyEndpoint) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = s.probeOne(ctx, e)
		}(i, e)
	}
	wg.Wait()
	return outcomes, nil
}

func (s *ProbeService) resolveTargets(ctx context.Context, poolID int64, endpointIDs []int64) ([]*models.ProxyEndpoint, error) {
	if len(endpointIDs) > 0 {
		var out []*models.ProxyEndpoint
		for _, id := range endpointIDs {
			e, err := s.pools.FindEndpoint(ctx, id)
			if err != nil {
				if repository.IsNotFound(err) {
					continue
				}
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	}
	if poolID > 0 {
		members, err := s.pools.PoolMembers(ctx, poolID)
		if err != nil {
			return nil, err
		}
		out := make([]*models.ProxyEndpoint, 0, len(members))
		for _, m := range members {
			out = append(out, m.Endpoint)
		}
		return out, nil
	}
	return s.pools.ListEndpoints(ctx)
}

func (s *ProbeService) probeOne(ctx context.Context, e *models.ProxyEndpoint) ProbeOutcome {
	uri, err := s.endpointURI(e)
	if err != nil {
		return ProbeOutcome{EndpointID: e.ID, Error: err.Error()}
	}
	client, err := pixiv.NewHTTPClient(uri, pixiv.Timeouts{Connect: s.timeout, Total: s.timeout})
	if err != nil {
		return ProbeOutcome{EndpointID: e.ID, Error: err.Error()}
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, probeTargetURL, nil)
	if err != nil {
		return ProbeOutcome{EndpointID: e.ID, Error: err.Error()}
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	now := time.Now().UTC()
	if err != nil {
		s.breaker.MarkFail(ctx, e, now, err.Error(), false)
		return ProbeOutcome{EndpointID: e.ID, Error: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 500 {
		msg := fmt.Sprintf("probe status %d", resp.StatusCode)
		s.breaker.MarkFail(ctx, e, now, msg, false)
		return ProbeOutcome{EndpointID: e.ID, Error: msg}
	}
	s.breaker.MarkOK(ctx, e, latency, now)
	return ProbeOutcome{EndpointID: e.ID, OK: true, LatencyMs: latency.Milliseconds()}
}

func (s *ProbeService) endpointURI(e *models.ProxyEndpoint) (*url.URL, error) {
	uri := &url.URL{Scheme: string(e.Scheme), Host: fmt.Sprintf("%s:%d", e.Host, e.Port)}
	if e.Username != "" {
		password := ""
		if e.PasswordEnc != "" {
			plain, err := s.box.Open(e.PasswordEnc)
			if err != nil {
				return nil, fmt.Errorf("failed to open endpoint %d credential: %w", e.ID, err)
			}
			password = plain
		}
		uri.User = url.UserPassword(e.Username, password)
	}
	return uri, nil
}
