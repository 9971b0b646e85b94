package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/repository"
	"github.com/user/piximg-go/internal/secret"
)

// pixivHosts are the suffixes covered by route mode "pixiv_only".
var pixivHosts = []string{"pixiv.net", "pximg.net", "secure.pixiv.net"}

// ProxySelection is a resolved routing decision for one outbound call.
type ProxySelection struct {
	Endpoint *models.ProxyEndpoint
	PoolID   int64
	URI      *url.URL
	Mode     string // override | primary | weighted
}

// ProxySelector decides whether and through which endpoint an outbound
// request is routed.
type ProxySelector struct {
	pools    *repository.ProxyPoolRepository
	bindings *repository.BindingRepository
	settings *SettingsService
	box      *secret.Box
	logger   *zap.Logger
}

// NewProxySelector creates a ProxySelector.
func NewProxySelector(pools *repository.ProxyPoolRepository, bindings *repository.BindingRepository, settings *SettingsService, box *secret.Box, logger *zap.Logger) *ProxySelector {
	return &ProxySelector{pools: pools, bindings: bindings, settings: settings, box: box, logger: logger}
}

// hostMatchesSuffix reports whether host equals suffix or is a strict
// subdomain of it. Plain substring matching would let evil-pixiv.net
// through.
func hostMatchesSuffix(host, suffix string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	suffix = strings.ToLower(strings.TrimSuffix(suffix, "."))
	if host == suffix {
		return true
	}
	return strings.HasSuffix(host, "."+suffix)
}

// ShouldUseProxy applies the routing mode to a destination host.
func (s *ProxySelector) ShouldUseProxy(ctx context.Context, host string) bool {
	policy := s.settings.ProxyPolicy(ctx)
	if !policy.Enabled {
		return false
	}
	switch policy.RouteMode {
	case "all":
		return true
	case "pixiv_only":
		for _, suffix := range pixivHosts {
			if hostMatchesSuffix(host, suffix) {
				return true
			}
		}
		return false
	case "allowlist":
		for _, suffix := range policy.Allowlist {
			if hostMatchesSuffix(host, suffix) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// ResolvePoolID maps a host to its routing pool: longest configured suffix
// wins, falling back to the default pool.
func (s *ProxySelector) ResolvePoolID(ctx context.Context, host string) int64 {
	policy := s.settings.ProxyPolicy(ctx)
	best := int64(0)
	bestLen := -1
	for suffix, poolID := range policy.RoutePools {
		if hostMatchesSuffix(host, suffix) && len(suffix) > bestLen {
			best = poolID
			bestLen = len(suffix)
		}
	}
	if bestLen >= 0 {
		return best
	}
	return policy.DefaultPoolID
}

// Select returns the proxy for an outbound call to host, or nil when no
// proxy is required. tokenID biases the choice toward that token's binding.
func (s *ProxySelector) Select(ctx context.Context, host string, tokenID *int64) (*ProxySelection, error) {
	if !s.ShouldUseProxy(ctx, host) {
		return nil, nil
	}
	now := time.Now().UTC()
	preferred := s.ResolvePoolID(ctx, host)

	pools, err := s.pools.ListPools(ctx)
	if err != nil {
		return nil, err
	}
	ordered := orderPools(pools, preferred)

	var diags []PoolDiagnostics
	for _, pool := range ordered {
		sel, diag, err := s.selectFromPool(ctx, pool, tokenID, now)
		if err != nil {
			return nil, err
		}
		if sel != nil {
			return sel, nil
		}
		diags = append(diags, *diag)
	}

	policy := s.settings.ProxyPolicy(ctx)
	if policy.FailClosed {
		return nil, &ProxyRequiredError{Host: host, Pools: diags}
	}
	return nil, nil
}

func orderPools(pools []*models.ProxyPool, preferred int64) []*models.ProxyPool {
	var ordered []*models.ProxyPool
	for _, p := range pools {
		if p.Enabled && p.ID == preferred {
			ordered = append(ordered, p)
		}
	}
	for _, p := range pools {
		if p.Enabled && p.ID != preferred {
			ordered = append(ordered, p)
		}
	}
	return ordered
}

func (s *ProxySelector) selectFromPool(ctx context.Context, pool *models.ProxyPool, tokenID *int64, now time.Time) (*ProxySelection, *PoolDiagnostics, error) {
	members, err := s.pools.PoolMembers(ctx, pool.ID)
	if err != nil {
		return nil, nil, err
	}

	eligible := make(map[int64]*models.PoolMember, len(members))
	var nextAvailable *time.Time
	for _, m := range members {
		e := m.Endpoint
		if !e.Enabled {
			continue
		}
		if e.Blacklisted(now) {
			if nextAvailable == nil || e.BlacklistedUntil.Before(*nextAvailable) {
				nextAvailable = e.BlacklistedUntil
			}
			continue
		}
		eligible[m.EndpointID] = m
	}

	diag := &PoolDiagnostics{
		PoolID:            pool.ID,
		PoolName:          pool.Name,
		EndpointsTotal:    len(members),
		EndpointsEligible: len(eligible),
		NextAvailableAt:   nextAvailable,
	}
	if len(eligible) == 0 {
		return nil, diag, nil
	}

	// Token bindings bias toward the sticky override, then the rendezvous
	// primary.
	if tokenID != nil {
		binding, err := s.bindings.Find(ctx, *tokenID, pool.ID)
		switch {
		case err == nil:
			if binding.OverrideActive(now) {
				if m, ok := eligible[*binding.OverrideProxyID]; ok {
					return s.selection(m, pool.ID, "override")
				}
			}
			if m, ok := eligible[binding.PrimaryProxyID]; ok {
				return s.selection(m, pool.ID, "primary")
			}
		case errors.Is(err, sql.ErrNoRows):
			// No binding; fall through to health-weighted pick.
		default:
			return nil, nil, err
		}
	}

	m := pickByHealth(eligible, now)
	return s.selection(m, pool.ID, "weighted")
}

// pickByHealth partitions eligible members into healthy, never-used and
// unhealthy classes and samples weighted from the best non-empty one.
func pickByHealth(eligible map[int64]*models.PoolMember, now time.Time) *models.PoolMember {
	var healthy, unknown, unhealthy []*models.PoolMember
	for _, m := range eligible {
		e := m.Endpoint
		switch {
		case e.LastOKAt == nil && e.LastFailAt == nil:
			unknown = append(unknown, m)
		case e.LastOKAt != nil && (e.LastFailAt == nil || !e.LastOKAt.Before(*e.LastFailAt)):
			healthy = append(healthy, m)
		default:
			unhealthy = append(unhealthy, m)
		}
	}
	for _, class := range [][]*models.PoolMember{healthy, unknown, unhealthy} {
		if len(class) > 0 {
			return pickWeightedMember(class)
		}
	}
	return nil
}

func pickWeightedMember(members []*models.PoolMember) *models.PoolMember {
	total := 0
	for _, m := range members {
		if m.Weight > 0 {
			total += m.Weight
		}
	}
	if total <= 0 {
		return members[rand.Intn(len(members))]
	}
	n := rand.Intn(total)
	for _, m := range members {
		if m.Weight <= 0 {
			continue
		}
		n -= m.Weight
		if n < 0 {
			return m
		}
	}
	return members[len(members)-1]
}

// selection builds the routable URI, decrypting credentials on the way.
func (s *ProxySelector) selection(m *models.PoolMember, poolID int64, mode string) (*ProxySelection, *PoolDiagnostics, error) {
	if m == nil {
		return nil, nil, fmt.Errorf("no member to select")
	}
	e := m.Endpoint
	uri := &url.URL{
		Scheme: string(e.Scheme),
		Host:   fmt.Sprintf("%s:%d", e.Host, e.Port),
	}
	if e.Username != "" {
		password := ""
		if e.PasswordEnc != "" {
			plain, err := s.box.Open(e.PasswordEnc)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to open endpoint %d credential: %w", e.ID, err)
			}
			password = plain
		}
		uri.User = url.UserPassword(e.Username, password)
	}
	return &ProxySelection{Endpoint: e, PoolID: poolID, URI: uri, Mode: mode}, nil, nil
}
