package handler

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/repository"
	"github.com/user/piximg-go/internal/secret"
	"github.com/user/piximg-go/internal/service"
)

// AdminProxyHandler manages proxy pools, endpoints and health probes.
type AdminProxyHandler struct {
	pools *repository.ProxyPoolRepository
	jobs  *repository.JobRepository
	easy  *service.EasyProxiesService
	box   *secret.Box
}

// NewAdminProxyHandler creates an AdminProxyHandler.
func NewAdminProxyHandler(pools *repository.ProxyPoolRepository, jobs *repository.JobRepository, easy *service.EasyProxiesService, box *secret.Box) *AdminProxyHandler {
	return &AdminProxyHandler{pools: pools, jobs: jobs, easy: easy, box: box}
}

type createPoolRequest struct {
	Name        string  `json:"name" binding:"required"`
	Description *string `json:"description"`
}

// CreatePool handles POST /admin/proxy-pools.
func (h *AdminProxyHandler) CreatePool(c *gin.Context) {
	var req createPoolRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		respondError(c, models.ErrBadRequest("name is required"))
		return
	}
	pool, err := h.pools.CreatePool(c.Request.Context(), strings.TrimSpace(req.Name), req.Description)
	if err != nil {
		respondError(c, err)
		return
	}
	respondItem(c, pool)
}

// ListPools handles GET /admin/proxy-pools.
func (h *AdminProxyHandler) ListPools(c *gin.Context) {
	pools, err := h.pools.ListPools(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondItems(c, pools, nil)
}

type updatePoolRequest struct {
	Name        *string `json:"name"`
	Enabled     *bool   `json:"enabled"`
	Description *string `json:"description"`
}

// UpdatePool handles PATCH /admin/proxy-pools/:id.
func (h *AdminProxyHandler) UpdatePool(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var req updatePoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, models.ErrBadRequest("invalid request body"))
		return
	}
	if err := h.pools.UpdatePool(c.Request.Context(), id, req.Name, req.Enabled, req.Description); err != nil {
		respondNotFoundOr(c, err, "pool not found")
		return
	}
	pool, err := h.pools.FindPool(c.Request.Context(), id)
	if err != nil {
		respondNotFoundOr(c, err, "pool not found")
		return
	}
	respondItem(c, pool)
}

// DeletePool handles DELETE /admin/proxy-pools/:id.
func (h *AdminProxyHandler) DeletePool(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.pools.DeletePool(c.Request.Context(), id); err != nil {
		respondNotFoundOr(c, err, "pool not found")
		return
	}
	respondData(c, gin.H{"deleted": id})
}

// PoolMembers handles GET /admin/proxy-pools/:id/members.
func (h *AdminProxyHandler) PoolMembers(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	members, err := h.pools.PoolMembers(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respondItems(c, members, nil)
}

type poolMemberRequest struct {
	EndpointID int64 `json:"endpoint_id" binding:"required"`
	Weight     *int  `json:"weight"`
}

// AddMember handles POST /admin/proxy-pools/:id/members.
func (h *AdminProxyHandler) AddMember(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var req poolMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.EndpointID <= 0 {
		respondError(c, models.ErrBadRequest("endpoint_id is required"))
		return
	}
	weight := 100
	if req.Weight != nil {
		weight = *req.Weight
	}
	if weight < 0 || weight > 1000 {
		respondError(c, models.ErrBadRequest("weight must be between 0 and 1000"))
		return
	}
	if err := h.pools.AddToPool(c.Request.Context(), id, req.EndpointID, weight); err != nil {
		respondError(c, err)
		return
	}
	respondData(c, gin.H{"pool_id": id, "endpoint_id": req.EndpointID, "weight": weight})
}

// RemoveMember handles DELETE /admin/proxy-pools/:id/members/:endpoint_id.
func (h *AdminProxyHandler) RemoveMember(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	endpointID, err := pathID(c, "endpoint_id")
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.pools.RemoveFromPool(c.Request.Context(), id, endpointID); err != nil {
		respondNotFoundOr(c, err, "pool member not found")
		return
	}
	respondData(c, gin.H{"pool_id": id, "endpoint_id": endpointID})
}

type createEndpointRequest struct {
	Scheme   string `json:"scheme" binding:"required"`
	Host     string `json:"host" binding:"required"`
	Port     int    `json:"port" binding:"required"`
	Username string `json:"username"`
	Password string `json:"password"`
	PoolID   *int64 `json:"pool_id"`
	Weight   *int   `json:"weight"`
}

// CreateEndpoint handles POST /admin/proxy-endpoints. Passing pool_id
// attaches the endpoint in the same call.
func (h *AdminProxyHandler) CreateEndpoint(c *gin.Context) {
	var req createEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, models.ErrBadRequest("scheme, host and port are required"))
		return
	}
	scheme := models.ProxyScheme(strings.ToLower(req.Scheme))
	switch scheme {
	case models.ProxySchemeHTTP, models.ProxySchemeHTTPS, models.ProxySchemeSOCKS5:
	default:
		respondError(c, models.ErrBadRequest("scheme must be http, https or socks5"))
		return
	}
	if req.Port < 1 || req.Port > 65535 {
		respondError(c, models.ErrBadRequest("port must be between 1 and 65535"))
		return
	}
	var passwordEnc string
	if req.Password != "" {
		enc, err := h.box.Seal(req.Password)
		if err != nil {
			respondError(c, err)
			return
		}
		passwordEnc = enc
	}
	id, err := h.pools.UpsertEndpoint(c.Request.Context(), scheme, req.Host, req.Port, req.Username, passwordEnc, "manual", nil)
	if err != nil {
		respondError(c, err)
		return
	}
	if req.PoolID != nil {
		weight := 100
		if req.Weight != nil {
			weight = *req.Weight
		}
		if err := h.pools.AddToPool(c.Request.Context(), *req.PoolID, id, weight); err != nil {
			respondError(c, err)
			return
		}
	}
	endpoint, err := h.pools.FindEndpoint(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respondItem(c, endpoint)
}

// ListEndpoints handles GET /admin/proxy-endpoints.
func (h *AdminProxyHandler) ListEndpoints(c *gin.Context) {
	endpoints, err := h.pools.ListEndpoints(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondItems(c, endpoints, nil)
}

type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// SetEndpointEnabled handles PATCH /admin/proxy-endpoints/:id.
func (h *AdminProxyHandler) SetEndpointEnabled(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var req setEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, models.ErrBadRequest("invalid request body"))
		return
	}
	if err := h.pools.SetEndpointEnabled(c.Request.Context(), id, req.Enabled); err != nil {
		respondNotFoundOr(c, err, "endpoint not found")
		return
	}
	respondData(c, gin.H{"id": id, "enabled": req.Enabled})
}

// DeleteEndpoint handles DELETE /admin/proxy-endpoints/:id.
func (h *AdminProxyHandler) DeleteEndpoint(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.pools.DeleteEndpoint(c.Request.Context(), id); err != nil {
		respondNotFoundOr(c, err, "endpoint not found")
		return
	}
	respondData(c, gin.H{"deleted": id})
}

type probeRequest struct {
	PoolID      int64   `json:"pool_id"`
	EndpointIDs []int64 `json:"endpoint_ids"`
	Parallelism int     `json:"parallelism"`
}

// Probe handles POST /admin/proxies/probe: enqueues a background probe of
// the selected endpoints.
func (h *AdminProxyHandler) Probe(c *gin.Context) {
	var req probeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, models.ErrBadRequest("invalid request body"))
		return
	}
	payload, err := models.EncodePayload(models.ProbePayload{
		PoolID:      req.PoolID,
		EndpointIDs: req.EndpointIDs,
		Parallelism: req.Parallelism,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	jobID, err := h.jobs.Enqueue(c.Request.Context(), models.JobTypeProbeProxies, payload, repository.EnqueueOptions{MaxAttempts: 1})
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, gin.H{"job_id": jobID})
}

// EasyRefresh handles POST /admin/proxies/easy-refresh: synchronously pulls
// the configured easy_proxies list.
func (h *AdminProxyHandler) EasyRefresh(c *gin.Context) {
	result, err := h.easy.Refresh(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, result)
}
