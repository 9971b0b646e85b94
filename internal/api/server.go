// Package api wires the HTTP surface: public image serving plus the
// authenticated admin plane.
package api

import (
	"database/sql"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/piximg-go/internal/api/handler"
	"github.com/user/piximg-go/internal/api/middleware"
	"github.com/user/piximg-go/internal/config"
	"github.com/user/piximg-go/internal/repository"
	"github.com/user/piximg-go/internal/secret"
	"github.com/user/piximg-go/internal/service"
)

// Server wraps the HTTP router and its dependencies.
type Server struct {
	router *gin.Engine
	logger *zap.Logger
}

// ServerDeps holds all dependencies for the API server.
type ServerDeps struct {
	Config      *config.Config
	DB          *sql.DB
	Box         *secret.Box
	ImageRepo   *repository.ImageRepository
	TagRepo     *repository.TagRepository
	TokenRepo   *repository.TokenRepository
	PoolRepo    *repository.ProxyPoolRepository
	BindingRepo *repository.BindingRepository
	ImportRepo  *repository.ImportRepository
	RunRepo     *repository.HydrationRunRepository
	SettingRepo *repository.SettingRepository
	APIKeyRepo  *repository.APIKeyRepository
	JobRepo     *repository.JobRepository
	Picker      *service.PickerService
	Stream      *service.StreamService
	Mirror      *service.MirrorService
	Importer    *service.ImportService
	Bindings    *service.BindingService
	Breaker     *service.ProxyBreaker
	Settings    *service.SettingsService
	EasyProxies *service.EasyProxiesService
	Logger      *zap.Logger
}

// NewServer creates the API server with all routes configured.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))

	statusHandler := handler.NewStatusHandler(deps.DB, deps.JobRepo, deps.TokenRepo)
	r.GET("/healthz", statusHandler.Healthz)
	r.GET("/version", statusHandler.Version)
	r.GET("/status", statusHandler.Status)
	r.GET("/status.json", statusHandler.Status)
	r.GET("/docs", statusHandler.Docs)
	r.GET("/wtf", statusHandler.Wtf)

	limiter := middleware.NewAPIKeyLimiter(deps.Config.PublicAPI, deps.APIKeyRepo)

	randomHandler := handler.NewRandomHandler(deps.Picker, deps.Stream, deps.Mirror, logger)
	imageHandler := handler.NewImageHandler(deps.ImageRepo, deps.Picker, deps.Stream, deps.Mirror, logger)
	lookupHandler := handler.NewLookupHandler(deps.TagRepo)

	public := r.Group("")
	public.Use(limiter.Middleware())
	{
		public.GET("/random", randomHandler.Random)
		public.GET("/i/:file", imageHandler.StreamByImageID)
		public.GET("/images", imageHandler.List)
		public.GET("/images/:id", imageHandler.Get)
		public.GET("/tags", lookupHandler.Tags)
		public.GET("/authors", lookupHandler.Authors)
		// Legacy pre-rework path shapes: /{illust_id}.{ext} and
		// /{illust_id}-{page}.{ext}.
		public.GET("/:file", imageHandler.StreamLegacy)
	}

	tokenHandler := handler.NewAdminTokenHandler(deps.TokenRepo, deps.Box)
	proxyHandler := handler.NewAdminProxyHandler(deps.PoolRepo, deps.JobRepo, deps.EasyProxies, deps.Box)
	bindingHandler := handler.NewAdminBindingHandler(deps.BindingRepo, deps.Bindings, deps.Breaker)
	jobHandler := handler.NewAdminJobHandler(deps.JobRepo)
	importHandler := handler.NewAdminImportHandler(deps.Importer, deps.ImportRepo)
	runHandler := handler.NewAdminRunHandler(deps.RunRepo, deps.JobRepo)
	settingHandler := handler.NewAdminSettingHandler(deps.SettingRepo, deps.Settings)
	apiKeyHandler := handler.NewAdminAPIKeyHandler(deps.APIKeyRepo)

	admin := r.Group("/admin")
	admin.Use(middleware.AdminAuth(deps.Config.Security))
	{
		admin.POST("/tokens", tokenHandler.Create)
		admin.GET("/tokens", tokenHandler.List)
		admin.GET("/tokens/:id", tokenHandler.Get)
		admin.PATCH("/tokens/:id", tokenHandler.Update)
		admin.DELETE("/tokens/:id", tokenHandler.Delete)

		admin.POST("/proxy-pools", proxyHandler.CreatePool)
		admin.GET("/proxy-pools", proxyHandler.ListPools)
		admin.PATCH("/proxy-pools/:id", proxyHandler.UpdatePool)
		admin.DELETE("/proxy-pools/:id", proxyHandler.DeletePool)
		admin.GET("/proxy-pools/:id/members", proxyHandler.PoolMembers)
		admin.POST("/proxy-pools/:id/members", proxyHandler.AddMember)
		admin.DELETE("/proxy-pools/:id/members/:endpoint_id", proxyHandler.RemoveMember)

		admin.GET("/proxy-pools/:id/bindings", bindingHandler.List)
		admin.POST("/proxy-pools/:id/bindings/recompute", bindingHandler.Recompute)
		admin.POST("/proxy-pools/:id/bindings/override", bindingHandler.SetOverride)
		admin.DELETE("/proxy-pools/:id/bindings/override/:token_id", bindingHandler.ClearOverride)

		admin.POST("/proxy-endpoints", proxyHandler.CreateEndpoint)
		admin.GET("/proxy-endpoints", proxyHandler.ListEndpoints)
		admin.PATCH("/proxy-endpoints/:id", proxyHandler.SetEndpointEnabled)
		admin.DELETE("/proxy-endpoints/:id", proxyHandler.DeleteEndpoint)
		admin.POST("/proxies/probe", proxyHandler.Probe)
		admin.POST("/proxies/easy-refresh", proxyHandler.EasyRefresh)

		admin.GET("/jobs", jobHandler.List)
		admin.GET("/jobs/stats", jobHandler.Stats)
		admin.GET("/jobs/:id", jobHandler.Get)
		admin.POST("/jobs/:id/cancel", jobHandler.Cancel)
		admin.POST("/jobs/:id/pause", jobHandler.Pause)
		admin.POST("/jobs/:id/resume", jobHandler.Resume)
		admin.POST("/jobs/:id/retry", jobHandler.Retry)

		admin.POST("/imports", importHandler.Create)
		admin.GET("/imports", importHandler.List)
		admin.GET("/imports/:id", importHandler.Get)

		admin.POST("/hydration-runs", runHandler.Create)
		admin.GET("/hydration-runs", runHandler.List)
		admin.GET("/hydration-runs/:id", runHandler.Get)
		admin.POST("/hydration-runs/:id/pause", runHandler.Pause)
		admin.POST("/hydration-runs/:id/cancel", runHandler.Cancel)
		admin.POST("/hydration-runs/:id/resume", runHandler.Resume)

		admin.GET("/settings", settingHandler.List)
		admin.GET("/settings/:key", settingHandler.Get)
		admin.PUT("/settings/:key", settingHandler.Set)
		admin.DELETE("/settings/:key", settingHandler.Delete)

		admin.POST("/api-keys", apiKeyHandler.Create)
		admin.GET("/api-keys", apiKeyHandler.List)
		admin.PATCH("/api-keys/:id", apiKeyHandler.SetActive)
		admin.DELETE("/api-keys/:id", apiKeyHandler.Delete)
	}

	return &Server{router: r, logger: logger}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
