// Package server assembles the gin engine from the service components.
package server

import (
	"net/http"
	"slices"

	"crop-diagnosis-back/internal/auth"
	"crop-diagnosis-back/internal/events"
	"crop-diagnosis-back/internal/handlers"
	"crop-diagnosis-back/internal/middleware"
	"crop-diagnosis-back/internal/query"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Deps struct {
	Log            *zap.Logger
	Tokens         *auth.Manager
	DB             *gorm.DB // nil disables the user routes
	Gateway        handlers.Submitter
	Query          *query.Service
	Hub            *events.Hub
	RateLimiter    gin.HandlerFunc // optional, applied to submissions
	CORSOrigins    []string
	MaxUploadBytes int64
	ReadyChecks    map[string]handlers.Pinger
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(d.Log))
	r.Use(middleware.RequestLogger(d.Log.Named("http")))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORSMiddleware(d.CORSOrigins))

	r.GET("/health", handlers.Health())
	r.GET("/ready", handlers.Ready(d.ReadyChecks))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/uploads/:ref", handlers.GetUpload(d.Query))

	upgrader := handlers.NewUpgrader(originChecker(d.CORSOrigins))
	r.GET("/ws/media/:id", handlers.MediaStream(d.Query, d.Hub, upgrader, d.Log.Named("ws")))

	submitChain := []gin.HandlerFunc{}
	if d.RateLimiter != nil {
		submitChain = append(submitChain, d.RateLimiter)
	}

	media := r.Group("/api")
	media.Use(middleware.OptionalAuth(d.Tokens))
	{
		media.POST("/upload-media", append(submitChain, handlers.UploadMedia(d.Gateway, d.MaxUploadBytes, d.Log))...)
		media.POST("/sync", append(submitChain, handlers.Sync(d.Gateway, d.MaxUploadBytes, d.Log))...)
		media.GET("/media-status/:id", handlers.GetMediaStatus(d.Query))
		media.GET("/prediction/:id", handlers.GetPrediction(d.Query))
		media.GET("/history", handlers.GetHistory(d.Query))
	}

	if d.DB != nil {
		public := r.Group("/api")
		{
			public.POST("/register", handlers.Register(d.DB, d.Tokens, d.Log))
			public.POST("/login", handlers.Login(d.DB, d.Tokens))
			public.POST("/logout", handlers.Logout)
		}

		protected := r.Group("/api")
		protected.Use(middleware.AuthMiddleware(d.Tokens))
		{
			protected.GET("/profile", handlers.GetProfile(d.DB))
		}
	}

	return r
}

func originChecker(origins []string) func(r *http.Request) bool {
	if slices.Contains(origins, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}
