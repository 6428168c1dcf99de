package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Classmate/internal/adapters/signal"
	"github.com/dkeye/Classmate/internal/app/orch"
	"github.com/dkeye/Classmate/internal/config"
	"github.com/dkeye/Classmate/internal/metrics"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, m *metrics.Metrics) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	if m != nil {
		r.Use(m.Middleware())
	}

	secret := cfg.Secret
	if secret == "" {
		secret = uuid.NewString()
		log.Warn().Str("module", "adapters.http").Msg("no secret configured, cookie sessions reset on restart")
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions("ClassmateSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	if m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &Handlers{Orch: o, ICEURLs: cfg.ICE.URLs}
	api := r.Group("/api")
	api.POST("/join", h.Join)
	api.GET("/status", h.Status)
	api.POST("/session-join", h.SessionJoin)
	api.POST("/heartbeat", h.Heartbeat)
	api.POST("/leave", h.Leave)
	api.GET("/sessions", h.OpenSessions)
	api.GET("/me", h.Me)
	api.GET("/ice", h.ICE)

	ctrl := signal.NewSignalWSController(o, cfg.Signal, m)
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}
