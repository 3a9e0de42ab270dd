package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VideoCall/internal/config"
	"github.com/dkeye/VideoCall/internal/core"
	"github.com/dkeye/VideoCall/internal/domain"
)

const (
	clientTokenCookie = "ct"
	clientTokenKey    = "client_token"
	sessionName       = "VideoCallSessions"
	sessionNameKey    = "display_name"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(clientTokenCookie)
		if token == "" {
			token = genClientToken()
			c.SetCookie(clientTokenCookie, token, 3600*24*7, "/", "", false, true)
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func sessionKey(c *gin.Context) core.SessionKey {
	return core.SessionKey(c.GetString(clientTokenKey))
}

// Deps are the collaborators the router serves.
type Deps struct {
	Calls   core.CallFactory
	Limiter *JoinLimiter
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
}

type handlers struct {
	calls      core.CallFactory
	limiter    *JoinLimiter
	pingPeriod time.Duration
}

func SetupRouter(cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	pingPeriod := cfg.PingPeriod
	if pingPeriod <= 0 {
		pingPeriod = 30 * time.Second
	}
	h := &handlers{calls: deps.Calls, limiter: deps.Limiter, pingPeriod: pingPeriod}

	api := r.Group("/api")
	api.GET("/calls", h.listCalls)

	call := api.Group("/call")
	call.POST("/join", h.join)
	call.POST("/leave", h.leave)
	call.POST("/audio/toggle", h.toggleAudio)
	call.POST("/video/toggle", h.toggleVideo)
	call.GET("/state", h.state)

	api.GET("/ws/state", h.streamState)

	return r
}

type joinRequest struct {
	Name string `json:"name"`
}

func (h *handlers) join(c *gin.Context) {
	key := sessionKey(c)
	logger := log.With().Str("module", "adapters.http").Str("sid", string(key)).Logger()

	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "validation", "message": "invalid request body"}})
		return
	}
	// Bad names are rejected before they count against the limiter.
	if err := domain.ValidateUsername(req.Name); err != nil {
		abortWithError(c, err)
		return
	}
	if h.limiter != nil && !h.limiter.Allow(key) {
		logger.Warn().Msg("join rate limited")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": gin.H{"kind": "rate_limited", "message": "Too many join attempts. Please wait a moment."}})
		return
	}

	svc := h.calls.GetOrCreate(key)
	if err := svc.RequestJoin(c.Request.Context(), req.Name); err != nil {
		logger.Info().Err(err).Msg("join rejected")
		abortWithError(c, err)
		return
	}

	sess := sessions.Default(c)
	sess.Set(sessionNameKey, req.Name)
	if err := sess.Save(); err != nil {
		logger.Warn().Err(err).Msg("session save")
	}
	c.JSON(http.StatusOK, svc.State())
}

func (h *handlers) leave(c *gin.Context) {
	svc, ok := h.calls.Get(sessionKey(c))
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	if err := svc.RequestLeave(c.Request.Context()); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, svc.State())
}

func (h *handlers) toggleAudio(c *gin.Context) {
	h.toggle(c, core.CallService.ToggleLocalAudio)
}

func (h *handlers) toggleVideo(c *gin.Context) {
	h.toggle(c, core.CallService.ToggleLocalVideo)
}

func (h *handlers) toggle(c *gin.Context, fn func(core.CallService, context.Context) (bool, error)) {
	svc, ok := h.calls.Get(sessionKey(c))
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": gin.H{"kind": "not_joined", "message": "Join a call first."}})
		return
	}
	muted, err := fn(svc, c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": muted})
}

type stateResponse struct {
	core.CallState
	LastName string `json:"last_name,omitempty"`
}

func (h *handlers) state(c *gin.Context) {
	resp := stateResponse{CallState: core.CallState{Participants: []core.ParticipantView{}}}
	if svc, ok := h.calls.Get(sessionKey(c)); ok {
		resp.CallState = svc.State()
	}
	if name, ok := sessions.Default(c).Get(sessionNameKey).(string); ok {
		resp.LastName = name
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) listCalls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"calls": h.calls.List()})
}
