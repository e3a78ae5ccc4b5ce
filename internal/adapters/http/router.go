package http

import (
	"context"
	stdhttp "net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Pulse/internal/adapters/signal"
	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/app/orch"
	"github.com/dkeye/Pulse/internal/config"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

type Deps struct {
	Orch        *orch.Orchestrator
	Identity    core.IdentityProvider
	Messages    core.MessageStore
	Groups      core.GroupDirectory
	Attachments core.AttachmentStore
	// AttachmentIndex maps an attachment to the message carrying it, so
	// downloads are limited to that conversation's participants.
	AttachmentIndex AttachmentIndex
	GroupAdmin      GroupAdmin
	Metrics         *app.Metrics
}

// GroupAdmin creates, extends and deletes groups.
type GroupAdmin interface {
	CreateGroup(ctx context.Context, name string, createdBy domain.UserID, members []domain.UserID) (domain.GroupID, error)
	AddMember(ctx context.Context, group domain.GroupID, user domain.UserID) error
	DeleteGroup(ctx context.Context, group domain.GroupID, by domain.User) error
}

type AttachmentIndex interface {
	MessageByAttachment(ctx context.Context, ref string) (domain.Message, bool, error)
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 7 * 24 * 3600, HttpOnly: true, Secure: cfg.Mode == "release", SameSite: stdhttp.SameSiteLaxMode})
	r.Use(sessions.Sessions(cfg.SessionName, store))
	r.Use(IdentityMiddleware(deps.Identity))

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
	}

	h := &handlers{
		orch:        deps.Orch,
		identity:    deps.Identity,
		messages:    deps.Messages,
		groups:      deps.Groups,
		attachments: deps.Attachments,
		attIndex:    deps.AttachmentIndex,
		groupAdmin:  deps.GroupAdmin,
		iceServers:  iceServers(cfg.ICEServers),
		maxUpload:   cfg.Attachments.MaxSize,
	}

	r.GET("/healthz", h.health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{})))
	}

	ws := signal.NewSignalWSController(deps.Orch, deps.Identity, signal.Options{
		SendBuffer:    cfg.Hub.SendBuffer,
		WriteWait:     cfg.Hub.WriteWait,
		PongWait:      cfg.Hub.PongWait,
		PingPeriod:    cfg.Hub.PingPeriod,
		ReadLimit:     cfg.Hub.ReadLimit,
		AllowLateAuth: cfg.Hub.AllowLateAuth,
	})

	api := r.Group("/api")
	api.GET("/ws", func(c *gin.Context) {
		ws.HandleSignal(ctx, c)
	})
	api.GET("/ice-servers", h.listICEServers)
	api.POST("/session", h.createSession)
	api.DELETE("/session", h.deleteSession)

	authed := api.Group("", RequireUser())
	authed.GET("/presence", h.presence)
	authed.GET("/video/rooms", h.videoRooms)
	authed.GET("/messages", h.history)
	authed.POST("/messages", h.sendMessage)
	authed.POST("/attachments", h.uploadAttachment)
	authed.GET("/attachments/:id/:name", h.downloadAttachment)
	if deps.GroupAdmin != nil {
		authed.POST("/groups", h.createGroup)
		authed.POST("/groups/:id/members", h.addGroupMember)
		authed.DELETE("/groups/:id", h.deleteGroup)
	}

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
