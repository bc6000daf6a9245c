// Package http exposes the local control/status API the host
// application drives the agent through.
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/rsavin/huddle/internal/app/call"
	"github.com/rsavin/huddle/internal/app/presence"
	"github.com/rsavin/huddle/internal/app/signaling"
	"github.com/rsavin/huddle/internal/config"
	"github.com/rsavin/huddle/internal/domain"
)

func SetupRouter(cfg *config.Config, reg *presence.Registry, mgr *call.Manager, client *signaling.Client) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ready": client.IsReady()})
	})

	api := r.Group("/api")

	api.GET("/presence/:id", func(c *gin.Context) {
		id := domain.UserID(c.Param("id"))
		st, known := reg.Peek(id)
		c.JSON(http.StatusOK, gin.H{
			"identity":       id,
			"known":          known,
			"online":         st.Online,
			"last_online_at": st.LastOnlineAt,
		})
	})

	api.POST("/calls", func(c *gin.Context) {
		var body struct {
			To string `json:"to" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		to, err := domain.NewUserID(body.To)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sess, err := mgr.PlaceCall(c.Request.Context(), to)
		if err != nil {
			c.JSON(statusForCallError(err), gin.H{"error": err.Error()})
			return
		}
		log.Info().Str("module", "adapters.http").Str("to", body.To).Msg("call placed")
		c.JSON(http.StatusCreated, sessionView(sess))
	})

	api.GET("/calls/current", func(c *gin.Context) {
		sess, ok := mgr.Active()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active call"})
			return
		}
		c.JSON(http.StatusOK, sessionView(sess))
	})

	api.POST("/calls/current/answer", withActive(mgr, func(c *gin.Context, sess *call.Session) {
		if err := sess.Answer(c.Request.Context()); err != nil {
			c.JSON(statusForCallError(err), gin.H{"error": err.Error(), "reason": sess.Reason().String()})
			return
		}
		c.JSON(http.StatusOK, sessionView(sess))
	}))

	api.POST("/calls/current/reject", withActive(mgr, func(c *gin.Context, sess *call.Session) {
		if err := sess.Reject(); err != nil && !errors.Is(err, call.ErrInvalidState) {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("reject signal")
		}
		c.JSON(http.StatusOK, sessionView(sess))
	}))

	api.POST("/calls/current/hangup", withActive(mgr, func(c *gin.Context, sess *call.Session) {
		sess.Hangup()
		c.JSON(http.StatusOK, sessionView(sess))
	}))

	api.POST("/calls/current/mute", withActive(mgr, func(c *gin.Context, sess *call.Session) {
		var body struct {
			Muted bool `json:"muted"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := sess.ToggleMute(body.Muted); err != nil {
			c.JSON(statusForCallError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, sessionView(sess))
	}))

	api.POST("/calls/current/video", withActive(mgr, func(c *gin.Context, sess *call.Session) {
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := sess.ToggleLocalVideo(body.Enabled); err != nil {
			c.JSON(statusForCallError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, sessionView(sess))
	}))

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}

func withActive(mgr *call.Manager, fn func(*gin.Context, *call.Session)) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := mgr.Active()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active call"})
			return
		}
		fn(c, sess)
	}
}

func sessionView(sess *call.Session) gin.H {
	return gin.H{
		"call_id":              sess.CallID(),
		"remote":               sess.Remote(),
		"direction":            sess.Direction().String(),
		"state":                sess.State().String(),
		"reason":               sess.Reason().String(),
		"muted":                sess.Muted(),
		"local_video_enabled":  sess.LocalVideoEnabled(),
		"remote_video_enabled": sess.RemoteVideoEnabled(),
	}
}

func statusForCallError(err error) int {
	switch {
	case errors.Is(err, call.ErrCallInProgress):
		return http.StatusConflict
	case errors.Is(err, call.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, signaling.ErrNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
