package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/dkeye/jointly/internal/app/engine"
	"github.com/dkeye/jointly/internal/app/events"
	"github.com/dkeye/jointly/internal/config"
	"github.com/dkeye/jointly/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Client is the part of the engine the control API drives.
type Client interface {
	Snapshot() engine.State
	Bus() *events.Bus

	CreateRoom(username string) error
	JoinRoom(roomCode, username string) error
	LeaveRoom()
	Disconnect(reason string)
	ForceReconnect()

	ApproveJoin(userID string)
	RejectJoin(userID, reason string)
	KickUser(userID, reason string)
	TransferHost(userID string)

	SendChat(message string)
	RequestSync()
	SuggestTrack(track domain.TrackInfo)
	ApproveSuggestion(id string)
	RejectSuggestion(id, reason string)

	Control(c engine.Command) error
	Block(username string)
	Unblock(username string)
}

type usernameReq struct {
	Username string `json:"username" binding:"required"`
}

type joinReq struct {
	RoomCode string `json:"room_code" binding:"required"`
	Username string `json:"username" binding:"required"`
}

type reasonReq struct {
	Reason string `json:"reason"`
}

type chatReq struct {
	Message string `json:"message" binding:"required"`
}

type suggestReq struct {
	Track domain.TrackInfo `json:"track"`
}

func accepted(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// bindOptional accepts an empty body.
func bindOptional(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return false
	}
	return true
}

func SetupRouter(cfg *config.Config, client Client, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")

	api.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, client.Snapshot())
	})
	api.GET("/events", streamEvents(client.Bus()))

	api.POST("/room/create", func(c *gin.Context) {
		var req usernameReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		if err := client.CreateRoom(req.Username); err != nil {
			badRequest(c, err)
			return
		}
		accepted(c)
	})
	api.POST("/room/join", func(c *gin.Context) {
		var req joinReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		if err := client.JoinRoom(req.RoomCode, req.Username); err != nil {
			badRequest(c, err)
			return
		}
		accepted(c)
	})
	api.POST("/room/leave", func(c *gin.Context) {
		client.LeaveRoom()
		accepted(c)
	})
	api.POST("/disconnect", func(c *gin.Context) {
		var req reasonReq
		if !bindOptional(c, &req) {
			return
		}
		client.Disconnect(req.Reason)
		accepted(c)
	})
	api.POST("/reconnect", func(c *gin.Context) {
		client.ForceReconnect()
		accepted(c)
	})

	api.POST("/join/:user_id/approve", func(c *gin.Context) {
		client.ApproveJoin(c.Param("user_id"))
		accepted(c)
	})
	api.POST("/join/:user_id/reject", func(c *gin.Context) {
		var req reasonReq
		if !bindOptional(c, &req) {
			return
		}
		client.RejectJoin(c.Param("user_id"), req.Reason)
		accepted(c)
	})
	api.POST("/users/:user_id/kick", func(c *gin.Context) {
		var req reasonReq
		if !bindOptional(c, &req) {
			return
		}
		client.KickUser(c.Param("user_id"), req.Reason)
		accepted(c)
	})
	api.POST("/users/:user_id/transfer", func(c *gin.Context) {
		client.TransferHost(c.Param("user_id"))
		accepted(c)
	})

	api.POST("/chat", func(c *gin.Context) {
		var req chatReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		client.SendChat(req.Message)
		accepted(c)
	})
	api.POST("/sync", func(c *gin.Context) {
		client.RequestSync()
		accepted(c)
	})

	api.POST("/suggestions", func(c *gin.Context) {
		var req suggestReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		if req.Track.ID == "" {
			badRequest(c, errors.New("track.id is required"))
			return
		}
		client.SuggestTrack(req.Track)
		accepted(c)
	})
	api.POST("/suggestions/:id/approve", func(c *gin.Context) {
		client.ApproveSuggestion(c.Param("id"))
		accepted(c)
	})
	api.POST("/suggestions/:id/reject", func(c *gin.Context) {
		var req reasonReq
		if !bindOptional(c, &req) {
			return
		}
		client.RejectSuggestion(c.Param("id"), req.Reason)
		accepted(c)
	})

	api.POST("/playback", func(c *gin.Context) {
		var cmd engine.Command
		if err := c.ShouldBindJSON(&cmd); err != nil {
			badRequest(c, err)
			return
		}
		if err := client.Control(cmd); err != nil {
			badRequest(c, err)
			return
		}
		accepted(c)
	})

	api.POST("/block/:username", func(c *gin.Context) {
		client.Block(c.Param("username"))
		accepted(c)
	})
	api.DELETE("/block/:username", func(c *gin.Context) {
		client.Unblock(c.Param("username"))
		accepted(c)
	})

	log.Info().Str("module", "http").Str("addr", cfg.HTTP.Addr).Msg("router setup")
	return r
}

// streamEvents relays bus events as server-sent events named by kind.
func streamEvents(bus *events.Bus) gin.HandlerFunc {
	return func(c *gin.Context) {
		ch, cancel := bus.Subscribe()
		defer cancel()

		c.Header("Content-Type", "text/event-stream; charset=utf-8")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Status(http.StatusOK)
		c.Writer.Flush()

		log.Debug().Str("module", "http").Str("remote", c.ClientIP()).Msg("event stream opened")
		c.Stream(func(w io.Writer) bool {
			select {
			case <-c.Request.Context().Done():
				return false
			case ev, ok := <-ch:
				if !ok {
					return false
				}
				c.SSEvent(ev.Kind.String(), ev)
				return true
			}
		})
		log.Debug().Str("module", "http").Str("remote", c.ClientIP()).Msg("event stream closed")
	}
}
