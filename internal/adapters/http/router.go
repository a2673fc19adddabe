package http

import (
	"context"
	"net/http"

	"github.com/dkeye/Proctor/internal/adapters/signal"
	"github.com/dkeye/Proctor/internal/app"
	"github.com/dkeye/Proctor/internal/app/orch"
	"github.com/dkeye/Proctor/internal/config"
	"github.com/dkeye/Proctor/internal/domain"
	"github.com/dkeye/Proctor/internal/metrics"
	transport "github.com/dkeye/Proctor/internal/transport/http"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const identityKey = "identity"

// Authenticate resolves the request's bearer token through the identity
// gate and stores the identity on the context.
func Authenticate(o *orch.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := o.Gate.Verify(c.Request.Context(), transport.Credential(c))
		if err != nil {
			transport.AbortWithError(c, err)
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func identity(c *gin.Context) domain.Identity {
	id, _ := c.MustGet(identityKey).(domain.Identity)
	return id
}

func badRequest(err error) error {
	return app.Invalid("request body", err)
}

type createSessionRequest struct {
	ExamID     domain.ExamID     `json:"exam_id" binding:"required,max=64"`
	DetectRule domain.DetectRule `json:"detect_rule"`
}

type controlRequest struct {
	Action domain.Action `json:"action" binding:"required"`
}

type controlResponse struct {
	SessionID domain.SessionID     `json:"session_id"`
	Status    domain.SessionStatus `json:"status"`
}

type flagRequest struct {
	UserID   domain.UserID `json:"user_id" binding:"required,max=64"`
	Severity string        `json:"severity" binding:"required"`
	Message  string        `json:"message" binding:"max=1024"`
}

// SetupRouter wires the REST API under /api/v1, the signaling handshake and
// the operational endpoints.
func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, ws *signal.SignalWSController, rtc webrtc.Configuration) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", metrics.Handler())

	r.GET("/ws/signal", func(c *gin.Context) {
		ws.HandleSignal(ctx, c)
	})

	r.GET("/rtc/config", Authenticate(o), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ice_servers": rtc.ICEServers})
	})

	api := r.Group("/api/v1", Authenticate(o))

	api.POST("/exams", func(c *gin.Context) {
		var exam domain.Exam
		if err := c.ShouldBindJSON(&exam); err != nil {
			transport.AbortWithError(c, badRequest(err))
			return
		}
		stored, err := o.Registry.UpsertExam(c.Request.Context(), exam, identity(c))
		if err != nil {
			transport.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, stored)
	})

	api.POST("/sessions", func(c *gin.Context) {
		var req createSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			transport.AbortWithError(c, badRequest(err))
			return
		}
		s, created, err := o.Registry.CreateSession(c.Request.Context(), req.ExamID, req.DetectRule, identity(c))
		if err != nil {
			transport.AbortWithError(c, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		c.JSON(status, s)
	})

	api.GET("/sessions", func(c *gin.Context) {
		list, err := o.Registry.ListSessions(c.Request.Context(), identity(c))
		if err != nil {
			transport.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": list})
	})

	api.GET("/sessions/by-exam/:exam_id", func(c *gin.Context) {
		s, err := o.Registry.ViewSessionByExam(c.Request.Context(), domain.ExamID(c.Param("exam_id")), identity(c))
		if err != nil {
			transport.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, s)
	})

	api.GET("/sessions/:id", func(c *gin.Context) {
		s, err := o.Registry.ViewSession(c.Request.Context(), domain.SessionID(c.Param("id")), identity(c))
		if err != nil {
			transport.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, s)
	})

	// POST /api/v1/sessions/:id/controls {"action": "start"}
	api.POST("/sessions/:id/controls", func(c *gin.Context) {
		var req controlRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			transport.AbortWithError(c, badRequest(err))
			return
		}
		s, err := o.Transition(c.Request.Context(), domain.SessionID(c.Param("id")), req.Action, identity(c))
		if err != nil {
			transport.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, controlResponse{SessionID: s.SessionID, Status: s.Status})
	})

	api.GET("/sessions/:id/enrollments", func(c *gin.Context) {
		list, err := o.Registry.ListEnrollments(c.Request.Context(), domain.SessionID(c.Param("id")), identity(c))
		if err != nil {
			transport.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"enrollments": list})
	})

	api.GET("/sessions/:id/room", func(c *gin.Context) {
		members, err := o.RoomMembers(c.Request.Context(), domain.SessionID(c.Param("id")), identity(c))
		if err != nil {
			transport.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"members": members, "count": len(members)})
	})

	api.GET("/sessions/:id/audit", func(c *gin.Context) {
		recs, err := o.Registry.ListAudit(c.Request.Context(), domain.SessionID(c.Param("id")), identity(c))
		if err != nil {
			transport.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": recs})
	})

	api.POST("/sessions/:id/flags", func(c *gin.Context) {
		var req flagRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			transport.AbortWithError(c, badRequest(err))
			return
		}
		err := o.Flag(c.Request.Context(), domain.SessionID(c.Param("id")), identity(c), req.UserID, req.Severity, req.Message)
		if err != nil {
			transport.AbortWithError(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
