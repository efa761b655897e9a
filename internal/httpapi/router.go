// Package httpapi is the reference HTTP transport over the
// orchestrator.Engine service interface, collapsed into one package
// since this surface has a handful of routes rather than a full REST
// resource model.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/clinext/extraction-engine/internal/domain"
	"github.com/clinext/extraction-engine/internal/orchestrator"
	pkgerrors "github.com/clinext/extraction-engine/internal/pkg/errors"
	"github.com/clinext/extraction-engine/internal/platform/apierr"
	"github.com/clinext/extraction-engine/internal/platform/ctxutil"
	"github.com/clinext/extraction-engine/internal/platform/logger"
	"github.com/clinext/extraction-engine/internal/publisher"
)

// NewRouter builds the gin.Engine exposing ProcessEncounter, job
// status/cancel, template validation, doctor preferences, publication
// streaming, and a health check.
func NewRouter(log *logger.Logger, engine *orchestrator.Engine, hub *publisher.Hub) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))

	r.GET("/healthz", func(c *gin.Context) {
		if err := engine.Health(); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	v1.POST("/templates/validate", handleValidateTemplates(engine))
	v1.POST("/encounters", handleProcessEncounter(engine))
	v1.GET("/jobs/:id", handleJobStatus(engine))
	v1.POST("/jobs/:id/cancel", handleCancelJob(engine))
	v1.GET("/doctors/:id/preferences", handleGetPreferences(engine))
	v1.PUT("/doctors/:id/preferences", handlePutPreferences(engine))
	if hub != nil {
		v1.GET("/jobs/:id/stream", handleStream(hub))
	}

	return r
}

// requestLogger stamps each request with a request_id, propagated via
// ctxutil so any log line emitted downstream (including inside a
// dispatched job) can be correlated back to the HTTP call that started
// it.
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := ctxutil.WithTraceData(c.Request.Context(), &ctxutil.TraceData{RequestID: requestID})
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()
		if len(c.Errors) > 0 {
			log.Warn("request completed with errors", "request_id", requestID, "path", c.Request.URL.Path, "status", c.Writer.Status(), "errors", c.Errors.String())
		}
	}
}

func writeError(c *gin.Context, err error) {
	if errors.Is(err, pkgerrors.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
		return
	}
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		c.JSON(apiErr.Status, gin.H{"code": apiErr.Code, "error": apiErr.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"code": apierr.CodeInternalError, "error": err.Error()})
}

func handleValidateTemplates(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Templates []orchestrator.TemplateRequest `json:"templates"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, apierr.InvalidRequest(err))
			return
		}
		if err := engine.ValidateTemplates(body.Templates); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"valid": true})
	}
}

func handleProcessEncounter(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req orchestrator.ProcessEncounterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apierr.InvalidRequest(err))
			return
		}
		ack, err := engine.ProcessEncounter(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, ack)
	}
}

func handleJobStatus(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := engine.JobStatus(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

func handleCancelJob(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := engine.CancelJob(c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handleGetPreferences(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		prefs, err := engine.GetDoctorPreferences(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, prefs)
	}
}

func handlePutPreferences(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Entries map[string]domain.PreferenceEntry `json:"entries"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, apierr.InvalidRequest(err))
			return
		}
		if err := engine.PutDoctorPreferences(c.Request.Context(), c.Param("id"), body.Entries); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// handleStream exposes a job's publication channel as Server-Sent
// Events, reusing the Hub's ServeHTTP.
func handleStream(hub *publisher.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		client := hub.NewClient()
		hub.Subscribe(client, c.Param("id"))
		defer hub.CloseClient(client)
		hub.ServeHTTP(c.Writer, c.Request, client)
	}
}
