package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"bounce-sentinel-go/internal/decoder"
	"bounce-sentinel-go/internal/metrics"
	"bounce-sentinel-go/internal/model"
	"bounce-sentinel-go/internal/scheduler"
	"bounce-sentinel-go/internal/store"
	"bounce-sentinel-go/internal/verifier"
)

const maxBodySize = 1 << 20

// Handlers contains all HTTP handlers
type Handlers struct {
	store     store.Store
	decoder   *decoder.Decoder
	verifier  verifier.Verifier
	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics
	limiter   *IPLimiter
}

// NewHandlers creates new HTTP handlers
func NewHandlers(s store.Store, d *decoder.Decoder, v verifier.Verifier, sched *scheduler.Scheduler, m *metrics.Metrics, limiter *IPLimiter) *Handlers {
	return &Handlers{
		store:     s,
		decoder:   d,
		verifier:  v,
		scheduler: sched,
		metrics:   m,
		limiter:   limiter,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	// Health check
	router.GET("/healthz", h.HealthCheck)

	// Prometheus metrics
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Notification intake
	sns := router.Group("/")
	if h.limiter != nil {
		sns.Use(h.limiter.Middleware())
	}
	sns.POST("/sns", h.ReceiveNotification)

	// Dataset export
	router.GET("/download", h.DownloadDataset)

	// Retention control
	router.POST("/retention/run", h.RunRetention)
	router.GET("/retention/status", h.RetentionStatus)
}

// ReceiveNotification handles one inbound delivery-failure notification.
func (h *Handlers) ReceiveNotification(c *gin.Context) {
	start := time.Now()
	if h.metrics != nil {
		h.metrics.NotificationsReceived.Inc()
		defer func() {
			h.metrics.IngestDuration.Observe(time.Since(start).Seconds())
		}()
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		h.clientError(c, http.StatusBadRequest, "read_error", "Failed to read request body")
		return
	}

	env, err := h.decoder.ParseEnvelope(body, c.ContentType())
	if err != nil {
		h.rejectDecodeError(c, err)
		return
	}

	if err := h.verifier.Verify(c.Request.Context(), env); err != nil {
		if errors.Is(err, verifier.ErrSignatureInvalid) {
			logrus.Warnf("Rejected notification with invalid signature: %v", err)
			h.clientError(c, http.StatusForbidden, "signature_invalid", "Notification signature could not be verified")
			return
		}
		logrus.Errorf("Signature verification failed: %v", err)
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Error:   "verification_error",
			Message: "Failed to verify notification origin",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	event, err := h.decoder.DecodeEnvelope(env)
	if err != nil {
		h.rejectDecodeError(c, err)
		return
	}

	if event == nil {
		if h.metrics != nil {
			h.metrics.NotificationsIgnored.Inc()
		}
		c.JSON(http.StatusOK, gin.H{"message": "Notification acknowledged"})
		return
	}

	if event.Kind == model.KindSubscriptionConfirmation {
		logrus.Infof("Received subscription confirmation, SubscribeURL: %s", event.SubscribeURL)
		if h.metrics != nil {
			h.metrics.NotificationsIgnored.Inc()
		}
		c.JSON(http.StatusOK, gin.H{"message": "Subscription confirmation received"})
		return
	}

	records := model.RecordsFromEvent(event)
	if err := h.store.Append(c.Request.Context(), records); err != nil {
		logrus.Errorf("Failed to append bounce records: %v", err)
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Error:   "store_error",
			Message: "Failed to persist bounce records",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	if h.metrics != nil {
		h.metrics.BouncesRecorded.Add(float64(len(records)))
	}
	logrus.Infof("Recorded %d bounce records from %s", len(records), event.SourceEmail)
	c.JSON(http.StatusOK, gin.H{
		"message": "Bounce recorded",
		"records": len(records),
	})
}

// rejectDecodeError maps decoder errors to client responses.
func (h *Handlers) rejectDecodeError(c *gin.Context, err error) {
	if h.metrics != nil {
		h.metrics.NotificationsRejected.Inc()
	}

	switch {
	case errors.Is(err, decoder.ErrUnsupportedMediaType):
		h.clientError(c, http.StatusUnsupportedMediaType, "unsupported_media_type", "Content type must be application/json or text/plain")
	case errors.Is(err, decoder.ErrMalformedPayload):
		h.clientError(c, http.StatusBadRequest, "malformed_payload", err.Error())
	case errors.Is(err, decoder.ErrMalformedMessage):
		h.clientError(c, http.StatusBadRequest, "malformed_message", err.Error())
	case errors.Is(err, decoder.ErrInvalidBounceStructure):
		h.clientError(c, http.StatusBadRequest, "invalid_bounce_structure", err.Error())
	default:
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to process notification",
			Code:    http.StatusInternalServerError,
		})
	}
}

func (h *Handlers) clientError(c *gin.Context, code int, kind, message string) {
	c.JSON(code, model.ErrorResponse{
		Error:   kind,
		Message: message,
		Code:    code,
	})
}

// DownloadDataset returns the full persisted dataset as a CSV attachment.
func (h *Handlers) DownloadDataset(c *gin.Context) {
	records, err := h.store.All(c.Request.Context())
	if err != nil {
		if errors.Is(err, store.ErrStoreEmpty) {
			c.JSON(http.StatusNotFound, model.ErrorResponse{
				Error:   "not_found",
				Message: "No bounce records have been collected yet",
				Code:    http.StatusNotFound,
			})
			return
		}
		logrus.Errorf("Failed to read dataset: %v", err)
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Error:   "store_error",
			Message: "Failed to read dataset",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	var buf bytes.Buffer
	if err := store.WriteCSV(&buf, records); err != nil {
		logrus.Errorf("Failed to render dataset: %v", err)
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Error:   "render_error",
			Message: "Failed to render dataset",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	filename := fmt.Sprintf("bounces-%s.csv", time.Now().UTC().Format("2006-01-02"))
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, filename))
	c.Data(http.StatusOK, "text/csv", buf.Bytes())
}

// RunRetention triggers one retention cycle outside the daily schedule.
func (h *Handlers) RunRetention(c *gin.Context) {
	if err := h.scheduler.RunOnce(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Error:   "retention_error",
			Message: err.Error(),
			Code:    http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Retention cycle completed"})
}

// RetentionStatus returns the scheduler state.
func (h *Handlers) RetentionStatus(c *gin.Context) {
	status := "stopped"
	if h.scheduler.IsRunning() {
		status = "running"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   status,
		"next_run": h.scheduler.GetNextRun(),
		"last_run": h.scheduler.GetLastRun(),
	})
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := model.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Store:     "ok",
		Metrics:   make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		response.Status = "error"
		response.Store = "error"
		logrus.Errorf("Store health check failed: %v", err)
	}

	if h.scheduler.IsRunning() {
		response.Metrics["scheduler"] = "running"
		response.Metrics["next_run"] = h.scheduler.GetNextRun().Format(time.RFC3339)
		response.Metrics["last_run"] = h.scheduler.GetLastRun().Format(time.RFC3339)
	} else {
		response.Metrics["scheduler"] = "stopped"
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}
