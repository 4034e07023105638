package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/maplearner/internal/dispatcher"
	"github.com/example/maplearner/internal/evaluator"
	"github.com/example/maplearner/internal/logging"
	"github.com/example/maplearner/internal/middleware"
	"github.com/example/maplearner/internal/observability"
	"github.com/example/maplearner/internal/upload"
)

// StatusClientClosedRequest is logged when the caller disconnects before
// the evaluation finishes.
const StatusClientClosedRequest = 499

// multipartSlack leaves room for multipart framing on top of the image
// limit so oversized files are reported by the validator.
const multipartSlack = 1 << 20

// EvaluationService scores a validated upload.
type EvaluationService interface {
	Evaluate(ctx context.Context, requestID string, img *upload.Image) (*evaluator.Result, error)
}

// Dependencies are the collaborators the routes need.
type Dependencies struct {
	Evaluations EvaluationService
	Validator   *upload.Validator
	Logger      *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Dependencies) {
	if deps.Validator == nil {
		deps.Validator = upload.NewValidator(0)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	logger := deps.Logger.Named("handlers")
	observability.RegisterMetrics()

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/metrics", observability.MetricsHandler())

	router.POST("/evaluate", func(c *gin.Context) {
		requestID := middleware.GetRequestID(c)
		opLogger := logging.WithOperation(logger, "handlers.evaluate", requestID)

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, deps.Validator.MaxBytes()+multipartSlack)

		img, err := deps.Validator.FromForm(c)
		if err != nil {
			var rejection *upload.Rejection
			if !errors.As(err, &rejection) {
				opLogger.Error("unexpected upload error", zap.Error(err))
				c.JSON(http.StatusBadRequest, gin.H{"error": "Uploaded file is not a valid image"})
				return
			}
			reason := rejectionReason(rejection.Reason)
			observability.UploadRejections().WithLabelValues(reason).Inc()
			opLogger.Warn("upload rejected", zap.String("reason", reason), zap.Error(err))
			status := http.StatusBadRequest
			if errors.Is(err, upload.ErrPayloadTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			c.JSON(status, gin.H{"error": rejection.Message})
			return
		}

		opLogger.Info("dispatching evaluation",
			zap.Int("bytes", img.Size()),
			zap.String("format", img.Format),
			zap.Int("width", img.Width),
			zap.Int("height", img.Height),
		)

		result, err := deps.Evaluations.Evaluate(c.Request.Context(), requestID, img)
		if err != nil {
			status, message := evaluationFailure(c.Request.Context(), err)
			if status == StatusClientClosedRequest {
				opLogger.Info("client went away before evaluation finished")
				c.AbortWithStatus(status)
				return
			}
			c.JSON(status, gin.H{"error": message})
			return
		}

		c.JSON(http.StatusOK, result)
	})
}

func evaluationFailure(ctx context.Context, err error) (int, string) {
	switch {
	case errors.Is(err, dispatcher.ErrEvaluationTimeout):
		return http.StatusGatewayTimeout, "Evaluation timed out"
	case errors.Is(err, dispatcher.ErrClosed):
		return http.StatusServiceUnavailable, "Service is shutting down"
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return StatusClientClosedRequest, "Request cancelled"
	default:
		return http.StatusBadGateway, "Evaluation failed"
	}
}

func rejectionReason(reason error) string {
	switch {
	case errors.Is(reason, upload.ErrMissingInput):
		return "missing_input"
	case errors.Is(reason, upload.ErrEmptyPayload):
		return "empty_payload"
	case errors.Is(reason, upload.ErrPayloadTooLarge):
		return "payload_too_large"
	default:
		return "invalid_image"
	}
}
