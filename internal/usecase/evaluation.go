package usecase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/maplearner/internal/diagnostics"
	"github.com/example/maplearner/internal/dispatcher"
	"github.com/example/maplearner/internal/evaluator"
	"github.com/example/maplearner/internal/logging"
	"github.com/example/maplearner/internal/upload"
)

// Dispatcher runs evaluation jobs under the pool's concurrency and deadline.
type Dispatcher interface {
	Dispatch(ctx context.Context, requestID string, job dispatcher.Job) (*evaluator.Result, error)
}

// EvaluationUseCase encapsulates business logic for the evaluation flow.
type EvaluationUseCase struct {
	evaluator  evaluator.Evaluator
	sink       diagnostics.Sink
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewEvaluationUseCase constructs a new use case instance. A nil sink
// disables debug capture.
func NewEvaluationUseCase(eval evaluator.Evaluator, sink diagnostics.Sink, d Dispatcher, logger *zap.Logger) *EvaluationUseCase {
	if sink == nil {
		sink = diagnostics.Nop{}
	}
	return &EvaluationUseCase{
		evaluator:  eval,
		sink:       sink,
		dispatcher: d,
		logger:     logger.Named("evaluation_usecase"),
	}
}

// Evaluate scores a validated drawing. The debug copy and the evaluator call
// both run on a dispatcher worker; a failing debug sink never fails the request.
func (uc *EvaluationUseCase) Evaluate(ctx context.Context, requestID string, img *upload.Image) (*evaluator.Result, error) {
	if img == nil || len(img.Data) == 0 {
		return nil, logging.NewOperationError("usecase.evaluate", requestID, errors.New("no image to evaluate"))
	}

	ctx = logging.ContextWithRequestID(ctx, requestID)
	opLogger := logging.WithOperation(uc.logger, "usecase.evaluate", requestID)

	result, err := uc.dispatcher.Dispatch(ctx, requestID, func(jobCtx context.Context) (*evaluator.Result, error) {
		if err := uc.sink.Record(jobCtx, requestID, img.Data); err != nil {
			opLogger.Warn("failed to record debug copy", zap.Error(err))
		}

		start := time.Now()
		res, err := uc.evaluator.Evaluate(jobCtx, img.Data)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, nil
		}
		opLogger.Info("drawing evaluated",
			zap.Int("score", res.Score),
			zap.Int("feedback_items", len(res.Feedback)),
			zap.Duration("elapsed", time.Since(start)),
		)
		normalized := res.Normalized()
		return &normalized, nil
	})
	if err != nil {
		opLogger.Error("evaluation failed", zap.Error(err))
		return nil, err
	}
	return result, nil
}
