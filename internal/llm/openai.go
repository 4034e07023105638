// Package llm evaluates drawings with an OpenAI-compatible vision model.
package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/maplearner/internal/evaluator"
	"github.com/example/maplearner/internal/logging"
)

var (
	llmDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "maplearner",
		Subsystem: "llm",
		Name:      "request_duration_seconds",
		Help:      "Duration of vision model evaluation requests",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
	}, []string{"model"})

	llmFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maplearner",
		Subsystem: "llm",
		Name:      "request_failures_total",
		Help:      "Number of failed vision model evaluation requests",
	}, []string{"model"})
)

// attemptInstruction introduces the drawing in the user message.
const attemptInstruction = "What now follows is the student's attempt to evaluate:"

// Config defines configuration options for the OpenAI evaluator.
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	Prompt      string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

// Evaluator implements evaluator.Evaluator against the chat completion API.
type Evaluator struct {
	client *openai.Client
	cfg    Config
	tracer trace.Tracer
	logger *zap.Logger
}

// New builds an evaluator using the provided configuration.
func New(cfg Config, logger *zap.Logger) (*Evaluator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if strings.TrimSpace(cfg.Prompt) == "" {
		return nil, errors.New("evaluation prompt is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	return &Evaluator{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/example/maplearner/internal/llm"),
		logger: logger.Named("llm"),
	}, nil
}

// Evaluate sends the drawing to the model and parses its JSON verdict.
func (e *Evaluator) Evaluate(parent context.Context, image []byte) (*evaluator.Result, error) {
	ctx, span := e.tracer.Start(parent, "llm.evaluate", trace.WithAttributes(
		attribute.String("model", e.cfg.Model),
		attribute.Int("image.bytes", len(image)),
	))
	defer span.End()

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := e.client.CreateChatCompletion(ctx, e.buildRequest(image))
	llmDuration.WithLabelValues(e.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, e.failure(ctx, span, fmt.Errorf("chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, e.failure(ctx, span, errors.New("no choices returned from model"))
	}

	result, err := evaluator.ParseResult([]byte(resp.Choices[0].Message.Content))
	if err != nil {
		return nil, e.failure(ctx, span, err)
	}

	e.logger.Debug("model evaluation parsed",
		zap.Int("score", result.Score),
		zap.Int("feedback_items", len(result.Feedback)),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)
	span.SetStatus(codes.Ok, "evaluated")
	return result, nil
}

func (e *Evaluator) buildRequest(image []byte) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: e.cfg.Prompt,
			},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: attemptInstruction},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL(image),
							Detail: openai.ImageURLDetailAuto,
						},
					},
				},
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}
}

func (e *Evaluator) failure(ctx context.Context, span trace.Span, err error) error {
	llmFailures.WithLabelValues(e.cfg.Model).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return logging.WrapContext(ctx, "llm.evaluate", err)
}

func dataURL(image []byte) string {
	return "data:" + mimetype.Detect(image).String() + ";base64," + base64.StdEncoding.EncodeToString(image)
}
