// Package grpcclient evaluates drawings through a gRPC evaluation service.
package grpcclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/maplearner/internal/evaluator"
	"github.com/example/maplearner/internal/logging"
)

// EvaluateMethod is the full method name served by the evaluation service.
// Requests and replies are google.protobuf.Struct messages.
const EvaluateMethod = "/maplearner.v1.DrawingEvaluator/Evaluate"

// DialEvaluator returns a ready-to-use gRPC evaluator for the service at addr.
// Extra dial options are appended after the defaults.
func DialEvaluator(ctx context.Context, addr, prompt string, logger *zap.Logger, opts ...grpc.DialOption) (evaluator.Evaluator, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_evaluator", "", err)
		logger.Error("failed to dial evaluation service", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return &grpcEvaluator{conn: conn, prompt: prompt, logger: logger.Named("grpcclient")}, conn, nil
}

type grpcEvaluator struct {
	conn   grpc.ClientConnInterface
	prompt string
	logger *zap.Logger
}

func (g *grpcEvaluator) Evaluate(ctx context.Context, image []byte) (*evaluator.Result, error) {
	requestID := logging.RequestIDFromContext(ctx)

	req, err := structpb.NewStruct(map[string]interface{}{
		"prompt":     g.prompt,
		"image":      base64.StdEncoding.EncodeToString(image),
		"mime":       mimetype.Detect(image).String(),
		"request_id": requestID,
	})
	if err != nil {
		return nil, logging.WrapContext(ctx, "grpcclient.evaluate", err)
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, EvaluateMethod, req, resp); err != nil {
		wrapped := logging.WrapContext(ctx, "grpcclient.evaluate", err)
		logging.FromContext(ctx, g.logger, "grpcclient.evaluate").Error("evaluation service call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	raw, err := json.Marshal(resp.AsMap())
	if err != nil {
		return nil, logging.WrapContext(ctx, "grpcclient.evaluate", fmt.Errorf("encode reply: %w", err))
	}
	result, err := evaluator.ParseResult(raw)
	if err != nil {
		return nil, logging.WrapContext(ctx, "grpcclient.evaluate", err)
	}
	return result, nil
}
