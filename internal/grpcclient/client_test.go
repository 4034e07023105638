package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/maplearner/internal/logging"
)

type evaluateFunc func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func startServer(t *testing.T, fn evaluateFunc) *bufconn.Listener {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: "maplearner.v1.DrawingEvaluator",
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Evaluate",
			Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				req := &structpb.Struct{}
				if err := dec(req); err != nil {
					return nil, err
				}
				return fn(ctx, req)
			},
		}},
	}, struct{}{})

	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)
	return lis
}

func dial(t *testing.T, lis *bufconn.Listener) *grpcEvaluator {
	t.Helper()
	eval, conn, err := DialEvaluator(context.Background(), "bufnet", "Grade the map.", zap.NewNop(),
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return eval.(*grpcEvaluator)
}

func TestEvaluateSendsDrawingAndParsesReply(t *testing.T) {
	image := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	var received map[string]interface{}
	lis := startServer(t, func(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		received = req.AsMap()
		return structpb.NewStruct(map[string]interface{}{
			"score":    7,
			"feedback": []interface{}{"add more labels"},
		})
	})

	ctx := logging.ContextWithRequestID(context.Background(), "req-9")
	result, err := dial(t, lis).Evaluate(ctx, image)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Score != 7 || len(result.Feedback) != 1 || result.Feedback[0] != "add more labels" {
		t.Fatalf("unexpected result: %+v", result)
	}

	if received["prompt"] != "Grade the map." {
		t.Fatalf("unexpected prompt: %v", received["prompt"])
	}
	if received["image"] != base64.StdEncoding.EncodeToString(image) {
		t.Fatalf("image was not sent base64 encoded")
	}
	if received["mime"] != "image/png" {
		t.Fatalf("unexpected mime: %v", received["mime"])
	}
	if received["request_id"] != "req-9" {
		t.Fatalf("unexpected request id: %v", received["request_id"])
	}
}

func TestEvaluateWrapsServiceErrors(t *testing.T) {
	lis := startServer(t, func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
		return nil, status.Error(codes.Unavailable, "scorer offline")
	})

	_, err := dial(t, lis).Evaluate(logging.ContextWithRequestID(context.Background(), "req-10"), []byte("img"))
	if status.Code(errors.Unwrap(err)) != codes.Unavailable {
		t.Fatalf("expected unavailable status, got %v", err)
	}

	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "grpcclient.evaluate" || opErr.RequestID != "req-10" {
		t.Fatalf("expected operation error, got %#v", err)
	}
}

func TestEvaluateRejectsIncompleteReply(t *testing.T) {
	lis := startServer(t, func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]interface{}{"score": 3})
	})

	if _, err := dial(t, lis).Evaluate(context.Background(), []byte("img")); err == nil {
		t.Fatal("expected error for reply without feedback")
	}
}
