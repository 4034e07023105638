package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/maplearner/internal/config"
	"github.com/example/maplearner/internal/diagnostics"
	"github.com/example/maplearner/internal/dispatcher"
	"github.com/example/maplearner/internal/evaluator"
	"github.com/example/maplearner/internal/grpcclient"
	"github.com/example/maplearner/internal/handlers"
	"github.com/example/maplearner/internal/llm"
	"github.com/example/maplearner/internal/logging"
	"github.com/example/maplearner/internal/middleware"
	"github.com/example/maplearner/internal/remote"
	"github.com/example/maplearner/internal/upload"
	"github.com/example/maplearner/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Debug)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	prompt, err := evaluator.LoadPrompt(cfg.PromptsDir, cfg.PromptName)
	if err != nil {
		logger.Fatal("failed to load prompt", zap.Error(err))
	}

	eval, closeEvaluator, err := initEvaluator(ctx, cfg, prompt, logger)
	if err != nil {
		logger.Fatal("failed to initialise evaluator", zap.Error(err), zap.String("provider", cfg.Provider))
	}
	defer closeEvaluator()

	sink, closeSink := initSink(ctx, cfg, logger)
	defer closeSink()

	pool := dispatcher.New(dispatcher.Config{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Timeout:   cfg.DispatchTimeout(),
	}, logger)
	uc := usecase.NewEvaluationUseCase(eval, sink, pool, logger)

	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddress(),
		Handler:           newRouter(cfg, uc, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("map evaluation API listening",
		zap.String("addr", cfg.HTTPAddress()),
		zap.String("provider", cfg.Provider),
		zap.Int("workers", pool.Workers()),
		zap.Duration("dispatch_timeout", pool.Timeout()),
		zap.Bool("debug", cfg.Debug),
	)
	serveErr := serveHTTPServer(server, cfg.ShutdownTimeout, logger)

	poolCtx, poolCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer poolCancel()
	if err := pool.Shutdown(poolCtx); err != nil {
		logger.Warn("worker pool did not drain in time", zap.Error(err))
	}

	if serveErr != nil {
		logger.Fatal("server failed", zap.Error(serveErr))
	}
}

func newRouter(cfg config.Config, evaluations handlers.EvaluationService, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = cfg.MaxUploadBytes
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.AccessLog(logger), middleware.CORS(cfg.CORSOrigins))

	handlers.RegisterRoutes(r, handlers.Dependencies{
		Evaluations: evaluations,
		Validator:   upload.NewValidator(cfg.MaxUploadBytes),
		Logger:      logger,
	})
	return r
}

func initEvaluator(ctx context.Context, cfg config.Config, prompt string, logger *zap.Logger) (evaluator.Evaluator, func(), error) {
	switch cfg.Provider {
	case config.ProviderHTTP:
		client, err := remote.NewClient(cfg.EvaluationAPIURL, prompt, cfg.APITimeout, logger)
		return client, func() {}, err
	case config.ProviderGRPC:
		client, conn, err := grpcclient.DialEvaluator(ctx, cfg.GRPCAddr, prompt, logger, grpc.WithUserAgent("maplearner"))
		if err != nil {
			return nil, func() {}, err
		}
		return client, func() { conn.Close() }, nil
	default:
		client, err := llm.New(llm.Config{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
			Prompt:  prompt,
			Timeout: cfg.APITimeout,
		}, logger)
		return client, func() {}, err
	}
}

func initSink(ctx context.Context, cfg config.Config, logger *zap.Logger) (diagnostics.Sink, func()) {
	if !cfg.Debug {
		return diagnostics.Nop{}, func() {}
	}
	if cfg.DebugSink == config.SinkRedis {
		client, err := initRedis(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("redis debug sink unavailable, uploads will not be captured", zap.Error(err), zap.String("addr", cfg.RedisAddr))
			return diagnostics.Nop{}, func() {}
		}
		logger.Info("capturing uploads in redis", zap.String("key", diagnostics.LastImageKey))
		return diagnostics.NewRedisSink(diagnostics.NewRedisStore(client), time.Hour), func() { client.Close() }
	}
	logger.Info("capturing uploads on disk", zap.String("path", cfg.DebugImagePath))
	return diagnostics.NewFileSink(cfg.DebugImagePath), func() {}
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
