package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Evaluation backends understood by the service.
const (
	ProviderOpenAI = "openai"
	ProviderHTTP   = "http"
	ProviderGRPC   = "grpc"
)

// Diagnostic sink kinds.
const (
	SinkFile  = "file"
	SinkRedis = "redis"
)

// Config holds runtime configuration values for the evaluation service.
type Config struct {
	Host  string `validate:"required"`
	Port  int    `validate:"min=1,max=65535"`
	Debug bool

	Provider         string `validate:"oneof=openai http grpc"`
	EvaluationAPIURL string `validate:"required,url"`
	APITimeout       time.Duration
	GraceBuffer      time.Duration
	Workers          int `validate:"min=1"`
	QueueSize        int `validate:"min=0"`

	OpenAIAPIKey  string `validate:"required_if=Provider openai"`
	OpenAIModel   string `validate:"required"`
	OpenAIBaseURL string `validate:"omitempty,url"`
	GRPCAddr      string `validate:"required_if=Provider grpc"`

	PromptsDir string `validate:"required"`
	PromptName string `validate:"required"`

	MaxUploadBytes  int64    `validate:"min=1"`
	CORSOrigins     []string `validate:"dive,http_url"`
	ShutdownTimeout time.Duration

	DebugSink      string `validate:"oneof=file redis"`
	DebugImagePath string `validate:"required"`
	RedisAddr      string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DispatchTimeout is how long a request waits for its evaluation: the
// external API timeout plus the grace buffer.
func (c Config) DispatchTimeout() time.Duration {
	return c.APITimeout + c.GraceBuffer
}

// env maps config keys to the environment variables the service reads.
var env = map[string]string{
	"host":             "MAPLEARNER_HOST",
	"port":             "MAPLEARNER_PORT",
	"debug":            "MAPLEARNER_DEBUG",
	"provider":         "EVALUATION_PROVIDER",
	"api_url":          "EVALUATION_API_URL",
	"api_timeout":      "API_TIMEOUT",
	"grace_seconds":    "EVALUATION_GRACE_SECONDS",
	"workers":          "EXECUTOR_MAX_WORKERS",
	"queue_size":       "EXECUTOR_QUEUE_SIZE",
	"openai.api_key":   "OPENAI_API_KEY",
	"openai.model":     "OPENAI_MODEL",
	"openai.base_url":  "OPENAI_BASE_URL",
	"grpc.addr":        "EVALUATION_GRPC_ADDR",
	"prompts.dir":      "PROMPTS_DIR",
	"prompts.name":     "PROMPT_NAME",
	"upload.max_mb":    "MAX_UPLOAD_MB",
	"cors.origins":     "CORS_ORIGINS",
	"shutdown_seconds": "SHUTDOWN_TIMEOUT_SECONDS",
	"debug_sink.kind":  "DEBUG_SINK",
	"debug_sink.path":  "DEBUG_IMAGE_PATH",
	"debug_sink.redis": "REDIS_ADDR",
}

// Load reads configuration values from environment variables and an optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, name := range env {
		if err := v.BindEnv(key, name); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", name, err)
		}
	}

	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8000)
	v.SetDefault("debug", false)
	v.SetDefault("provider", ProviderOpenAI)
	v.SetDefault("api_url", "https://api.example.com/evaluate")
	v.SetDefault("api_timeout", 30)
	v.SetDefault("grace_seconds", 5)
	v.SetDefault("workers", 4)
	v.SetDefault("queue_size", 128)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("grpc.addr", "localhost:50051")
	v.SetDefault("prompts.dir", "prompts")
	v.SetDefault("prompts.name", "simple")
	v.SetDefault("upload.max_mb", 10)
	v.SetDefault("cors.origins", "http://localhost:3000,http://127.0.0.1:3000")
	v.SetDefault("shutdown_seconds", 15)
	v.SetDefault("debug_sink.kind", SinkFile)
	v.SetDefault("debug_sink.path", "last_image.png")
	v.SetDefault("debug_sink.redis", "localhost:6379")

	apiTimeout := v.GetInt("api_timeout")
	if apiTimeout <= 0 {
		return Config{}, fmt.Errorf("API_TIMEOUT must be positive, got %d", apiTimeout)
	}
	grace := v.GetInt("grace_seconds")
	if grace < 0 {
		return Config{}, fmt.Errorf("EVALUATION_GRACE_SECONDS must not be negative, got %d", grace)
	}

	cfg := Config{
		Host:             v.GetString("host"),
		Port:             v.GetInt("port"),
		Debug:            v.GetBool("debug"),
		Provider:         strings.ToLower(strings.TrimSpace(v.GetString("provider"))),
		EvaluationAPIURL: v.GetString("api_url"),
		APITimeout:       time.Duration(apiTimeout) * time.Second,
		GraceBuffer:      time.Duration(grace) * time.Second,
		Workers:          v.GetInt("workers"),
		QueueSize:        v.GetInt("queue_size"),
		OpenAIAPIKey:     v.GetString("openai.api_key"),
		OpenAIModel:      v.GetString("openai.model"),
		OpenAIBaseURL:    v.GetString("openai.base_url"),
		GRPCAddr:         v.GetString("grpc.addr"),
		PromptsDir:       v.GetString("prompts.dir"),
		PromptName:       v.GetString("prompts.name"),
		MaxUploadBytes:   int64(v.GetInt("upload.max_mb")) * 1024 * 1024,
		CORSOrigins:      splitList(v.GetString("cors.origins")),
		ShutdownTimeout:  time.Duration(v.GetInt("shutdown_seconds")) * time.Second,
		DebugSink:        strings.ToLower(strings.TrimSpace(v.GetString("debug_sink.kind"))),
		DebugImagePath:   v.GetString("debug_sink.path"),
		RedisAddr:        v.GetString("debug_sink.redis"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.DebugSink == SinkRedis && c.Debug && c.RedisAddr == "" {
		return fmt.Errorf("invalid configuration: REDIS_ADDR is required for the redis debug sink")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
