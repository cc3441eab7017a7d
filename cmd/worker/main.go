package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/kensaku-ai/kensaku/internal/config"
	"github.com/kensaku-ai/kensaku/internal/fetch"
	"github.com/kensaku-ai/kensaku/internal/llm"
	"github.com/kensaku-ai/kensaku/internal/logging"
	"github.com/kensaku-ai/kensaku/internal/search"
	"github.com/kensaku-ai/kensaku/internal/store"
	"github.com/kensaku-ai/kensaku/internal/store/memory"
	"github.com/kensaku-ai/kensaku/internal/store/postgres"
	"github.com/kensaku-ai/kensaku/internal/store/redis"
	"github.com/kensaku-ai/kensaku/internal/workflows"
)

var (
	loadEnv    = godotenv.Load
	loadConfig = func() (config.Config, error) {
		return config.Load(), nil
	}
	dialTemporal = client.Dial
	openStore    = func(cfg config.Config) (store.Store, error) {
		switch cfg.ChatStore {
		case "redis":
			return redis.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), nil
		case "postgres":
			return postgres.New(cfg.PostgresURL)
		case "memory":
			return memory.New(), nil
		default:
			return nil, fmt.Errorf("%w: %q", store.ErrUnsupportedBackend, cfg.ChatStore)
		}
	}
	newActivities = func(cfg config.Config, st store.Store, logger *zap.Logger) *workflows.TurnActivities {
		small := llm.NewOpenAIClient(llm.Config{Model: cfg.SmallModel, BaseURL: cfg.SmallModelBaseURL, APIKey: cfg.SmallModelAPIKey})
		answer := llm.NewOpenAIClient(llm.Config{Model: cfg.AnswerModel, BaseURL: cfg.AnswerModelBaseURL, APIKey: cfg.AnswerModelAPIKey})
		fetcher := fetch.New(time.Duration(cfg.FetchTimeoutSeconds)*time.Second, logger)
		return workflows.NewTurnActivities(cfg, st, small, answer, search.NewClient(cfg.SearxNGURL), fetcher, logger)
	}
	newWorker       = worker.New
	workerInterrupt = worker.InterruptCh
	listenMetrics   = func(addr string, logger *zap.Logger) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn("metrics listener stopped", zap.Error(err))
		}
	}
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = loadEnv()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New("worker", os.Getenv("LOG_LEVEL"))
	defer func() { _ = logger.Sync() }()

	temporalClient, err := dialTemporal(client.Options{
		HostPort: cfg.TemporalAddress,
	})
	if err != nil {
		return err
	}
	if temporalClient != nil {
		defer temporalClient.Close()
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	if st != nil {
		defer func() { _ = st.Close() }()
	}

	activities := newActivities(cfg, st, logger)

	if cfg.MetricsPort != "" {
		go listenMetrics(":"+cfg.MetricsPort, logger)
	}

	w := newWorker(temporalClient, cfg.TemporalTaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.ThreadWorkflow)
	w.RegisterActivity(activities)

	logger.Info("kensaku worker started", zap.String("task_queue", cfg.TemporalTaskQueue))
	if err := w.Run(workerInterrupt()); err != nil {
		return err
	}

	return nil
}
