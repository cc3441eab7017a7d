package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/kensaku-ai/kensaku/internal/api"
	"github.com/kensaku-ai/kensaku/internal/config"
	"github.com/kensaku-ai/kensaku/internal/events"
	"github.com/kensaku-ai/kensaku/internal/fetch"
	"github.com/kensaku-ai/kensaku/internal/llm"
	"github.com/kensaku-ai/kensaku/internal/logging"
	"github.com/kensaku-ai/kensaku/internal/pipeline"
	"github.com/kensaku-ai/kensaku/internal/search"
	"github.com/kensaku-ai/kensaku/internal/store"
	"github.com/kensaku-ai/kensaku/internal/store/memory"
	"github.com/kensaku-ai/kensaku/internal/store/postgres"
	"github.com/kensaku-ai/kensaku/internal/store/redis"
	"github.com/kensaku-ai/kensaku/internal/workflows"
)

type server interface {
	Start(ctx context.Context, addr string) error
}

var (
	loadEnv    = godotenv.Load
	loadConfig = func() (config.Config, error) {
		return config.Load(), nil
	}
	newBroker = events.NewBroker
	openStore = func(cfg config.Config) (store.Store, error) {
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
	dialTemporal   = client.Dial
	newTurnService = func(c client.Client, taskQueue string) api.TurnStarter {
		return workflows.NewService(c, taskQueue)
	}
	newLocalRunner = func(cfg config.Config, st store.Store, broker *events.Broker, logger *zap.Logger) api.TurnStarter {
		small := llm.NewOpenAIClient(llm.Config{Model: cfg.SmallModel, BaseURL: cfg.SmallModelBaseURL, APIKey: cfg.SmallModelAPIKey})
		answer := llm.NewOpenAIClient(llm.Config{Model: cfg.AnswerModel, BaseURL: cfg.AnswerModelBaseURL, APIKey: cfg.AnswerModelAPIKey})
		classifier := pipeline.NewClassifier(small, logger)
		synthesizer := pipeline.NewSynthesizer(answer, logger)
		fetcher := fetch.New(time.Duration(cfg.FetchTimeoutSeconds)*time.Second, logger)
		emitter := pipeline.NewBrokerEmitter(st, broker, "api")
		orchestrator := pipeline.NewOrchestrator(cfg, st, search.NewClient(cfg.SearxNGURL), fetcher, classifier, synthesizer, emitter, logger)
		return pipeline.NewLocalRunner(orchestrator, logger)
	}
	newServer = func(st store.Store, broker *events.Broker, turns api.TurnStarter, cfg config.Config) server {
		return api.NewServer(st, broker, turns, cfg)
	}
	notifyContext = signal.NotifyContext
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
	logger := logging.New("api", os.Getenv("LOG_LEVEL"))
	defer func() { _ = logger.Sync() }()

	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	broker := newBroker()
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	if st != nil {
		defer func() { _ = st.Close() }()
	}

	// Temporal is the normal turn runner. Without it the api still serves
	// threads and runs turns in process, so a single container works.
	var turns api.TurnStarter
	workflowClient, err := dialTemporal(client.Options{HostPort: cfg.TemporalAddress})
	if err != nil {
		logger.Warn("temporal unreachable, running turns in process", zap.Error(err))
		turns = newLocalRunner(cfg, st, broker, logger)
	} else {
		if workflowClient != nil {
			defer workflowClient.Close()
		}
		turns = newTurnService(workflowClient, cfg.TemporalTaskQueue)
	}

	srv := newServer(st, broker, turns, cfg)

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	logger.Info("kensaku api listening", zap.String("addr", addr), zap.String("chat_store", cfg.ChatStore))
	return srv.Start(ctx, addr)
}
