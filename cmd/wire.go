package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/samber/do"

	"pediatric-assistant/internal/config"
	"pediatric-assistant/internal/domain"
	"pediatric-assistant/internal/entitystore"
	"pediatric-assistant/internal/extract"
	"pediatric-assistant/internal/integrations/openai"
	"pediatric-assistant/internal/integrations/paramstore"
	"pediatric-assistant/internal/metrics"
	"pediatric-assistant/internal/repository"
	"pediatric-assistant/internal/repository/sqlitestore"
	"pediatric-assistant/internal/retrieval"
	"pediatric-assistant/internal/safety"
	"pediatric-assistant/internal/taskqueue"
	"pediatric-assistant/internal/triage"
	"pediatric-assistant/internal/usecase"
)

// backend is everything the pipeline persists. Both the DynamoDB client and
// the SQLite store satisfy it.
type backend interface {
	entitystore.Repository
	taskqueue.Store
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
	PutProfile(ctx context.Context, p domain.Profile) error
	TriageHistory(ctx context.Context, conversationID string, limit int) ([]domain.TriageSnapshot, error)
}

var _ do.Shutdownable = (*sqliteBackend)(nil)

type sqliteBackend struct {
	*sqlitestore.Store
}

func (b sqliteBackend) Shutdown() error {
	return b.Close()
}

// newInjector registers every provider. Providers are lazy, so a command only
// builds what it invokes.
func newInjector(ctx context.Context, cfg *config.Config, logger *slog.Logger) *do.Injector {
	di := do.New()
	do.ProvideValue(di, ctx)
	do.ProvideValue(di, cfg)
	do.ProvideValue(di, logger)
	do.ProvideValue(di, metrics.Default())

	do.Provide(di, newAWSConfig)
	do.Provide(di, newBackend)
	do.Provide(di, newParamGetter)
	do.Provide(di, newOpenAIClient)
	do.Provide(di, newTriageEngine)
	do.Provide(di, newExtractor)
	do.Provide(di, newContextStore)
	do.Provide(di, newRetrievalEngine)
	do.Provide(di, newGuard)
	do.Provide(di, newQueue)
	do.Provide(di, newChatService)
	return di
}

func newAWSConfig(i *do.Injector) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(do.MustInvoke[context.Context](i))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	return cfg, nil
}

func newBackend(i *do.Injector) (backend, error) {
	cfg := do.MustInvoke[*config.Config](i)
	switch cfg.Storage.Backend {
	case "dynamodb":
		awsCfg, err := do.Invoke[aws.Config](i)
		if err != nil {
			return nil, err
		}
		client, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.Storage.Table)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		store, err := sqlitestore.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		return sqliteBackend{store}, nil
	}
}

// newParamGetter serves a configured API key from memory and falls back to
// SSM for everything else.
func newParamGetter(i *do.Injector) (paramstore.Getter, error) {
	cfg := do.MustInvoke[*config.Config](i)
	var chain paramstore.Chain
	if cfg.OpenAI.APIKey != "" {
		doc, err := paramstore.TokenDocument(cfg.OpenAI.APIKey)
		if err != nil {
			return nil, err
		}
		chain = append(chain, paramstore.Static{cfg.OpenAI.ParamPrefix + "/open-ai-token": doc})
		if cfg.Storage.Backend != "dynamodb" {
			return chain, nil
		}
	}
	awsCfg, err := do.Invoke[aws.Config](i)
	if err != nil {
		return nil, err
	}
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}
	return append(chain, ssmClient), nil
}

func newOpenAIClient(i *do.Injector) (*openai.Client, error) {
	cfg := do.MustInvoke[*config.Config](i)
	opts := []openai.Option{
		openai.WithChatModel(cfg.OpenAI.ChatModel),
		openai.WithEmbeddingModel(cfg.OpenAI.EmbeddingModel),
	}
	if cfg.OpenAI.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	return openai.NewClient(do.MustInvoke[paramstore.Getter](i), cfg.OpenAI.ParamPrefix, opts...)
}

func newTriageEngine(i *do.Injector) (*triage.Engine, error) {
	cfg := do.MustInvoke[*config.Config](i)
	var (
		rules *triage.Config
		err   error
	)
	if cfg.Triage.RulesPath != "" {
		rules, err = triage.LoadConfig(cfg.Triage.RulesPath)
	} else {
		rules, err = triage.DefaultConfig()
	}
	if err != nil {
		return nil, err
	}
	return triage.NewEngine(rules, do.MustInvoke[*slog.Logger](i))
}

func newExtractor(i *do.Injector) (*extract.Extractor, error) {
	cfg := do.MustInvoke[*config.Config](i)
	m := do.MustInvoke[*metrics.Metrics](i)
	client, err := do.Invoke[*openai.Client](i)
	if err != nil {
		return nil, err
	}
	breaker := extract.NewBreaker(cfg.OpenAI.BreakerCooldown)
	breaker.OnStateChange(func(_, to extract.BreakerState) {
		m.SetBreakerOpen(to == extract.BreakerOpen)
	})
	return extract.New(client,
		extract.WithBreaker(breaker),
		extract.WithTimeout(cfg.OpenAI.ExtractTimeout),
		extract.WithLogger(do.MustInvoke[*slog.Logger](i)),
		extract.WithObserver(m.ObserveExtraction),
	), nil
}

func newContextStore(i *do.Injector) (*entitystore.Store, error) {
	cfg := do.MustInvoke[*config.Config](i)
	repo, err := do.Invoke[backend](i)
	if err != nil {
		return nil, err
	}
	engine, err := do.Invoke[*triage.Engine](i)
	if err != nil {
		return nil, err
	}
	return entitystore.New(repo, engine,
		entitystore.WithCacheSize(cfg.Conversation.CacheSize),
		entitystore.WithLogger(do.MustInvoke[*slog.Logger](i)),
	)
}

func newRetrievalEngine(i *do.Injector) (*retrieval.Engine, error) {
	cfg := do.MustInvoke[*config.Config](i)
	logger := do.MustInvoke[*slog.Logger](i)
	var (
		entries []domain.KnowledgeEntry
		err     error
	)
	if cfg.Retrieval.CorpusPath != "" {
		entries, err = retrieval.LoadCorpus(cfg.Retrieval.CorpusPath)
	} else {
		entries, err = retrieval.DefaultCorpus()
	}
	if err != nil {
		return nil, err
	}
	opts := []retrieval.Option{
		retrieval.WithLogger(logger),
		retrieval.WithObserver(do.MustInvoke[*metrics.Metrics](i).ObserveRetrieval),
	}
	if cfg.Retrieval.Embeddings {
		client, err := do.Invoke[*openai.Client](i)
		if err != nil {
			return nil, err
		}
		opts = append(opts,
			retrieval.WithEmbedder(client),
			retrieval.WithQueryCache(cfg.Retrieval.CacheSize),
		)
	}
	return retrieval.NewEngine(do.MustInvoke[context.Context](i), entries, opts...)
}

func newGuard(i *do.Injector) (*safety.Guard, error) {
	return safety.NewGuard(
		safety.WithLogger(do.MustInvoke[*slog.Logger](i)),
		safety.WithAbortObserver(do.MustInvoke[*metrics.Metrics](i).ObserveSafetyAbort),
	), nil
}

func newQueue(i *do.Injector) (*taskqueue.Queue, error) {
	cfg := do.MustInvoke[*config.Config](i)
	m := do.MustInvoke[*metrics.Metrics](i)
	logger := do.MustInvoke[*slog.Logger](i)
	store, err := do.Invoke[backend](i)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.New(store,
		taskqueue.WithInterval(cfg.Queue.Interval),
		taskqueue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		taskqueue.WithBackoff(cfg.Queue.Backoff),
		taskqueue.WithLogger(logger),
		taskqueue.WithObserver(func(kind string, status domain.TaskStatus) {
			m.ObserveTask(kind, string(status))
		}),
	)
	if err != nil {
		return nil, err
	}
	x, err := do.Invoke[*extract.Extractor](i)
	if err != nil {
		return nil, err
	}
	profiles, err := usecase.NewProfileExtractor(x, store, logger)
	if err != nil {
		return nil, err
	}
	q.Register(usecase.TaskProfileExtract, profiles.Handle)
	return q, nil
}

func newChatService(i *do.Injector) (*usecase.ChatService, error) {
	cfg := do.MustInvoke[*config.Config](i)
	m := do.MustInvoke[*metrics.Metrics](i)
	x, err := do.Invoke[*extract.Extractor](i)
	if err != nil {
		return nil, err
	}
	store, err := do.Invoke[*entitystore.Store](i)
	if err != nil {
		return nil, err
	}
	engine, err := do.Invoke[*triage.Engine](i)
	if err != nil {
		return nil, err
	}
	retriever, err := do.Invoke[*retrieval.Engine](i)
	if err != nil {
		return nil, err
	}
	generator, err := do.Invoke[*openai.Client](i)
	if err != nil {
		return nil, err
	}
	profiles, err := do.Invoke[backend](i)
	if err != nil {
		return nil, err
	}
	tasks, err := do.Invoke[*taskqueue.Queue](i)
	if err != nil {
		return nil, err
	}
	return usecase.NewChatService(x, store, engine,
		usecase.WithRetriever(retriever),
		usecase.WithGenerator(generator),
		usecase.WithGuard(do.MustInvoke[*safety.Guard](i)),
		usecase.WithProfiles(profiles),
		usecase.WithTasks(tasks),
		usecase.WithLogger(do.MustInvoke[*slog.Logger](i)),
		usecase.WithMaxMessageLen(cfg.Conversation.MaxMessageLength),
		usecase.WithObserver(func(kind usecase.ActionKind, elapsed time.Duration) {
			m.ObserveTurn(string(kind), elapsed)
		}),
	)
}
