package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat-gateway/handler"
	"chat-gateway/internal/config"
	"chat-gateway/internal/engine"
	"chat-gateway/internal/integrations/openai"
	"chat-gateway/internal/integrations/paramstore"
	"chat-gateway/internal/quota"
	"chat-gateway/internal/repository"
	"chat-gateway/internal/session"
	"chat-gateway/internal/tokenizer"
	"chat-gateway/internal/usecase"
)

// store is what both durable backends provide.
type store interface {
	quota.Store
	usecase.ConversationStore
}

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	if err := config.LoadEnvFiles(); err != nil {
		slog.Error("failed to load env files", "err", err)
		os.Exit(1)
	}
	cfg, err := config.Load(os.LookupEnv)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		fatal("failed to create SSM client", err)
	}
	st, err := newStore(ctx, cfg, awsdynamodb.NewFromConfig(awsCfg))
	if err != nil {
		fatal("failed to create state store", err)
	}
	var openaiOpts []openai.Option
	if cfg.OpenAITemperature != nil {
		openaiOpts = append(openaiOpts, openai.WithTemperature(*cfg.OpenAITemperature))
	}
	openaiClient, err := openai.NewClient(ssmClient, cfg.ParamPrefix, openaiOpts...)
	if err != nil {
		fatal("failed to create OpenAI client", err)
	}

	// ---- Core ----
	quotaCtrl, err := quota.New(st, quota.Config{
		FreeTierLimit: cfg.FreeTierTokenLimit,
		ResetInterval: cfg.ResetInterval,
	}, quota.WithLogger(logger))
	if err != nil {
		fatal("failed to create quota controller", err)
	}

	builder, err := engine.NewBuilder(ssmClient, openaiClient, st, cfg.ParamPrefix, cfg.MaxContextItems, engine.WithLogger(logger))
	if err != nil {
		fatal("failed to create engine builder", err)
	}
	scope, err := session.ParseLockScope(cfg.SessionLockScope)
	if err != nil {
		fatal("invalid session lock scope", err)
	}
	sessions, err := session.New[usecase.Completer](cfg.SessionCacheSize,
		func(ctx context.Context, conversationID string) (usecase.Completer, error) {
			s, err := builder.NewSession(ctx, conversationID)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		session.WithLockScope(scope),
		session.WithLogger(logger),
	)
	if err != nil {
		fatal("failed to create session cache", err)
	}

	chatService, err := usecase.NewChatService(quotaCtrl, st, sessions, tokenizer.New(cfg.TokenizerModel, logger),
		usecase.WithMaxMessageLength(cfg.MaxMessageLength),
		usecase.WithLogger(logger),
	)
	if err != nil {
		fatal("failed to create chat service", err)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(chatService, logger)
	if err != nil {
		fatal("failed to create handler", err)
	}

	lambda.Start(h.Handle)
}

func newStore(ctx context.Context, cfg config.Config, dynamo *awsdynamodb.Client) (store, error) {
	if cfg.StoreBackend != config.BackendPostgres {
		c, err := repository.New(dynamo, cfg.StateTable)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	pg, err := repository.NewPostgres(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pg, nil
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
