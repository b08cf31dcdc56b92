// Package app wires the gateway object graph from configuration. Both the
// Lambda and the HTTP server entrypoints build through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"chat-gateway/internal/config"
	"chat-gateway/internal/domain"
	"chat-gateway/internal/flow"
	"chat-gateway/internal/generator"
	"chat-gateway/internal/integrations/gemini"
	"chat-gateway/internal/integrations/openai"
	"chat-gateway/internal/integrations/paramstore"
	"chat-gateway/internal/integrations/twilio"
	"chat-gateway/internal/memory"
	"chat-gateway/internal/otp"
	"chat-gateway/internal/repository"
	"chat-gateway/internal/sessionstore"
	"chat-gateway/internal/sqlstore"
	"chat-gateway/internal/usecase"
	"chat-gateway/internal/workerpool"
)

// CredentialStore is the full persistence surface. Both the DynamoDB and the
// SQL store implement it.
type CredentialStore interface {
	GetUser(ctx context.Context, phone string) (domain.User, error)
	CreateUser(ctx context.Context, phone string) (domain.User, error)
	SetVerified(ctx context.Context, phone string, verified bool) error
	CreateOTP(ctx context.Context, code domain.OneTimeCode) (domain.OneTimeCode, error)
	LatestOTP(ctx context.Context, phone string) (domain.OneTimeCode, error)
	AppendMessage(ctx context.Context, phone string, sender domain.Sender, text string) (domain.ChatMessage, error)
	ListMessages(ctx context.Context, phone string) ([]domain.ChatMessage, error)
	RecentMessages(ctx context.Context, phone string, limit int) ([]domain.ChatMessage, error)
	GetSummary(ctx context.Context, phone string) (string, error)
	SetSummary(ctx context.Context, phone, text string) error
}

// SSMAPI is the AWS SSM call the parameter store client makes.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *awsssm.GetParameterInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error)
}

// DynamoDBAPI is the AWS DynamoDB surface the repository uses.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, in *awsdynamodb.GetItemInput, optFns ...func(*awsdynamodb.Options)) (*awsdynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *awsdynamodb.PutItemInput, optFns ...func(*awsdynamodb.Options)) (*awsdynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *awsdynamodb.UpdateItemInput, optFns ...func(*awsdynamodb.Options)) (*awsdynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *awsdynamodb.QueryInput, optFns ...func(*awsdynamodb.Options)) (*awsdynamodb.QueryOutput, error)
}

// Option overrides a dependency Build would otherwise construct.
type Option func(*builder)

func WithSSM(api SSMAPI) Option {
	return func(b *builder) { b.ssmAPI = api }
}

func WithDynamoDB(api DynamoDBAPI) Option {
	return func(b *builder) { b.dynamoAPI = api }
}

func WithDB(db *gorm.DB) Option {
	return func(b *builder) { b.db = db }
}

func WithRedis(client *redis.Client) Option {
	return func(b *builder) { b.redis = client }
}

// WithHTTPClient is used by the generator and SMS integrations.
func WithHTTPClient(c *http.Client) Option {
	return func(b *builder) { b.httpClient = c }
}

// WithProviderBaseURL points the generator integration at another endpoint.
func WithProviderBaseURL(u string) Option {
	return func(b *builder) { b.providerBaseURL = u }
}

// App is the built object graph.
type App struct {
	Gateway *usecase.Gateway
	Pool    *workerpool.Pool
	Logger  *zap.Logger

	closers []func() error
}

// Close drains the summary pool, then releases connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Pool != nil && a.Pool.IsRunning() {
		if err := a.Pool.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type builder struct {
	cfg    config.Config
	logger *zap.Logger

	awsCfg          *aws.Config
	ssmAPI          SSMAPI
	dynamoAPI       DynamoDBAPI
	db              *gorm.DB
	redis           *redis.Client
	httpClient      *http.Client
	providerBaseURL string

	params  *paramstore.Client
	closers []func() error
}

// Build constructs every component named by cfg and starts the summary pool.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &builder{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(b)
	}

	a, err := b.build(ctx)
	if err != nil {
		for i := len(b.closers) - 1; i >= 0; i-- {
			_ = b.closers[i]()
		}
		return nil, err
	}
	return a, nil
}

func (b *builder) build(ctx context.Context) (*App, error) {
	store, err := b.credentialStore(ctx)
	if err != nil {
		return nil, err
	}
	sessions, locker, err := b.sessionBackend(ctx)
	if err != nil {
		return nil, err
	}

	codes, err := b.issuer(ctx, store)
	if err != nil {
		return nil, err
	}

	machineOpts := []flow.Option{
		flow.WithLogger(b.logger.Named("flow")),
		flow.WithGeneratorTimeout(b.cfg.GeneratorTimeout),
	}
	gatewayOpts := []usecase.Option{
		usecase.WithLogger(b.logger.Named("gateway")),
		usecase.WithMaxMessageLength(b.cfg.MaxMessageLength),
		usecase.WithSummaryTimeout(b.cfg.SummaryTimeout),
	}

	var pool *workerpool.Pool
	gen, err := b.generator(ctx)
	if err != nil {
		return nil, err
	}
	if gen != nil {
		assembler, err := memory.NewAssembler(store, gen, memory.WithPairLimit(b.cfg.ContextPairs))
		if err != nil {
			return nil, fmt.Errorf("app: memory: %w", err)
		}
		pool = workerpool.New(workerpool.Config{
			Workers:    b.cfg.SummaryWorkers,
			QueueSize:  b.cfg.SummaryQueueSize,
			DropOnFull: true,
		}, b.logger.Named("summary"))
		if err := pool.Start(); err != nil {
			return nil, fmt.Errorf("app: start summary pool: %w", err)
		}
		b.closers = append(b.closers, func() error {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if !pool.IsRunning() {
				return nil
			}
			return pool.Stop(stopCtx)
		})
		machineOpts = append(machineOpts, flow.WithGenerator(assembler, gen))
		gatewayOpts = append(gatewayOpts, usecase.WithSummaries(assembler, pool, b.cfg.SummaryWordLimit))
	}

	machine, err := flow.NewMachine(store, codes, machineOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: machine: %w", err)
	}
	gw, err := usecase.NewGateway(machine, sessions, locker, store, gatewayOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: gateway: %w", err)
	}

	b.logger.Info("gateway ready",
		zap.String("store", b.cfg.StoreDriver),
		zap.String("sessions", b.cfg.SessionBackend),
		zap.String("provider", b.cfg.GeneratorProvider),
		zap.Bool("otp_dev_echo", b.cfg.OTPDevEcho),
	)
	return &App{Gateway: gw, Pool: pool, Logger: b.logger, closers: b.closers}, nil
}

func (b *builder) aws(ctx context.Context) (aws.Config, error) {
	if b.awsCfg != nil {
		return *b.awsCfg, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("app: load AWS config: %w", err)
	}
	b.awsCfg = &cfg
	return cfg, nil
}

func (b *builder) paramStore(ctx context.Context) (*paramstore.Client, error) {
	if b.params != nil {
		return b.params, nil
	}
	api := b.ssmAPI
	if api == nil {
		cfg, err := b.aws(ctx)
		if err != nil {
			return nil, err
		}
		api = awsssm.NewFromConfig(cfg)
	}
	ps, err := paramstore.New(api)
	if err != nil {
		return nil, fmt.Errorf("app: paramstore: %w", err)
	}
	b.params = ps
	return ps, nil
}

func (b *builder) credentialStore(ctx context.Context) (CredentialStore, error) {
	switch b.cfg.StoreDriver {
	case config.StoreDynamoDB:
		api := b.dynamoAPI
		if api == nil {
			cfg, err := b.aws(ctx)
			if err != nil {
				return nil, err
			}
			api = awsdynamodb.NewFromConfig(cfg)
		}
		store, err := repository.New(api, b.cfg.StateTable)
		if err != nil {
			return nil, fmt.Errorf("app: dynamodb store: %w", err)
		}
		return store, nil
	case config.StorePostgres:
		db := b.db
		if db == nil {
			opened, err := sqlstore.Open(b.cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("app: %w", err)
			}
			db = opened
			b.closers = append(b.closers, func() error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.Close()
			})
		}
		store, err := sqlstore.New(db)
		if err != nil {
			return nil, fmt.Errorf("app: sql store: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("app: unknown store driver %q", b.cfg.StoreDriver)
}

func (b *builder) sessionBackend(ctx context.Context) (usecase.SessionStore, usecase.Locker, error) {
	switch b.cfg.SessionBackend {
	case config.SessionMemory:
		return sessionstore.NewMemoryStore(b.cfg.SessionTTL), sessionstore.NewMemoryLocker(), nil
	case config.SessionRedis:
		client := b.redis
		if client == nil {
			client = redis.NewClient(&redis.Options{
				Addr:     b.cfg.RedisAddr,
				Password: b.cfg.RedisPassword,
				DB:       b.cfg.RedisDB,
			})
			b.closers = append(b.closers, client.Close)
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("app: ping redis: %w", err)
		}
		sessions, err := sessionstore.NewRedisStore(client, b.cfg.SessionTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("app: %w", err)
		}
		locker, err := sessionstore.NewRedisLocker(client, sessionstore.DefaultRedisLockOptions(), b.logger.Named("lock"))
		if err != nil {
			return nil, nil, fmt.Errorf("app: %w", err)
		}
		return sessions, locker, nil
	}
	return nil, nil, fmt.Errorf("app: unknown session backend %q", b.cfg.SessionBackend)
}

func (b *builder) issuer(ctx context.Context, store CredentialStore) (*otp.Issuer, error) {
	opts := []otp.Option{
		otp.WithDevEcho(b.cfg.OTPDevEcho),
		otp.WithHashCost(b.cfg.OTPHashCost),
		otp.WithLogger(b.logger.Named("otp")),
	}
	if !b.cfg.OTPDevEcho {
		ps, err := b.paramStore(ctx)
		if err != nil {
			return nil, err
		}
		smsOpts := []twilio.Option{twilio.WithCountryCode(b.cfg.TwilioCountryCode)}
		if b.cfg.TwilioBaseURL != "" {
			smsOpts = append(smsOpts, twilio.WithBaseURL(b.cfg.TwilioBaseURL))
		}
		if b.httpClient != nil {
			smsOpts = append(smsOpts, twilio.WithHTTPClient(b.httpClient))
		}
		sms, err := twilio.NewClient(ps, b.cfg.ParamPrefix, b.cfg.TwilioAccountSID, b.cfg.TwilioFrom, smsOpts...)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		opts = append(opts, otp.WithDeliverer(sms))
	}
	codes, err := otp.NewIssuer(store, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return codes, nil
}

// generator returns nil when no provider is configured; chat then echoes.
func (b *builder) generator(ctx context.Context) (*generator.Adapter, error) {
	if b.cfg.GeneratorProvider == config.ProviderNone {
		return nil, nil
	}
	ps, err := b.paramStore(ctx)
	if err != nil {
		return nil, err
	}

	var llm generator.LLMClient
	switch b.cfg.GeneratorProvider {
	case config.ProviderOpenAI:
		var opts []openai.Option
		if b.providerBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(b.providerBaseURL))
		}
		if b.httpClient != nil {
			opts = append(opts, openai.WithHTTPClient(b.httpClient))
		}
		llm, err = openai.NewClient(ps, b.cfg.ParamPrefix, opts...)
	case config.ProviderGemini:
		var opts []gemini.Option
		if b.providerBaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(b.providerBaseURL))
		}
		if b.httpClient != nil {
			opts = append(opts, gemini.WithHTTPClient(b.httpClient))
		}
		llm, err = gemini.NewClient(ps, b.cfg.ParamPrefix, opts...)
	default:
		return nil, fmt.Errorf("app: unknown generator provider %q", b.cfg.GeneratorProvider)
	}
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	adapter, err := generator.New(llm, ps, b.cfg.ParamPrefix, generator.WithModel(b.cfg.GeneratorModel))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return adapter, nil
}
