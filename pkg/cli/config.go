package cli

import (
	"context"
	"io"
	"time"

	"github.com/m-mizutani/collective/pkg/adapter"
	"github.com/m-mizutani/collective/pkg/policy"
	"github.com/m-mizutani/collective/pkg/repository"
	"github.com/m-mizutani/collective/pkg/usecase/compose"
	"github.com/m-mizutani/collective/pkg/usecase/feed"
	"github.com/m-mizutani/collective/pkg/usecase/ingest"
	"github.com/m-mizutani/collective/pkg/usecase/interview"
	"github.com/m-mizutani/collective/pkg/usecase/scheduler"
	"github.com/m-mizutani/collective/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

const envPrefix = "COLLECTIVE_"

func env(name string) cli.ValueSourceChain {
	return cli.EnvVars(envPrefix + name)
}

// loggingConfig is shared by every command through the root flags
type loggingConfig struct {
	level  string
	format string
}

func loggingFlags(cfg *loggingConfig) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     env("LOG_LEVEL"),
			Destination: &cfg.level,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       string(logging.FormatConsole),
			Sources:     env("LOG_FORMAT"),
			Destination: &cfg.format,
		},
	}
}

// apply installs the configured logger as default and into ctx
func (cfg *loggingConfig) apply(ctx context.Context, w io.Writer) context.Context {
	logger := logging.NewWithFormat(cfg.level, logging.Format(cfg.format), w)
	logging.SetDefault(logger)
	return logging.With(ctx, logger)
}

// config holds configuration values
type config struct {
	// Repository
	backend  string
	project  string
	database string

	// Generation / Embedding
	llmProvider          string
	embeddingProvider    string
	geminiProject        string
	geminiLocation       string
	geminiModel          string
	geminiEmbeddingModel string
	openaiAPIKey         string
	openaiBaseURL        string
	openaiModel          string
	openaiEmbeddingModel string
	anthropicAPIKey      string
	claudeModel          string
	dimensions           int64
	embedCacheBytes      int64

	// Ingestion
	minWords int64

	// Prompt
	promptBudget    int64
	tokenEncoding   string
	maxMemories     int64
	memoryCharLimit int64
	recentMessages  int64
	temperature     float64
	maxTokens       int64

	// Interview
	interviewBudget time.Duration
	retention       time.Duration
	archiveBucket   string
	archivePrefix   string

	// Scheduler
	interval time.Duration
	seed     uint64

	// Feed
	policyDir string
}

// repositoryFlags returns flags selecting the MemoryStore backend
func repositoryFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "repository",
			Usage:       "Repository backend (firestore, memory)",
			Value:       "firestore",
			Sources:     env("REPOSITORY"),
			Destination: &cfg.backend,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars(envPrefix+"PROJECT", "GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     env("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
	}
}

// llmFlags returns flags for the Generation and Embedding APIs
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "llm",
			Usage:       "Generation API provider (gemini, openai, claude)",
			Value:       "gemini",
			Sources:     env("LLM"),
			Destination: &cfg.llmProvider,
		},
		&cli.StringFlag{
			Name:        "embedding",
			Usage:       "Embedding API provider (gemini, openai)",
			Value:       "gemini",
			Sources:     env("EMBEDDING"),
			Destination: &cfg.embeddingProvider,
		},
		&cli.IntFlag{
			Name:        "embedding-dimensions",
			Usage:       "Embedding vector size; must match the stored chunks",
			Value:       1536,
			Sources:     env("EMBEDDING_DIMENSIONS"),
			Destination: &cfg.dimensions,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars(envPrefix+"GEMINI_PROJECT", "GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     env("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Gemini generative model",
			Value:       "gemini-2.5-flash",
			Sources:     env("GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
		&cli.StringFlag{
			Name:        "gemini-embedding-model",
			Usage:       "Gemini embedding model",
			Value:       "gemini-embedding-001",
			Sources:     env("GEMINI_EMBEDDING_MODEL"),
			Destination: &cfg.geminiEmbeddingModel,
		},
		&cli.StringFlag{
			Name:        "openai-api-key",
			Usage:       "OpenAI API key",
			Sources:     cli.EnvVars(envPrefix+"OPENAI_API_KEY", "OPENAI_API_KEY"),
			Destination: &cfg.openaiAPIKey,
		},
		&cli.StringFlag{
			Name:        "openai-base-url",
			Usage:       "OpenAI compatible endpoint",
			Sources:     env("OPENAI_BASE_URL"),
			Destination: &cfg.openaiBaseURL,
		},
		&cli.StringFlag{
			Name:        "openai-model",
			Usage:       "OpenAI chat model",
			Value:       "gpt-4o-mini",
			Sources:     env("OPENAI_MODEL"),
			Destination: &cfg.openaiModel,
		},
		&cli.StringFlag{
			Name:        "openai-embedding-model",
			Usage:       "OpenAI embedding model",
			Value:       "text-embedding-3-large",
			Sources:     env("OPENAI_EMBEDDING_MODEL"),
			Destination: &cfg.openaiEmbeddingModel,
		},
		&cli.StringFlag{
			Name:        "anthropic-api-key",
			Usage:       "Anthropic API key",
			Sources:     cli.EnvVars(envPrefix+"ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"),
			Destination: &cfg.anthropicAPIKey,
		},
		&cli.StringFlag{
			Name:        "claude-model",
			Usage:       "Claude model",
			Value:       "claude-sonnet-4-5",
			Sources:     env("CLAUDE_MODEL"),
			Destination: &cfg.claudeModel,
		},
		&cli.IntFlag{
			Name:        "embedding-cache-bytes",
			Usage:       "Size of the query embedding cache (0 disables)",
			Value:       16 << 20,
			Sources:     env("EMBEDDING_CACHE_BYTES"),
			Destination: &cfg.embedCacheBytes,
		},
	}
}

// ingestFlags returns flags for writing uploads
func ingestFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "min-words",
			Usage:       "Words a writing needs to be accepted (0 disables)",
			Value:       ingest.DefaultMinWords,
			Sources:     env("MIN_WORDS"),
			Destination: &cfg.minWords,
		},
	}
}

// promptFlags returns flags for prompt composition
func promptFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "prompt-budget",
			Usage:       "Maximum system prompt size (characters, or tokens with --token-encoding)",
			Value:       compose.DefaultBudget,
			Sources:     env("PROMPT_BUDGET"),
			Destination: &cfg.promptBudget,
		},
		&cli.StringFlag{
			Name:        "token-encoding",
			Usage:       "Measure the prompt budget in tiktoken tokens of this encoding, e.g. cl100k_base",
			Sources:     env("TOKEN_ENCODING"),
			Destination: &cfg.tokenEncoding,
		},
		&cli.IntFlag{
			Name:        "max-memories",
			Usage:       "Memory chunks retrieved per agent turn",
			Value:       compose.DefaultMaxMemories,
			Sources:     env("MAX_MEMORIES"),
			Destination: &cfg.maxMemories,
		},
		&cli.IntFlag{
			Name:        "memory-char-limit",
			Usage:       "Characters kept of each retrieved memory",
			Value:       compose.DefaultMemoryCharLimit,
			Sources:     env("MEMORY_CHAR_LIMIT"),
			Destination: &cfg.memoryCharLimit,
		},
		&cli.IntFlag{
			Name:        "recent-messages",
			Usage:       "Feed messages shown to an agent",
			Value:       compose.DefaultRecentMessages,
			Sources:     env("RECENT_MESSAGES"),
			Destination: &cfg.recentMessages,
		},
		&cli.FloatFlag{
			Name:        "temperature",
			Usage:       "Sampling temperature of agent replies",
			Value:       compose.DefaultTemperature,
			Sources:     env("TEMPERATURE"),
			Destination: &cfg.temperature,
		},
		&cli.IntFlag{
			Name:        "max-tokens",
			Usage:       "Output token limit of agent replies",
			Value:       compose.DefaultMaxTokens,
			Sources:     env("MAX_TOKENS"),
			Destination: &cfg.maxTokens,
		},
	}
}

// interviewFlags returns flags for interview sessions
func interviewFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.DurationFlag{
			Name:        "interview-budget",
			Usage:       "Wall-clock length of an interview",
			Value:       interview.DefaultBudget,
			Sources:     env("INTERVIEW_BUDGET"),
			Destination: &cfg.interviewBudget,
		},
		&cli.DurationFlag{
			Name:        "session-retention",
			Usage:       "How long a closed interview stays addressable",
			Value:       interview.DefaultRetention,
			Sources:     env("SESSION_RETENTION"),
			Destination: &cfg.retention,
		},
		&cli.StringFlag{
			Name:        "archive-bucket",
			Usage:       "Cloud Storage bucket receiving closed transcripts (optional)",
			Sources:     env("ARCHIVE_BUCKET"),
			Destination: &cfg.archiveBucket,
		},
		&cli.StringFlag{
			Name:        "archive-prefix",
			Usage:       "Object name prefix in the archive bucket",
			Sources:     env("ARCHIVE_PREFIX"),
			Destination: &cfg.archivePrefix,
		},
	}
}

// schedulerFlags returns flags for the agent scheduler
func schedulerFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.DurationFlag{
			Name:        "interval",
			Usage:       "Time between agent turns",
			Value:       scheduler.DefaultInterval,
			Sources:     env("INTERVAL"),
			Destination: &cfg.interval,
		},
		&cli.UintFlag{
			Name:        "seed",
			Usage:       "Random seed for agent selection (0 uses the clock)",
			Sources:     env("SEED"),
			Destination: &cfg.seed,
		},
	}
}

// feedFlags returns flags for the collective feed
func feedFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of Rego files moderating human posts (package feed)",
			Sources:     env("POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
	}
}

// newRepository creates a new repository instance
func (cfg *config) newRepository() (repository.Repository, error) {
	switch cfg.backend {
	case "memory":
		return repository.NewMemory(), nil
	case "firestore", "":
		if cfg.project == "" {
			return nil, goerr.New("project is required")
		}
		if cfg.database == "" {
			return nil, goerr.New("database is required")
		}

		repo, err := repository.New(cfg.project, cfg.database)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create repository")
		}
		return repo, nil
	default:
		return nil, goerr.New("unsupported repository backend", goerr.V("repository", cfg.backend))
	}
}

func (cfg *config) newGemini(ctx context.Context) (*adapter.GeminiClient, error) {
	project := cfg.geminiProject
	if project == "" {
		project = cfg.project
	}
	if project == "" {
		return nil, goerr.New("gemini-project is required")
	}
	if cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}
	return adapter.NewGemini(ctx, project, cfg.geminiLocation,
		adapter.WithGenerativeModel(cfg.geminiModel),
		adapter.WithEmbeddingModel(cfg.geminiEmbeddingModel),
	)
}

func (cfg *config) newOpenAI() (*adapter.OpenAIClient, error) {
	if cfg.openaiAPIKey == "" {
		return nil, goerr.New("openai-api-key is required")
	}
	return adapter.NewOpenAI(cfg.openaiAPIKey, cfg.openaiBaseURL,
		adapter.WithOpenAIChatModel(cfg.openaiModel),
		adapter.WithOpenAIEmbeddingModel(cfg.openaiEmbeddingModel),
	), nil
}

// newGenerator creates the Generation API client of the selected provider
func (cfg *config) newGenerator(ctx context.Context) (adapter.Generator, error) {
	switch cfg.llmProvider {
	case "gemini":
		return cfg.newGemini(ctx)
	case "openai":
		return cfg.newOpenAI()
	case "claude":
		if cfg.anthropicAPIKey == "" {
			return nil, goerr.New("anthropic-api-key is required")
		}
		return adapter.NewClaude(cfg.anthropicAPIKey, cfg.claudeModel), nil
	default:
		return nil, goerr.New("unsupported llm provider", goerr.V("llm", cfg.llmProvider))
	}
}

// newEmbedder creates the Embedding API client of the selected provider
func (cfg *config) newEmbedder(ctx context.Context) (adapter.Embedder, error) {
	switch cfg.embeddingProvider {
	case "gemini":
		return cfg.newGemini(ctx)
	case "openai":
		return cfg.newOpenAI()
	default:
		return nil, goerr.New("unsupported embedding provider", goerr.V("embedding", cfg.embeddingProvider))
	}
}

// newQueryEmbedder wraps the embedder with a cache for scheduler queries
func (cfg *config) newQueryEmbedder(embedder adapter.Embedder) (adapter.Embedder, func(), error) {
	if cfg.embedCacheBytes <= 0 {
		return embedder, func() {}, nil
	}
	cached, err := adapter.NewCachedEmbedder(embedder, cfg.embedCacheBytes)
	if err != nil {
		return nil, nil, err
	}
	return cached, cached.Close, nil
}

func (cfg *config) newComposer() (*compose.Composer, error) {
	opts := []compose.Option{
		compose.WithBudget(int(cfg.promptBudget)),
		compose.WithMaxMemories(int(cfg.maxMemories)),
		compose.WithMemoryCharLimit(int(cfg.memoryCharLimit)),
		compose.WithRecentMessages(int(cfg.recentMessages)),
		compose.WithTemperature(float32(cfg.temperature)),
		compose.WithMaxTokens(int(cfg.maxTokens)),
	}
	if cfg.tokenEncoding != "" {
		counter, err := adapter.NewTiktokenCounter(cfg.tokenEncoding)
		if err != nil {
			return nil, err
		}
		opts = append(opts, compose.WithCounter(counter))
	}
	return compose.New(opts...), nil
}

func (cfg *config) newPipeline(repo repository.Repository, embedder adapter.Embedder) *ingest.Pipeline {
	return ingest.New(repo, embedder,
		ingest.WithDimensions(int(cfg.dimensions)),
		ingest.WithMinWords(int(cfg.minWords)),
	)
}

func (cfg *config) newInterviewManager(ctx context.Context, repo repository.Repository, generator adapter.Generator, pipeline *ingest.Pipeline) (*interview.Manager, error) {
	opts := []interview.Option{
		interview.WithBudget(cfg.interviewBudget),
		interview.WithRetention(cfg.retention),
	}
	if cfg.archiveBucket != "" {
		archive, err := adapter.NewStorageArchive(ctx, cfg.archiveBucket, cfg.archivePrefix)
		if err != nil {
			return nil, err
		}
		opts = append(opts, interview.WithArchive(archive))
	}
	return interview.New(repo, generator, pipeline, opts...), nil
}

func (cfg *config) newFeed(ctx context.Context, repo repository.Repository) (*feed.Feed, error) {
	var opts []feed.Option
	if cfg.policyDir != "" {
		engine, err := policy.Load(ctx, cfg.policyDir)
		if err != nil {
			return nil, err
		}
		opts = append(opts, feed.WithModerator(engine))
	}

	f := feed.New(repo, opts...)
	if err := f.Load(ctx); err != nil {
		return nil, err
	}
	return f, nil
}
