package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"physics-pipeline/internal/batch"
	"physics-pipeline/internal/ledger"
	"physics-pipeline/internal/llm"
	openai "physics-pipeline/internal/llm/openai"
	"physics-pipeline/internal/services/health"
	"physics-pipeline/internal/shared/config"
	"physics-pipeline/internal/shared/server"
	"physics-pipeline/internal/shared/storage/db"
	"physics-pipeline/internal/shared/storage/object"
	localstore "physics-pipeline/internal/shared/storage/object/local"
	s3store "physics-pipeline/internal/shared/storage/object/s3"
	"physics-pipeline/internal/shared/telemetry"
)

// App holds the dependencies shared by every stage command.
type App struct {
	Config config.Config
	DB     *sql.DB
	// Store holds collections, split analyses and template documents.
	Store object.ObjectStore
	// Images is rooted at the image root; item image paths are keys in it.
	Images   object.ObjectStore
	LLM      *llm.Retrier
	Runs     ledger.Repo
	Progress *batch.Progress
	Recorder *ledger.Recorder
}

// Build prepares shared dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}

	store, images, err := buildStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client, err := buildLLM(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var runs ledger.Repo
	if sqlDB != nil {
		if err := db.RunMigrations(ctx, sqlDB); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("migrate ledger: %w", err)
		}
		runs = &ledger.PGRepo{DB: sqlDB}
	} else {
		runs = ledger.NewMemoryRepo()
	}

	return &App{
		Config:   cfg,
		DB:       sqlDB,
		Store:    store,
		Images:   images,
		LLM:      llm.NewRetrier(client, cfg.LLM.MaxRetries, cfg.LLM.RetryBaseDelay),
		Runs:     runs,
		Progress: batch.NewProgress(),
		Recorder: ledger.NewRecorder(runs),
	}, nil
}

// Observer fans executor and driver events out to the progress view and the ledger.
func (a *App) Observer() batch.Observer {
	return batch.Observers{a.Progress, a.Recorder}
}

// Router exposes health, progress, run history and metrics over HTTP.
func (a *App) Router() *gin.Engine {
	var pinger health.Pinger
	if a.DB != nil {
		pinger = a.DB
	}
	return server.NewRouter(server.Deps{
		Progress: a.Progress,
		Runs:     a.Runs,
		Health:   health.NewService(pinger),
	})
}

// Close releases the database pool.
func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

func buildStores(ctx context.Context, cfg config.Config) (object.ObjectStore, object.ObjectStore, error) {
	switch cfg.Storage.Type {
	case "s3":
		store, err := s3store.New(ctx, cfg.Storage.AWSRegion, cfg.Storage.S3Bucket, cfg.Storage.S3Prefix, cfg.Storage.SSEKMSKeyID)
		if err != nil {
			return nil, nil, err
		}
		return store, store.WithPrefix(cfg.Storage.ImageRoot), nil
	default:
		images := cfg.Storage.ImageRoot
		if cfg.Storage.LocalDir != "" && !filepath.IsAbs(images) {
			images = filepath.Join(cfg.Storage.LocalDir, images)
		}
		return localstore.New(cfg.Storage.LocalDir), localstore.New(images), nil
	}
}

func buildLLM(ctx context.Context, cfg config.Config) (llm.Client, error) {
	if strings.TrimSpace(cfg.LLM.APIKey) == "" && strings.TrimSpace(cfg.LLM.OAuthTokenURL) == "" {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.llm.placeholder", map[string]any{
				"message": "OPENAI_API_KEY empty; every inference call will fail",
			})
			return llm.PlaceholderClient{}, nil
		}
		return nil, fmt.Errorf("OPENAI_API_KEY or OAUTH_TOKEN_URL is required")
	}
	// Token refreshes outlive Build.
	return openai.NewClient(context.WithoutCancel(ctx), openai.Config{
		BaseURL:           cfg.LLM.BaseURL,
		APIKey:            cfg.LLM.APIKey,
		Timeout:           cfg.LLM.Timeout,
		OAuthTokenURL:     cfg.LLM.OAuthTokenURL,
		OAuthClientID:     cfg.LLM.OAuthClientID,
		OAuthClientSecret: cfg.LLM.OAuthClientSecret,
		OAuthScopes:       cfg.LLM.OAuthScopes,
	})
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		telemetry.Debug("bootstrap.ledger.memory", map[string]any{"reason": "DATABASE_URL empty"})
		return nil, nil
	}

	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, db.OptionsFromEnv(db.DefaultOptions()))
	if err != nil {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.ledger.memory", map[string]any{
				"reason": "database connect failed",
				"error":  err.Error(),
			})
			return nil, nil
		}
		return nil, err
	}
	return sqlDB, nil
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}
