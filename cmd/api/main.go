package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/GrandeVx/clawSpot/internal/bundle"
	"github.com/GrandeVx/clawSpot/internal/config"
	"github.com/GrandeVx/clawSpot/internal/db"
	"github.com/GrandeVx/clawSpot/internal/httpapi"
	"github.com/GrandeVx/clawSpot/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	pool, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db")
	}
	defer pool.Close()

	storeCfg := bundle.StoreConfig{
		Provider:           cfg.BundleProvider,
		Endpoint:           cfg.BundleEndpoint,
		Region:             cfg.BundleRegion,
		Bucket:             cfg.BundleBucket,
		BasePrefix:         cfg.BundleBasePrefix,
		AccessKeyID:        cfg.BundleAccessKeyID,
		AccessKeySecret:    cfg.BundleAccessKeySecret,
		STSRoleARN:         cfg.BundleSTSRoleARN,
		STSDurationSeconds: cfg.BundleSTSDurationSeconds,
		LocalDir:           cfg.BundleLocalDir,
	}

	// The bundle archive is optional: without a provider, exports are
	// served inline and credential issuance returns 503.
	var archive bundle.ObjectStore
	var assumer bundle.STSAssumer
	if cfg.BundleProvider != "" {
		archive, err = bundle.NewObjectStore(storeCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("bundle store")
		}
		assumer, err = bundle.NewSTSAssumer(storeCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("bundle sts")
		}
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			DB:                      pool,
			Pepper:                  cfg.APIKeyPepper,
			AdminToken:              cfg.AdminToken,
			PublicBaseURL:           cfg.PublicBaseURL,
			GitHubOAuthClientID:     cfg.GitHubOAuthClientID,
			GitHubOAuthClientSecret: cfg.GitHubOAuthClientSecret,
			RateLimitPerMinute:      cfg.RateLimitPerMinute,
			BundleConfig:            storeCfg,
			BundleArchive:           archive,
			BundleSTS:               assumer,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
