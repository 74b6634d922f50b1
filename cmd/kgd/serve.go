package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ekuinox/kgd/internal/auth"
	"github.com/ekuinox/kgd/internal/config"
	"github.com/ekuinox/kgd/internal/database"
	"github.com/ekuinox/kgd/internal/diary"
	"github.com/ekuinox/kgd/internal/discord"
	"github.com/ekuinox/kgd/internal/ingest"
	"github.com/ekuinox/kgd/internal/logging"
	"github.com/ekuinox/kgd/internal/media"
	"github.com/ekuinox/kgd/internal/notion"
	"github.com/ekuinox/kgd/internal/reconcile"
	"github.com/ekuinox/kgd/internal/server"
	"github.com/ekuinox/kgd/internal/transcode"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway listener, the webhook surface and the periodic audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(signalCtx, appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	defer database.Close(db) //nolint:errcheck

	retryPolicy := diary.RetryPolicy{
		MaxAttempts: appConfig.SyncMaxAttempts,
		BaseDelay:   appConfig.SyncBaseDelay,
		MaxDelay:    appConfig.SyncMaxDelay,
		CallTimeout: appConfig.SyncCallTimeout,
		Logger:      logger.Named("retry"),
	}

	notionClient, err := notion.New(notion.Config{
		Token:             appConfig.NotionToken,
		DatabaseID:        appConfig.NotionDatabaseID,
		TitleProperty:     appConfig.NotionTitleProperty,
		Tags:              notionTags(appConfig.NotionTags),
		BaseURL:           appConfig.NotionBaseURL,
		APIVersion:        appConfig.NotionAPIVersion,
		RequestsPerSecond: appConfig.NotionRequestsPerSecond,
		Logger:            logger.Named("notion"),
	})
	if err != nil {
		return err
	}

	mediaHost, err := newMediaHost(signalCtx, appConfig, notionClient, logger)
	if err != nil {
		return err
	}

	registry, err := diary.NewRegistry(diary.RegistryConfig{
		Database:           db,
		Pages:              notionClient,
		Retry:              retryPolicy,
		AdoptExistingPages: appConfig.NotionAdoptExistingPages,
		Logger:             logger.Named("registry"),
	})
	if err != nil {
		return err
	}
	mapper, err := diary.NewMapper(diary.MapperConfig{Database: db, Logger: logger.Named("mapper")})
	if err != nil {
		return err
	}

	linkRules, err := reconcile.CompileLinkRules(reconcile.LinkRulesConfig{
		Rules:              linkRulesFromConfig(appConfig.LinkRules),
		DefaultConvertTo:   appConfig.LinkDefaultConvertTo,
		BookmarkStandalone: appConfig.LinkBookmarkStandalone,
		Logger:             logger.Named("links"),
	})
	if err != nil {
		return fmt.Errorf("links.rules: %w", err)
	}
	var previews reconcile.LinkPreviewer
	if appConfig.LinkPreviewEnabled {
		previews = media.NewPreviewFetcher(media.PreviewConfig{
			Timeout: appConfig.LinkPreviewTimeout,
			Logger:  logger.Named("preview"),
		})
	}

	builder, err := reconcile.NewBuilder(reconcile.BuilderConfig{
		Fetcher:    media.NewFetcher(media.FetcherConfig{Logger: logger.Named("fetcher")}),
		Transcoder: transcode.New(transcode.Config{Logger: logger.Named("transcode")}),
		Links:      linkRules,
		Previews:   previews,
		Retry:      retryPolicy,
		Logger:     logger.Named("builder"),
	})
	if err != nil {
		return err
	}

	failures := reconcile.NewFailureRegistry()
	reconciler, err := reconcile.New(reconcile.Config{
		Registry:   registry,
		Mapper:     mapper,
		Documents:  notionClient,
		Builder:    builder,
		Media:      mediaHost,
		Failures:   failures,
		Retry:      retryPolicy,
		IDProvider: diary.NewUUIDProvider(),
		Logger:     logger.Named("reconciler"),
	})
	if err != nil {
		return err
	}

	dispatcher, err := ingest.NewDispatcher(ingest.DispatcherConfig{
		Applier:   reconciler,
		Failures:  failures,
		QueueSize: appConfig.SyncQueueSize,
		Logger:    logger.Named("dispatcher"),
	})
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	group, groupCtx := errgroup.WithContext(signalCtx)

	group.Go(func() error {
		return runAuditLoop(groupCtx, mapper, appConfig.SyncAuditInterval, logger)
	})

	if appConfig.DiscordEnabled {
		adapter, err := discord.New(discord.Config{
			Token:          appConfig.DiscordToken,
			ForumChannelID: appConfig.DiscordForumChannelID,
			Tag:            appConfig.DiscordTag,
			Location:       appConfig.SyncLocation,
			Handler:        dispatcher,
			Logger:         logger.Named("discord"),
		})
		if err != nil {
			return err
		}
		group.Go(func() error {
			return adapter.Run(groupCtx)
		})
	}

	if appConfig.HTTPEnabled {
		tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(appConfig.WebhookSigningSecret),
			Issuer:        appConfig.WebhookIssuer,
			TokenTTL:      appConfig.WebhookTokenTTL,
		})
		if err != nil {
			return err
		}
		handler, err := server.NewHTTPHandler(server.Dependencies{
			Tokens:   tokens,
			Events:   dispatcher,
			Diary:    server.DiaryView{Registry: registry, Mapper: mapper, Reconciler: reconciler},
			Resyncer: dispatcher,
			Logger:   logger.Named("http"),
		})
		if err != nil {
			return err
		}
		httpServer := &http.Server{
			Addr:              appConfig.HTTPAddress,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		group.Go(func() error {
			logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
			err := httpServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	err = group.Wait()
	logger.Info("shutting down", zap.Int("active_threads", dispatcher.ActiveThreads()))
	return err
}

func notionTags(tags []config.NotionTag) []notion.Tag {
	converted := make([]notion.Tag, 0, len(tags))
	for _, tag := range tags {
		converted = append(converted, notion.Tag{Property: tag.Property, Value: tag.Value, MultiSelect: tag.MultiSelect})
	}
	return converted
}

func linkRulesFromConfig(rules []config.LinkRule) []reconcile.LinkRule {
	converted := make([]reconcile.LinkRule, 0, len(rules))
	for _, rule := range rules {
		converted = append(converted, reconcile.LinkRule{
			Glob:            rule.Glob,
			Regex:           rule.Regex,
			Prefix:          rule.Prefix,
			ConvertTo:       rule.ConvertTo,
			ExpectMatches:   rule.ExpectMatches,
			ExpectNoMatches: rule.ExpectNoMatches,
		})
	}
	return converted
}

func newMediaHost(ctx context.Context, appConfig config.AppConfig, notionClient *notion.Client, logger *zap.Logger) (reconcile.MediaHost, error) {
	switch appConfig.MediaHost {
	case config.MediaHostNotion:
		return notionClient, nil
	case config.MediaHostS3:
		s3Config := media.S3Config{
			Bucket:        appConfig.S3.Bucket,
			Region:        appConfig.S3.Region,
			Endpoint:      appConfig.S3.Endpoint,
			AccessKey:     appConfig.S3.AccessKey,
			SecretKey:     appConfig.S3.SecretKey,
			PublicBaseURL: appConfig.S3.PublicBaseURL,
			Logger:        logger.Named("s3"),
		}
		client, err := media.NewS3Client(ctx, s3Config)
		if err != nil {
			return nil, err
		}
		return media.NewS3Host(client, s3Config)
	default:
		return nil, fmt.Errorf("unsupported media host %q", appConfig.MediaHost)
	}
}

// runAuditLoop repairs the block mapping once at startup and then on every
// tick until ctx is cancelled. Audit failures are logged, not fatal.
func runAuditLoop(ctx context.Context, mapper *diary.Mapper, interval time.Duration, logger *zap.Logger) error {
	if _, err := mapper.Audit(ctx); err != nil && ctx.Err() == nil {
		logger.Error("startup audit failed", zap.Error(err))
	}
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := mapper.Audit(ctx); err != nil && ctx.Err() == nil {
				logger.Error("periodic audit failed", zap.Error(err))
			}
		}
	}
}
