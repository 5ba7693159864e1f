package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/earnrag/internal/filestore"
	"github.com/xxxsen/earnrag/internal/handler"
	"github.com/xxxsen/earnrag/internal/job"
	"github.com/xxxsen/earnrag/internal/middleware"
	"github.com/xxxsen/earnrag/internal/schedule"
)

func main() {
	var (
		configPath string
		envFiles   []string
	)

	rootCmd := &cobra.Command{
		Use:           "earnrag",
		Short:         "earnings call retrieval service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json or config.yaml")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")

	withApp := func(withIndex bool, fn func(ctx context.Context, a *app, args []string) error) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, envFiles)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := openApp(ctx, cfg, withIndex)
			if err != nil {
				return err
			}
			defer a.Close()
			return fn(ctx, a, args)
		}
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "run http server and scheduled jobs",
		RunE:  withApp(true, runServer),
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "import <file|dir>...",
		Short: "store transcript files named like company_q2_fy26.txt",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(false, func(ctx context.Context, a *app, args []string) error {
			res, err := a.rag.ImportFiles(ctx, args)
			if err != nil {
				return err
			}
			return printJSON(res)
		}),
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "embed and index every transcript that has no chunks",
		RunE: withApp(true, func(ctx context.Context, a *app, args []string) error {
			res, err := a.rag.Sync(ctx)
			if err != nil {
				return err
			}
			return printJSON(res)
		}),
	})

	var (
		company string
		topK    int
		noGen   bool
	)
	queryCmd := &cobra.Command{
		Use:   "query <question>",
		Short: "retrieve passages and answer a question",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(true, func(ctx context.Context, a *app, args []string) error {
			if noGen {
				k := topK
				if k == 0 {
					k = a.answers.DefaultK()
				}
				res, err := a.rag.Retrieve(ctx, args[0], k, company)
				if err != nil {
					return err
				}
				return printJSON(res)
			}
			ans, err := a.answers.Ask(ctx, args[0], topK, company)
			if err != nil {
				return err
			}
			return printJSON(ans)
		}),
	}
	queryCmd.Flags().StringVar(&company, "company", "", "restrict to one company")
	queryCmd.Flags().IntVar(&topK, "k", 0, "number of chunks (default from config)")
	queryCmd.Flags().BoolVar(&noGen, "retrieve-only", false, "print retrieved chunks without generating an answer")
	rootCmd.AddCommand(queryCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "print index, cache and cost statistics",
		RunE: withApp(true, func(ctx context.Context, a *app, args []string) error {
			stats, err := a.rag.Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(stats)
		}),
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "recreate index and registry from the transcript store",
		RunE: withApp(false, func(ctx context.Context, a *app, args []string) error {
			res, err := a.rag.Rebuild(ctx)
			if err != nil {
				return err
			}
			return printJSON(res)
		}),
	})

	var keep int
	retentionCmd := &cobra.Command{
		Use:   "retention",
		Short: "keep only the newest quarters per company",
		RunE: withApp(true, func(ctx context.Context, a *app, args []string) error {
			n := keep
			if n == 0 {
				n = a.cfg.Retention.KeepQuarters
			}
			res, err := a.rag.ApplyRetention(ctx, n)
			if err != nil {
				return err
			}
			return printJSON(res)
		}),
	}
	retentionCmd.Flags().IntVar(&keep, "keep", 0, "quarters to keep per company (default from config)")
	rootCmd.AddCommand(retentionCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "backup",
		Short: "copy the index to the artifact store",
		RunE: withApp(true, func(ctx context.Context, a *app, args []string) error {
			store, err := filestore.New(a.cfg.ArtifactStore)
			if err != nil {
				return fmt.Errorf("init artifact store: %w", err)
			}
			res, err := a.rag.Backup(ctx, store)
			if err != nil {
				return err
			}
			return printJSON(res)
		}),
	})

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("command failed", zap.Error(err))
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runServer(ctx context.Context, a *app, _ []string) error {
	cfg := a.cfg
	logger := logutil.GetLogger(ctx)
	logger.Info("starting server",
		zap.Int("port", cfg.Port),
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("index", cfg.Index.Path),
		zap.String("artifact_store", cfg.ArtifactStore.Type),
	)

	store, err := filestore.New(cfg.ArtifactStore)
	if err != nil {
		return fmt.Errorf("init artifact store: %w", err)
	}
	scheduler := schedule.NewCronScheduler()
	jobs := []struct {
		job  schedule.Job
		spec string
	}{
		{job.NewSyncJob(a.rag), cfg.Jobs.SyncCron},
		{job.NewRetentionJob(a.rag, cfg.Retention.KeepQuarters), cfg.Jobs.RetentionCron},
		{job.NewEmbeddingCacheCleanupJob(a.rag.CacheRepo(), a.rag.ModelName(), cfg.Jobs.CacheKeepDays), cfg.Jobs.CacheCleanupCron},
		{job.NewBackupJob(a.rag, store), cfg.Jobs.BackupCron},
	}
	for _, item := range jobs {
		if err := scheduler.AddJob(item.job, item.spec); err != nil {
			return err
		}
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	deps := handler.RouterDeps{
		Transcripts:     handler.NewTranscriptHandler(a.rag),
		RAG:             handler.NewRAGHandler(a.rag, a.answers, cfg.Retention.KeepQuarters),
		QueryRatePerSec: cfg.Server.QueryRatePerSec,
	}
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	engine, err := webapi.NewEngine(
		"/api/v1",
		addr,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(cfg.Server.CORSOrigins),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}
	logger.Info("http server listening", zap.String("addr", addr))

	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("server stopping...")
	return nil
}
