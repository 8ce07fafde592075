package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tazhate/repobot/config"
	"github.com/tazhate/repobot/internal/admin"
	"github.com/tazhate/repobot/internal/bot"
	"github.com/tazhate/repobot/internal/clients/github"
	"github.com/tazhate/repobot/internal/clients/mtproto"
	"github.com/tazhate/repobot/internal/floodwait"
	"github.com/tazhate/repobot/internal/logger"
	"github.com/tazhate/repobot/internal/metrics"
	"github.com/tazhate/repobot/internal/scheduler"
	"github.com/tazhate/repobot/internal/service"
	"github.com/tazhate/repobot/internal/storage"
	"github.com/tazhate/repobot/internal/storage/memory"
	mongostore "github.com/tazhate/repobot/internal/storage/mongo"
	redisstore "github.com/tazhate/repobot/internal/storage/redis"
	"github.com/tazhate/repobot/internal/storage/sqlite"
	"github.com/tazhate/repobot/internal/vault"
)

var (
	envFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "repobot",
	Short: "Telegram bot for GitHub repositories and saved posts",
	Long: `repobot runs one of two Telegram bots:

  creator  log in with Telegram and GitHub, then create repositories from chat
  relay    copy posts from channels and groups after a password login`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a dotenv file (default: ./.env when present)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		modeCommand(config.ModeCreator, "Run the repository creator bot"),
		modeCommand(config.ModeRelay, "Run the content relay bot"),
	)
}

func modeCommand(mode config.Mode, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(mode),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), mode)
		},
	}
}

func run(parent context.Context, mode config.Mode) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(mode); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger.Init("repobot-"+string(mode), cfg.Debug)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("Store unreachable")
	}
	defer store.Close()

	key, err := vault.ParseKey(cfg.Store.VaultKey)
	if err != nil {
		return err
	}
	creds := vault.New(store, key)
	if !creds.Sealing() {
		log.Warn().Msg("VAULT_KEY is not set, credentials are stored unsealed")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := metrics.NewCollector(reg)

	policy := floodwait.Policy{MaxAttempts: cfg.Limits.FloodMaxAttempts, MaxWait: cfg.Limits.FloodMaxWait}

	api, err := bot.NewBotAPI(cfg.Telegram.BotToken, cfg.Debug)
	if err != nil {
		return err
	}

	users := service.NewUserService(store, cfg.Telegram.AdminIDs, cfg.Limits.BroadcastRatePerSec)
	svc := bot.Services{Users: users}
	var jobs scheduler.Jobs

	switch mode {
	case config.ModeCreator:
		mt := mtproto.New(cfg.Telegram.APIID, cfg.Telegram.APIHash, mtproto.Options{
			AttemptTTL:  cfg.Janitor.LoginAttemptTTL,
			Policy:      policy,
			OnFloodWait: func(time.Duration) { rec.FloodWait() },
			Debug:       cfg.Debug,
		})
		defer mt.Close()

		gh := github.NewClient()
		repos := service.NewRepoService(gh, creds, policy, rec)
		svc.Conversations = service.NewConversationService(store, creds, mt, gh, repos, rec)
		jobs.Flows = svc.Conversations
		jobs.Attempts = mt
	case config.ModeRelay:
		svc.Relay = service.NewRelayService(store, bot.NewCopier(api), cfg.Relay.UserPassword, policy, rec)
	}

	b := bot.New(api, cfg, mode, svc, rec)
	if svc.Relay != nil {
		svc.Relay.OnFloodWait(b.NotifyFloodWait)
	}
	jobs.Throttle = b
	b.SetCommands()

	var webhook http.Handler
	if cfg.Telegram.WebhookURL != "" {
		if err := b.SetupWebhook(); err != nil {
			return err
		}
		webhook = b.WebhookHandler(ctx)
	} else {
		if err := b.RemoveWebhook(); err != nil {
			log.Warn().Err(err).Msg("Failed to remove webhook")
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		go b.Serve(ctx, api.GetUpdatesChan(u))
		log.Info().Msg("Polling for updates")
	}

	deps := admin.Deps{Users: users, Webhook: webhook, Metrics: metrics.Handler(reg)}
	if cfg.ConsoleEnabled() {
		deps.Username = cfg.Server.AdminUsername
		deps.Password = cfg.Server.AdminPassword
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           admin.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Bool("console", cfg.ConsoleEnabled()).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	sched := scheduler.New(cfg, jobs)
	go func() {
		if err := sched.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Scheduler error")
		}
	}()

	log.Info().Str("mode", string(mode)).Str("store", cfg.Store.Driver).Msg("Repobot started")

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	if webhook == nil {
		api.StopReceivingUpdates()
	}
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	done := make(chan struct{})
	go func() {
		b.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Gave up waiting for in-flight updates")
	}

	log.Info().Msg("Repobot stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var (
		store storage.Store
		err   error
	)
	switch cfg.Store.Driver {
	case config.DriverMongo:
		var s *mongostore.Store
		s, err = mongostore.Open(ctx, cfg.Store.MongoURI, cfg.Store.MongoDatabase)
		if err == nil {
			store = s
		}
	case config.DriverSQLite:
		var s *sqlite.Storage
		s, err = sqlite.New(cfg.Store.SQLitePath)
		if err == nil {
			store = s
		}
	case config.DriverRedis:
		var s *redisstore.Store
		s, err = redisstore.Open(ctx, cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB)
		if err == nil {
			store = s
		}
	case config.DriverMemory:
		store = memory.New()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Store.Driver, err)
	}
	log.Info().Str("driver", cfg.Store.Driver).Msg("Store connected")
	return store, nil
}
