package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/vcfbot/access"
	"github.com/hazyhaar/vcfbot/bot"
	"github.com/hazyhaar/vcfbot/channels"
	"github.com/hazyhaar/vcfbot/config"
	"github.com/hazyhaar/vcfbot/docpipe"
	"github.com/hazyhaar/vcfbot/feedback"
	"github.com/hazyhaar/vcfbot/kit"
	"github.com/hazyhaar/vcfbot/observability"
	"github.com/hazyhaar/vcfbot/shield"
)

const (
	heartbeatName     = "vcfbot"
	heartbeatInterval = 15 * time.Second
	watchInterval     = 2 * time.Second
	guardInterval     = 30 * time.Second
	sweepInterval     = time.Minute
	cleanupInterval   = time.Hour
	auditBuffer       = 256
	telegramChannel   = "telegram"
	minWorkFileAge    = 2 * time.Hour
)

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot and the admin HTTP server",
		Long: `serve opens the database, bootstraps the "telegram" channel from the
configured token and dispatches every inbound message to the bot. When
http.addr is set it also serves /healthz, /mcp and the token-protected
/api admin surface.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

// openDB opens the bot database with every schema the process uses.
func (a *app) openDB(ctx context.Context) (*sql.DB, error) {
	db, err := channels.OpenDB(a.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", a.cfg.DBPath, err)
	}
	if err := observability.Init(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("observability schema: %w", err)
	}
	if err := shield.Init(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("shield schema: %w", err)
	}
	return db, nil
}

func (a *app) accessStore(db *sql.DB) (*access.Store, error) {
	return access.New(access.Config{
		DB:      db,
		OwnerID: a.cfg.OwnerID,
		Events:  observability.NewEventLogger(db),
		Logger:  a.logger,
	})
}

// server is everything serve wires together.
type server struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *sql.DB
	users     *access.Store
	reports   *feedback.Store
	pipe      *docpipe.Pipeline
	audit     *observability.AuditLogger
	guards    *shield.Guards
	stack     []func(http.Handler) http.Handler
	disp      *channels.Dispatcher
	admin     *channels.Admin
	bot       *bot.Bot
	startedAt time.Time
}

func (a *app) newServer(ctx context.Context) (*server, error) {
	cfg, logger := a.cfg, a.logger

	db, err := a.openDB(ctx)
	if err != nil {
		return nil, err
	}
	s := &server{cfg: cfg, logger: logger, db: db, startedAt: time.Now()}

	if s.users, err = a.accessStore(db); err != nil {
		db.Close()
		return nil, err
	}
	s.reports, err = feedback.New(feedback.Config{
		DB:       db,
		UserIDFn: func(r *http.Request) string { return kit.GetUserID(r.Context()) },
		Logger:   logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	s.pipe = docpipe.New(docpipe.Config{
		MaxFileSize: cfg.Limits.MaxFileBytes,
		Root:        cfg.WorkDir,
		Logger:      logger,
	})
	s.audit = observability.NewAuditLogger(db, auditBuffer, observability.WithAuditLogger(logger))
	s.stack, s.guards = shield.DefaultStack(db, logger, "/healthz", "/api/maintenance")

	s.bot, err = bot.New(bot.Config{
		Access:          s.users,
		Pipeline:        s.pipe,
		Audit:           s.audit,
		Feedback:        s.reports,
		Maintenance:     s.guards.Maintenance,
		Notify:          func(ctx context.Context, msg channels.Message) error { return s.disp.Send(ctx, msg) },
		WorkDir:         cfg.WorkDir,
		PreviewContacts: cfg.Limits.PreviewContacts,
		MaxFiles:        cfg.Limits.MaxMergeFiles,
		IdleTimeout:     cfg.Session.IdleTimeout,
		Logger:          logger,
	})
	if err != nil {
		s.audit.Close()
		db.Close()
		return nil, err
	}

	inbox := filepath.Join(cfg.WorkDir, "inbox")
	s.disp = channels.NewDispatcher(s.bot.Handle, channels.WithLogger(logger))
	s.disp.RegisterPlatform(channels.PlatformTelegram, channels.TelegramFactory(channels.TelegramOptions{
		DownloadDir: inbox,
		MaxFileSize: cfg.Limits.MaxFileBytes,
		Logger:      logger,
	}))
	s.disp.RegisterPlatform(channels.PlatformWebhook, channels.WebhookFactory(channels.WebhookOptions{
		DownloadDir: inbox,
		MaxFileSize: cfg.Limits.MaxFileBytes,
	}))

	s.admin = channels.NewAdmin(db)
	s.admin.OnChange = func(ctx context.Context) error { return s.disp.Reload(ctx, db) }
	return s, nil
}

// bootstrapTelegram upserts the "telegram" channel row from the
// configuration. The environment variable is referenced by name so the
// token never lands in the database.
func (s *server) bootstrapTelegram(ctx context.Context) error {
	tc := channels.TelegramConfig{PollTimeout: int(s.cfg.Telegram.PollTimeout / time.Second)}
	switch {
	case envSet(config.EnvTelegramToken):
		tc.TokenEnv = config.EnvTelegramToken
	case s.cfg.Telegram.Token != "":
		tc.BotToken = s.cfg.Telegram.Token
	default:
		s.logger.Warn("vcfbot: no telegram token configured, relying on existing channel rows")
		return nil
	}
	raw, err := json.Marshal(tc)
	if err != nil {
		return err
	}
	if err := s.admin.UpsertChannel(ctx, telegramChannel, channels.PlatformTelegram, true, raw); err != nil {
		return fmt.Errorf("bootstrap telegram channel: %w", err)
	}
	return nil
}

func (a *app) serve(ctx context.Context) error {
	s, err := a.newServer(ctx)
	if err != nil {
		return err
	}
	defer s.db.Close()
	defer s.audit.Close()

	if err := s.bootstrapTelegram(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.disp.Watch(ctx, s.db, watchInterval) })
	g.Go(func() error {
		return observability.NewHeartbeatWriter(s.db, heartbeatName, heartbeatInterval).Run(ctx)
	})
	g.Go(func() error {
		s.guards.Run(ctx, guardInterval)
		return nil
	})
	g.Go(func() error {
		s.housekeeping(ctx)
		return nil
	})
	if s.cfg.HTTP.Addr != "" {
		g.Go(func() error { return s.listen(ctx) })
	}

	s.logger.Info("vcfbot: started",
		"db", s.cfg.DBPath,
		"work_dir", s.cfg.WorkDir,
		"http", s.cfg.HTTP.Addr,
		"owner", s.cfg.OwnerID,
	)
	err = g.Wait()
	s.logger.Info("vcfbot: stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// housekeeping expires idle sessions every minute and applies retention
// every hour.
func (s *server) housekeeping(ctx context.Context) {
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if n := s.bot.Sweep(); n > 0 {
				s.logger.Debug("vcfbot: idle sessions expired", "count", n)
			}
		case <-cleanup.C:
			s.cleanup(ctx)
		}
	}
}

func (s *server) cleanup(ctx context.Context) {
	if _, err := s.bot.CleanWorkDir(workFileAge(s.cfg.Session.IdleTimeout)); err != nil {
		s.logger.Warn("vcfbot: work dir cleanup", "error", err)
	}
	res, err := observability.Cleanup(ctx, s.db, observability.RetentionConfig{
		AuditDays:      s.cfg.Retention.AuditDays,
		EventDays:      s.cfg.Retention.AuditDays,
		HeartbeatsDays: 1,
	})
	if err != nil {
		s.logger.Warn("vcfbot: retention cleanup", "error", err)
	} else {
		s.logger.Debug("vcfbot: retention cleanup", "result", res)
	}
	if _, err := s.reports.Cleanup(ctx, s.cfg.Retention.FeedbackDays); err != nil {
		s.logger.Warn("vcfbot: feedback cleanup", "error", err)
	}
}

// workFileAge keeps uploads at least as long as a session may hold them.
func workFileAge(idle time.Duration) time.Duration {
	return max(minWorkFileAge, 2*idle)
}

func (s *server) listen(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTP.Addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("vcfbot: http listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("vcfbot: http shutdown", "error", err)
	}
	return nil
}
