package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/stupiduntilnot/chatrelay/internal/admin"
	cmdpkg "github.com/stupiduntilnot/chatrelay/internal/commander"
	"github.com/stupiduntilnot/chatrelay/internal/config"
	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/control"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/dummy"
	"github.com/stupiduntilnot/chatrelay/internal/logging"
	"github.com/stupiduntilnot/chatrelay/internal/provider"
	"github.com/stupiduntilnot/chatrelay/internal/ratelimit"
	"github.com/stupiduntilnot/chatrelay/internal/relay"
	"github.com/stupiduntilnot/chatrelay/internal/router"
	"github.com/stupiduntilnot/chatrelay/internal/safety"
	"github.com/stupiduntilnot/chatrelay/internal/telegram"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := printAdminToken(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "[relay] %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.LoadRelayConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[relay] %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat, "relay")
	if err != nil {
		fmt.Fprintf(os.Stderr, "[relay] %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("relay stopped", "err", err)
		os.Exit(1)
	}
}

// printAdminToken mints a bearer token for the admin API from
// ADMIN_JWT_SECRET. The optional argument is the token subject.
func printAdminToken(args []string) error {
	subject := "admin"
	if len(args) > 0 {
		subject = args[0]
	}
	token, err := admin.NewToken([]byte(os.Getenv("ADMIN_JWT_SECRET")), subject, admin.DefaultTokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// app holds the long-lived components built from the configuration.
type app struct {
	cfg       config.RelayConfig
	logger    *slog.Logger
	db        *sql.DB
	processID *int64

	commander  cmdpkg.Commander
	keyed      map[string]keyedProvider
	router     *router.Router
	limiter    *ratelimit.Limiter
	store      *ctxpkg.Store
	filter     *safety.Filter
	handler    *relay.Handler
	circuit    *control.CircuitBreaker
	botName    string
	botCommand []cmdpkg.BotCommand
}

// keyedProvider is a provider whose credential can be replaced at runtime.
type keyedProvider interface {
	provider.Provider
	SetAPIKey(key string)
}

// botIdentity is implemented by commanders that can report and register the
// bot account.
type botIdentity interface {
	GetMe(ctx context.Context) (cmdpkg.User, error)
	SetMyCommands(ctx context.Context, commands []cmdpkg.BotCommand) error
}

func run(ctx context.Context, cfg config.RelayConfig, logger *slog.Logger) error {
	database, err := db.OpenDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.InitSchema(database); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	a, err := newApp(cfg, logger, database)
	if err != nil {
		return err
	}
	a.identify(ctx)
	a.handler = a.newHandler()

	var wg sync.WaitGroup
	a.startBackground(ctx, &wg)

	offset := a.startOffset(ctx)
	logger.Info("relay running",
		"provider", cfg.APIProvider,
		"available", a.router.AvailableProviders(),
		"commander", cfg.Commander,
		"bot", a.botName,
		"workers", cfg.Workers,
		"offset", offset,
	)

	a.pollLoop(ctx, offset)
	wg.Wait()

	if a.processID != nil {
		db.LogEvent(database, a.processID, db.EventProcessStopped, map[string]any{"pid": os.Getpid()}) //nolint:errcheck
	}
	logger.Info("relay stopped cleanly")
	return nil
}

func newApp(cfg config.RelayConfig, logger *slog.Logger, database *sql.DB) (*app, error) {
	a := &app{
		cfg:        cfg,
		logger:     logger,
		db:         database,
		keyed:      map[string]keyedProvider{},
		circuit:    control.NewCircuitBreaker(5, 30*time.Second),
		botCommand: relay.Commands,
	}

	id, err := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{
		"role":      "relay",
		"pid":       os.Getpid(),
		"provider":  cfg.APIProvider,
		"commander": cfg.Commander,
	})
	if err != nil {
		logger.Warn("failed to log process.started", "err", err)
	} else {
		a.processID = &id
	}

	providers, err := a.newProviders()
	if err != nil {
		return nil, fmt.Errorf("init providers: %w", err)
	}
	a.router = router.New(cfg.APIProvider, providers, router.WithLogger(logger))

	a.commander, err = newCommander(cfg)
	if err != nil {
		return nil, fmt.Errorf("init commander: %w", err)
	}

	a.limiter = ratelimit.New(ratelimit.Config{
		CooldownSeconds:    cfg.CooldownSeconds,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	}, ratelimit.WithLogger(logger))
	a.store = ctxpkg.NewStore(cfg.ContextLimit, ctxpkg.WithLogger(logger))
	a.filter = safety.NewFilter(cfg.EnableSafetyFilter, cfg.BannedWords, logger)
	return a, nil
}

func (a *app) newProviders() ([]provider.Provider, error) {
	if a.cfg.APIProvider == config.ProviderDummy {
		p, err := dummy.NewProvider(config.ProviderDummy, "dummy-model", a.cfg.DummyProviderScript)
		if err != nil {
			return nil, err
		}
		return []provider.Provider{p}, nil
	}

	opts := []provider.Option{provider.WithLogger(a.logger)}
	openrouter := provider.NewOpenRouter(a.cfg.OpenRouterAPIKey, a.cfg.Model, opts...)
	deepseek := provider.NewDeepSeek(a.cfg.DeepSeekAPIKey, opts...)
	a.keyed[openrouter.Name()] = openrouter
	a.keyed[deepseek.Name()] = deepseek
	return []provider.Provider{openrouter, deepseek}, nil
}

func newCommander(cfg config.RelayConfig) (cmdpkg.Commander, error) {
	if cfg.Commander == config.CommanderDummy {
		return dummy.NewCommander(cfg.DummyCommanderScript, cfg.DummySendScript)
	}
	// Long polls must outlive the server-side timeout.
	requestTimeout := time.Duration(cfg.Timeout+10) * time.Second
	return telegram.NewClient(telegram.BotBase(cfg.TelegramAPIBase, cfg.TelegramToken), requestTimeout), nil
}

// identify fetches the bot username used for mention and slash-command
// matching, and registers the command menu.
func (a *app) identify(ctx context.Context) {
	bot, ok := a.commander.(botIdentity)
	if !ok {
		return
	}
	me, err := bot.GetMe(ctx)
	if err != nil {
		a.logger.Warn("getMe failed; mentions will not be recognised", "err", err)
	} else {
		a.botName = me.Username
	}
	if err := bot.SetMyCommands(ctx, a.botCommand); err != nil {
		a.logger.Warn("setMyCommands failed", "err", err)
	}
}

func (a *app) newHandler() *relay.Handler {
	return relay.New(relay.Config{
		Prefix:         a.cfg.BotPrefix,
		ContextEnabled: a.cfg.EnableConversationContext,
		ContextLimit:   a.cfg.ContextLimit,
		SystemPrompt:   a.cfg.SystemPrompt,
		BotUsername:    a.botName,
	}, relay.Deps{
		Commander: a.commander,
		Router:    a.router,
		Limiter:   a.limiter,
		Filter:    a.filter,
		History:   a.store,
		DB:        a.db,
		ParentID:  a.processID,
		Logger:    a.logger,
	})
}

// startBackground launches the janitor, config watcher and admin API. Each
// stops when ctx is cancelled and is tracked by wg.
func (a *app) startBackground(ctx context.Context, wg *sync.WaitGroup) {
	if a.cfg.IdleTTLMinutes > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.janitor(ctx, time.Duration(a.cfg.IdleTTLMinutes)*time.Minute, time.Duration(a.cfg.IdleSweepSeconds)*time.Second)
		}()
	}

	if a.cfg.ConfigDir != "" {
		if _, err := os.Stat(a.cfg.ConfigDir); err == nil {
			w, err := config.NewWatcher(a.cfg.ConfigDir, config.DefaultDebounce, a.applyConfig, a.logger)
			if err != nil {
				a.logger.Warn("config hot reload disabled", "err", err)
			} else {
				wg.Add(1)
				go func() {
					defer wg.Done()
					w.Run(ctx)
				}()
			}
		}
	}

	if a.cfg.AdminAddr != "" {
		srv, err := admin.New(a.cfg.AdminJWTSecret, admin.Deps{
			Store:     a.store,
			Limiter:   a.limiter,
			Providers: a.router,
			Circuit:   a.circuit,
			DB:        a.db,
			ParentID:  a.processID,
			Logger:    a.logger,
		})
		if err != nil {
			a.logger.Error("admin api disabled", "err", err)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(ctx, a.cfg.AdminAddr); err != nil {
				a.logger.Error("admin api failed", "err", err)
			}
		}()
	}
}

// applyConfig re-applies the hot-reloadable settings: provider credentials
// and the safety filter.
func (a *app) applyConfig(cfg config.RelayConfig) {
	keys := map[string]string{
		config.ProviderOpenRouter: cfg.OpenRouterAPIKey,
		config.ProviderDeepSeek:   cfg.DeepSeekAPIKey,
	}
	for name, p := range a.keyed {
		p.SetAPIKey(keys[name])
	}
	a.filter.SetEnabled(cfg.EnableSafetyFilter)
	a.filter.SetWords(cfg.BannedWords)

	available := a.router.AvailableProviders()
	a.logger.Info("config reloaded", "available", available, "safety", cfg.EnableSafetyFilter)
	a.logEvent(db.EventConfigReloaded, map[string]any{
		"available": available,
		"safety":    cfg.EnableSafetyFilter,
		"words":     len(a.filter.Words()),
	})
}

func (a *app) janitor(ctx context.Context, ttl, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep(ttl)
		}
	}
}

func (a *app) sweep(ttl time.Duration) {
	conversations := a.store.EvictIdle(ttl)
	limits := a.limiter.EvictIdle(ttl)
	if conversations == 0 && limits == 0 {
		return
	}
	a.logger.Debug("evicted idle state", "conversations", conversations, "limiter_keys", limits)
	a.logEvent(db.EventIdleEvicted, map[string]any{
		"conversations": conversations,
		"limiter_keys":  limits,
	})
}

func (a *app) logEvent(eventType string, payload map[string]any) {
	if _, err := db.LogEvent(a.db, a.processID, eventType, payload); err != nil {
		a.logger.Warn("event log write failed", "event", eventType, "err", err)
	}
}
