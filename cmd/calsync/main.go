package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"calsync/internal/access"
	"calsync/internal/calsync"
	"calsync/internal/config"
	"calsync/internal/ics"
	"calsync/internal/lock"
	appLog "calsync/internal/log"
	"calsync/internal/notify"
	"calsync/internal/reconcile"
	"calsync/internal/scheduler"
	"calsync/internal/store"
	"calsync/internal/web"
)

type flagConfig struct {
	configPath string
	listen     string
	once       bool

	issueToken string // role to mint a token for
	company    string
	tokenTTL   time.Duration
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	appLog.Info("calsync starting", "version", "0.1.0")

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	if flags.issueToken != "" {
		if err := printToken(conf, flags); err != nil {
			appLog.Error("failed to issue token", err)
			os.Exit(1)
		}
		return
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"database", conf.Database.Driver,
		"sync_cron", conf.Sync.Cron,
		"redis", conf.Redis.URL != "",
		"kafka_brokers", len(conf.Kafka.Brokers),
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, flags); err != nil {
		appLog.Error("calsync stopped with error", err)
		os.Exit(1)
	}
	appLog.Info("calsync exiting")
}

func run(ctx context.Context, conf *config.Config, flags flagConfig) error {
	repo, err := openStore(conf)
	if err != nil {
		return err
	}

	var locker lock.Locker
	if conf.Redis.URL != "" {
		client, err := lock.DialRedis(ctx, conf.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()
		locker = lock.NewRedis(client, conf.Redis.LockTTL)
	}

	var publisher notify.Publisher = notify.Nop{}
	if len(conf.Kafka.Brokers) > 0 {
		k, err := notify.NewKafka(conf.Kafka.Brokers, conf.Kafka.Topic)
		if err != nil {
			return err
		}
		publisher = k
	}
	defer publisher.Close()

	fetcher := ics.NewFetcher(conf.Sync.CacheDir, conf.Sync.FetchTimeout, conf.Sync.RetryDelay)
	engine := reconcile.New(repo, reconcile.Options{
		AttributionWindow: conf.Sync.AttributionWindow,
		Location:          conf.Location(),
	})
	svc := calsync.New(repo, engine, fetcher, locker, publisher)

	if flags.once {
		sum := svc.SyncAll(ctx)
		if sum.Failed > 0 {
			return fmt.Errorf("%d of %d sources failed", sum.Failed, sum.Sources)
		}
		return nil
	}

	var sched scheduler.Scheduler = scheduler.NewCron(conf.Location())
	if err := sched.Schedule(conf.Sync.Cron, func() { svc.SyncAll(ctx) }); err != nil {
		return fmt.Errorf("schedule sync: %w", err)
	}
	sched.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sched.Stop(stopCtx); err != nil {
			appLog.Warn("scheduled sync still running at shutdown", "err", err)
		}
	}()

	srv := web.NewServer(svc, web.NewAuthenticator(conf.Auth.JWTSecret))
	return srv.ListenAndServe(ctx, conf.Listen)
}

func openStore(conf *config.Config) (store.Repository, error) {
	switch conf.Database.Driver {
	case "memory":
		appLog.Warn("using in-memory store; data is lost on exit")
		return store.NewMemory(), nil
	default:
		return store.OpenPostgres(conf.Database.DSN)
	}
}

// printToken mints a bearer token for local use.
func printToken(conf *config.Config, flags flagConfig) error {
	company, err := uuid.Parse(flags.company)
	if err != nil {
		return fmt.Errorf("-company must be a UUID: %w", err)
	}
	auth := web.NewAuthenticator(conf.Auth.JWTSecret)
	tok, err := auth.Issue(access.Principal{
		UserID:    uuid.New(),
		CompanyID: company,
		Role:      access.ParseRole(flags.issueToken),
	}, flags.tokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/calsync/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Refresh every URL-backed calendar once and exit")
	flag.StringVar(&cfg.issueToken, "issue-token", "", "Print a bearer token for the given role and exit")
	flag.StringVar(&cfg.company, "company", "", "Company ID for -issue-token")
	flag.DurationVar(&cfg.tokenTTL, "token-ttl", 24*time.Hour, "Lifetime of a token from -issue-token")

	flag.Parse()

	return cfg
}
