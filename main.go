package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/IliaW/url-watcher/config"
	"github.com/IliaW/url-watcher/internal/aws_sqs"
	"github.com/IliaW/url-watcher/internal/broker"
	cacheClient "github.com/IliaW/url-watcher/internal/cache"
	"github.com/IliaW/url-watcher/internal/detector"
	"github.com/IliaW/url-watcher/internal/fetcher"
	"github.com/IliaW/url-watcher/internal/filter"
	"github.com/IliaW/url-watcher/internal/notifier"
	"github.com/IliaW/url-watcher/internal/persistence"
	"github.com/IliaW/url-watcher/internal/worker"
	"github.com/go-sql-driver/mysql"
	"github.com/lmittmann/tint"
)

var (
	cfg          *config.Config
	log          *slog.Logger
	logFile      *os.File
	db           *sql.DB
	cache        cacheClient.CachedClient
	snapshotRepo persistence.SnapshotStorage
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg = config.MustLoad()
	log = setupLogger()
	defer closeLogFile()

	if cfg.SnapshotSettings.Backend == "mysql" {
		db = setupDatabase()
		defer closeDatabase()
		snapshotRepo = persistence.NewSnapshotRepository(db, log)
	} else {
		snapshotRepo = persistence.NewFileRepository(cfg.SnapshotSettings.Path, log)
	}
	if cfg.CacheEnabled() {
		mc, err := cacheClient.NewMemcachedClient(cfg.CacheSettings, log)
		if err != nil {
			log.Error("failed to connect to memcached.", slog.String("err", err.Error()))
			return 1
		}
		cache = mc
		defer cache.Close()
	}
	httpClient := setupHttpClient()

	transports, closeTransports, err := setupTransports(ctx, httpClient)
	if err != nil {
		log.Error("failed to set up notification transports.", slog.String("err", err.Error()))
		return 1
	}
	defer closeTransports()
	if len(transports) == 0 {
		log.Warn("no notification transport configured, changes are only written to the audit files.")
	}

	artefacts, err := filter.NewArtefactFilter(cfg.Artefacts)
	if err != nil {
		log.Error("invalid artefact pattern.", slog.String("err", err.Error()))
		return 1
	}

	targets := cfg.WatchTargets()
	log.Info("starting url watcher.", slog.String("service", cfg.ServiceName), slog.String("version", cfg.Version),
		slog.String("env", cfg.Env), slog.Int("urls", len(targets)), slog.Duration("interval", cfg.Interval()))

	errChan := make(chan error, 1)
	panicChan := make(chan struct{}, 1)
	watchWorker := &worker.WatchWorker{
		Targets:   targets,
		Interval:  cfg.Interval(),
		PanicChan: panicChan,
		Fetcher:   fetcher.NewHttpFetcher(httpClient, cfg.HttpClientSettings.UserAgent, log),
		Detector:  detector.New(artefacts),
		Db:        snapshotRepo,
		Notifier:  notifier.New(cfg.MailSettings, cfg.AuditDir, log, transports...),
		Cache:     cache,
		Log:       log,
	}

	wg := &sync.WaitGroup{}
	runWorker := func() {
		defer wg.Done()
		if err := watchWorker.Run(ctx); err != nil {
			errChan <- err
		}
	}
	wg.Add(1)
	go runWorker()
	// Restart the worker if it panics.
	go func() {
		for range panicChan {
			select {
			case <-ctx.Done():
				return
			case <-time.After(cfg.RestartTimeout): // avoid polluting logs if something unrecoverable happened
			}
			log.Info("restarting watch worker.")
			wg.Add(1)
			go runWorker()
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("stopping url watcher...")
		wg.Wait()
		return 0
	case err = <-errChan:
		log.Error("watch worker failed.", slog.String("err", err.Error()))
		return 1
	}
}

func setupLogger() *slog.Logger {
	resolvedLogLevel := func() slog.Level {
		envLogLevel := strings.ToLower(cfg.LogLevel)
		switch envLogLevel {
		case "info":
			return slog.LevelInfo
		case "warn":
			return slog.LevelWarn
		case "error":
			return slog.LevelError
		default:
			return slog.LevelDebug
		}
	}

	replaceAttrs := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			slog.Error("can't open log file.", slog.String("file", cfg.LogFile), slog.String("err", err.Error()))
			os.Exit(1)
		}
		logFile = f
		out = io.MultiWriter(os.Stdout, f)
	}

	var logger *slog.Logger
	if strings.ToLower(cfg.LogType) == "json" {
		logger = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
			AddSource:   true,
			Level:       resolvedLogLevel(),
			ReplaceAttr: replaceAttrs}))
	} else {
		logger = slog.New(tint.NewHandler(out, &tint.Options{
			AddSource:   true,
			Level:       resolvedLogLevel(),
			ReplaceAttr: replaceAttrs,
			NoColor:     logFile != nil}))
	}

	slog.SetDefault(logger)
	logger.Debug("debug messages are enabled.")

	return logger
}

func closeLogFile() {
	if logFile == nil {
		return
	}
	if err := logFile.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close log file: %v\n", err)
	}
}

// setupDatabase opens the snapshot database and waits for it with a linear backoff of 5s per attempt.
func setupDatabase() *sql.DB {
	log.Info("connecting to the database...", slog.String("host", cfg.DbSettings.Host),
		slog.String("name", cfg.DbSettings.Name))
	sqlCfg := mysql.NewConfig()
	sqlCfg.User = cfg.DbSettings.User
	sqlCfg.Passwd = cfg.DbSettings.Password
	sqlCfg.Net = "tcp"
	sqlCfg.Addr = net.JoinHostPort(cfg.DbSettings.Host, cfg.DbSettings.Port)
	sqlCfg.DBName = cfg.DbSettings.Name
	sqlCfg.AllowNativePasswords = true
	database, err := sql.Open("mysql", sqlCfg.FormatDSN())
	if err != nil {
		log.Error("failed to establish database connection.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	database.SetConnMaxLifetime(cfg.DbSettings.ConnMaxLifetime)
	database.SetMaxOpenConns(cfg.DbSettings.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DbSettings.MaxIdleConns)

	attempts := max(cfg.DbSettings.PingRetries, 1)
	for i := 1; ; i++ {
		pingErr := database.Ping()
		if pingErr == nil {
			break
		}
		log.Error("database not responding.", slog.String("attempt", fmt.Sprintf("%d/%d", i, attempts)),
			slog.String("err", pingErr.Error()))
		if i == attempts {
			log.Error("failed to establish database connection.")
			os.Exit(1)
		}
		time.Sleep(time.Duration(5*i) * time.Second)
	}
	log.Info("connected to the database!")

	return database
}

func closeDatabase() {
	log.Info("closing database connection.")
	err := db.Close()
	if err != nil {
		log.Error("failed to close database connection.", slog.String("err", err.Error()))
	}
}

func setupHttpClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.HttpClientSettings.MaxIdleConnections,
		MaxConnsPerHost:     cfg.HttpClientSettings.MaxIdleConnectionsPerHost,
		IdleConnTimeout:     cfg.HttpClientSettings.IdleConnectionTimeout,
		TLSHandshakeTimeout: cfg.HttpClientSettings.TlsHandshakeTimeout,
		DialContext: (&net.Dialer{
			Timeout:   cfg.HttpClientSettings.DialTimeout,
			KeepAlive: cfg.HttpClientSettings.DialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.HttpClientSettings.TlsInsecureSkipVerify,
		},
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.HttpClientSettings.RequestTimeout,
	}
}

// setupTransports builds every enabled transport. The returned func closes the ones holding connections.
func setupTransports(ctx context.Context, httpClient *http.Client) ([]notifier.Transport, func(), error) {
	var transports []notifier.Transport
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.EwsEnabled() {
		transports = append(transports, notifier.NewEwsTransport(cfg.EwsSettings, httpClient, log))
	}
	if cfg.SmtpEnabled() {
		transports = append(transports, notifier.NewSmtpTransport(cfg.SmtpSettings, log))
	}
	if cfg.KafkaEnabled() {
		kt := broker.NewKafkaTransport(cfg.KafkaSettings.Producer, log)
		transports = append(transports, kt)
		closers = append(closers, kt.Close)
	}
	if cfg.SQSEnabled() {
		st, err := aws_sqs.NewSQSTransport(ctx, cfg.SQSSettings, log)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		transports = append(transports, st)
	}

	return transports, closeAll, nil
}
