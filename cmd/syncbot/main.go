package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/cfg"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/checkout"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/generator"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/githubclt"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/logfields"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/provider/github"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/retry"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/sandbox"
	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/syncbot"
)

const appName = "syncbot"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught, terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

func startHTTPSServer(listenAddr string, certFile, keyFile string, mux *http.ServeMux) {
	httpsServer := http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating https server",
			logfields.Event("https_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpsServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down https server failed",
				logfields.Event("https_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"https server started",
			logfields.Event("https_server_started"),
			zap.String("listen_addr", listenAddr),
		)

		err := httpsServer.ListenAndServeTLS(certFile, keyFile)
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("https server terminated", logfields.Event("https_server_terminated"))
			return
		}

		logger.Fatal(
			"https server terminated unexpectedly",
			logfields.Event("https_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

func startHTTPServer(listenAddr string, mux *http.ServeMux) {
	httpServer := http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating http server",
			logfields.Event("http_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down http server failed",
				logfields.Event("http_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"http server started",
			logfields.Event("http_server_started"),
			zap.String("listen_addr", listenAddr),
		)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("http server terminated", logfields.Event("http_server_terminated"))
			return
		}

		logger.Fatal(
			"http server terminated unexpectedly",
			logfields.Event("http_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	ShowVersion *bool
}

var args arguments

const defConfigFile = "/etc/syncbot/config.toml"

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			defConfigFile,
			"path to the syncbot configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nMirror the pull request lifecycle of a source repository into a generated repository.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	file, err := os.Open(*args.ConfigFile)
	exitOnErr("could not open configuration file", err)
	defer file.Close()

	config, err := cfg.Load(file)
	if err != nil {
		exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)
	}

	exitOnErr("configuration is invalid", config.Validate())

	return config
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig(config)

	logger := zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stdout,
		logLevel),
	)

	return logger
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig(config)
	cfg.OutputPaths = []string{"stdout"}
	cfg.Encoding = config.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else {
		if err := (&logLevel).Set(config.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s\n", config.LogLevel, err)
			os.Exit(2)
		}
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

func mustNewGithubClient(config *cfg.Config) *githubclt.Client {
	if config.GithubAppID != 0 {
		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		client, err := githubclt.NewAppClient(
			ctx,
			config.GithubAppID,
			config.GithubAppPrivateKeyFile,
			config.Sync.DownstreamOwner,
			config.Sync.DownstreamRepository,
		)
		exitOnErr("could not authenticate as github app", err)

		return client
	}

	return githubclt.New(config.GithubAPIToken)
}

// sandboxBuilder and checkoutManager adapt the concrete types to the
// collaborator interfaces of the syncer.
type sandboxBuilder struct {
	builder *sandbox.Builder
}

func (b *sandboxBuilder) Build(ctx context.Context, cloneURL, commit string) (syncbot.Sandbox, error) {
	sb, err := b.builder.Build(ctx, cloneURL, commit)
	if err != nil {
		return nil, err
	}

	return sb, nil
}

type checkoutManager struct {
	manager *checkout.Manager
}

func (m *checkoutManager) Open(ctx context.Context, url, branch, defaultBranch, username, password string) (syncbot.Checkout, error) {
	co, err := m.manager.Open(ctx, url, branch, defaultBranch, username, password)
	if err != nil {
		return nil, err
	}

	return co, nil
}

func mustNewSyncer(config *cfg.Config, githubClient *githubclt.Client) *syncbot.Syncer {
	var opts []syncbot.Opt

	opts = append(opts, syncbot.WithWorkflowDeferFunc(panicHandler))

	if config.Sync.FilterQuery != "" {
		filterOpt, err := syncbot.WithEventFilter(config.Sync.FilterQuery)
		exitOnErr("could not parse filter_query from configuration file", err)

		opts = append(opts, filterOpt)
	}

	return syncbot.New(&syncbot.Params{
		SourceRepositoryID: config.Sync.SourceRepositoryID,
		SourceOwner:        config.Sync.SourceOwner,
		SourceRepo:         config.Sync.SourceRepository,
		DownstreamOwner:    config.Sync.DownstreamOwner,
		DownstreamRepo:     config.Sync.DownstreamRepository,
		DownstreamCloneURL: config.Sync.DownstreamCloneURL,
		BaseBranch:         config.Sync.BaseBranch,
		GithubClient:       githubClient,
		Retryer:            retry.NewRetryer(),
		Sandboxes: &sandboxBuilder{
			builder: sandbox.NewBuilder(config.Sync.PythonBin, ""),
		},
		Checkouts: &checkoutManager{
			manager: checkout.NewManager("", appName, appName+"@users.noreply.github.com"),
		},
		Generator: generator.NewInvoker(
			config.Sync.RequirementsFile,
			config.Sync.GeneratorEntrypoint,
		),
		Workers: uint(config.Sync.Workers),
	}, opts...)
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	config := mustParseCfg()

	mustInitLogger(config)

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("http_server_listen_addr", config.HTTPListenAddr),
		zap.String("https_server_listen_addr", config.HTTPSListenAddr),
		zap.String("github_webhook_endpoint", config.HTTPGithubWebhookEndpoint),
		zap.String("github_webhook_secret", hide(config.GithubWebHookSecret)),
		zap.String("github_api_token", hide(config.GithubAPIToken)),
		zap.Int64("github_app_id", config.GithubAppID),
		zap.String("log_format", config.LogFormat),
		zap.String("log_time_key", config.LogTimeKey),
		zap.String("log_level", config.LogLevel),
		zap.Int64("sync_source_repository_id", config.Sync.SourceRepositoryID),
		zap.String("sync_source_repository", config.Sync.SourceOwner+"/"+config.Sync.SourceRepository),
		zap.String("sync_downstream_repository", config.Sync.DownstreamOwner+"/"+config.Sync.DownstreamRepository),
		zap.String("sync_base_branch", config.Sync.BaseBranch),
		zap.Int("sync_workers", config.Sync.Workers),
	)

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	if config.HTTPListenAddr == "" && config.HTTPSListenAddr == "" {
		fmt.Fprintln(os.Stderr, "https_server_listen_addr or http_server_listen_addr must be defined in the config file, both are unset")
		os.Exit(1)
	}

	githubClient := mustNewGithubClient(config)

	syncer := mustNewSyncer(config, githubClient)
	syncer.Start()

	goodbye.Register(func(context.Context, os.Signal) {
		logger.Debug(
			"stopping syncer",
			logfields.Event("syncer_stopping"),
		)

		syncer.Stop()
	})

	gh := github.New(
		syncer.C(),
		github.WithPayloadSecret(config.GithubWebHookSecret),
	)

	mux := http.NewServeMux()

	mux.HandleFunc(config.HTTPGithubWebhookEndpoint, gh.HTTPHandler)
	logger.Info(
		"registered github webhook event http endpoint",
		logfields.Event("github_http_handler_registered"),
		zap.String("endpoint", config.HTTPGithubWebhookEndpoint),
	)

	if config.HTTPMetricsEndpoint != "" {
		mux.Handle(config.HTTPMetricsEndpoint, promhttp.Handler())
		logger.Info(
			"registered metrics http endpoint",
			logfields.Event("metrics_http_handler_registered"),
			zap.String("endpoint", config.HTTPMetricsEndpoint),
		)
	}

	if config.HTTPListenAddr != "" {
		startHTTPServer(config.HTTPListenAddr, mux)
	}

	if config.HTTPSListenAddr != "" {
		startHTTPSServer(
			config.HTTPSListenAddr,
			config.HTTPSCertFile,
			config.HTTPSKeyFile,
			mux,
		)
	}

	select {}
}
