package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	offlineworker "github.com/always-cache/offline-worker"
	"github.com/always-cache/offline-worker/cache"
	"github.com/always-cache/offline-worker/pkg/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	portFlag           int
	originFlag         string
	addrFlag           string
	hostFlag           string
	scopeFlag          string
	configFilenameFlag string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.StringVar(&scopeFlag, "scope", "", "Public URL of the app (default http://localhost:<port>)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&configFilenameFlag, "config", "", "YAML config file")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	shutdownTracing, err := telemetry.Setup(context.Background(), "offline-worker", version)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not set up tracing")
	}
	defer shutdownTracing(context.Background())

	config, err := offlineworker.LoadConfig(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}

	// get the origin server address
	if originFlag != "" {
		config.Origin = originFlag
	} else if addrFlag != "" {
		config.Origin = "https://" + addrFlag
		config.OriginHost = hostFlag
	}
	if scopeFlag != "" {
		config.Scope = scopeFlag
	} else if config.Scope == offlineworker.DefaultConfig().Scope {
		config.Scope = fmt.Sprintf("http://localhost:%d", portFlag)
	}

	// set up sqlite storage
	dbFilename := dbFilenameFlag
	if dbFilename == "memory" {
		dbFilename = cache.MemoryDSN
	}
	storage, err := cache.NewSQLiteStorage(dbFilename)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache db")
	}
	defer storage.Close()

	config.Storage = storage
	config.Logger = &log.Logger
	rt, err := offlineworker.CreateRuntime(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create runtime")
	}
	// a failed installation is retried on the next request
	if err := rt.Register(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Worker not installed")
	}

	log.Info().Msgf("Serving %s on port %v from %s", config.Scope, portFlag, config.Origin)
	err = http.ListenAndServe(fmt.Sprintf(":%d", portFlag), rt.Handler())

	if err != nil {
		panic(err)
	}
}
