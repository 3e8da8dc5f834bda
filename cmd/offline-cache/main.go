package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	offlinecache "github.com/offline-cache/offline-cache"
	"github.com/offline-cache/offline-cache/cache"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag  string
	portFlag            int
	originFlag          string
	hostFlag            string
	providerFlag        string
	dbFilenameFlag      string
	redisURLFlag        string
	cacheVersionFlag    string
	waitForActivateFlag bool
	verbosityTraceFlag  bool
	logFilenameFlag     string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to front (overrides config)")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&providerFlag, "provider", "sqlite", "Cache store to use: sqlite, memory or redis")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name for the sqlite store")
	flag.StringVar(&redisURLFlag, "redis-url", "redis://localhost:6379", "Redis URL for the redis store")
	flag.StringVar(&cacheVersionFlag, "cache-version", "", "Cache version tag (overrides config)")
	flag.BoolVar(&waitForActivateFlag, "wait", false, "Wait for a force-activate control message after install")
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

	var fileConfig FileConfig
	if configFilenameFlag != "" {
		var err error
		fileConfig, err = getConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot read config file")
		}
	}

	origin := fileConfig.Origin
	if originFlag != "" {
		origin = originFlag
	}
	if origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot parse origin URL")
	}

	cacheVersion := fileConfig.Version
	if cacheVersionFlag != "" {
		cacheVersion = cacheVersionFlag
	}
	if cacheVersion == "" {
		log.Fatal().Msg("Please specify cache version")
	}

	rules, err := fileConfig.rules()
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot parse max ages")
	}

	networkTimeout := time.Duration(0)
	if fileConfig.NetworkTimeout != "" {
		if networkTimeout, err = time.ParseDuration(fileConfig.NetworkTimeout); err != nil {
			log.Fatal().Err(err).Msg("Cannot parse network timeout")
		}
	}

	// use configured provider, fail if none matches
	var store cache.CacheStore
	switch providerFlag {
	case "sqlite":
		dbFilename := dbFilenameFlag
		if dbFilename == "memory" {
			dbFilename = "file::memory:?cache=shared"
		}
		store = cache.NewSQLiteStore(dbFilename)
	case "memory":
		store = cache.NewMemStore()
	case "redis":
		redisStore, err := cache.NewRedisStore(redisURLFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot connect to redis")
		}
		store = redisStore
	default:
		log.Fatal().Msgf("Unsupported cache store: %s", providerFlag)
	}

	engine, err := offlinecache.CreateEngine(offlinecache.Config{
		Store:               store,
		OriginURL:           *originURL,
		OriginHost:          hostFlag,
		Version:             cacheVersion,
		Rules:               rules,
		PrecacheManifest:    fileConfig.PrecacheManifest,
		OfflineFallbackPath: fileConfig.OfflineFallbackPath,
		NetworkTimeout:      networkTimeout,
		WaitBeforeActivate:  waitForActivateFlag,
		Logger:              &log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot create engine")
	}

	if err := engine.Install(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Install aborted")
	}

	r := chi.NewRouter()
	r.Post("/-/control", controlHandler(engine))
	r.Handle("/*", engine)

	addr := fmt.Sprintf(":%d", portFlag)
	log.Info().Msgf("Listening on %s", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func controlHandler(engine *offlinecache.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg offlinecache.ControlMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "Cannot decode control message", http.StatusBadRequest)
			return
		}
		if err := engine.Control(msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}
