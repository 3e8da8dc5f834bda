package offlinecache

import (
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/offline-cache/offline-cache/cache"
	serializer "github.com/offline-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// ErrorKind classifies non-fatal failures surfaced through the
// Config.OnNonFatalError hook.
type ErrorKind string

const (
	ErrorKindInstall    ErrorKind = "install-fetch"
	ErrorKindCleanup    ErrorKind = "activate-cleanup"
	ErrorKindCacheRead  ErrorKind = "cache-read"
	ErrorKindCacheWrite ErrorKind = "cache-write"
	ErrorKindNetwork    ErrorKind = "network"
)

const defaultNetworkTimeout = 10 * time.Second

type Config struct {
	// Storage for cache entries.
	Store cache.CacheStore
	// URL of the origin server the engine fronts.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Fetcher used for all network reads.
	// An OriginFetcher for OriginURL is used if nil.
	Fetcher Fetcher
	// Cache version. Bumping it is the sole mechanism for invalidating
	// all prior-version namespaces at the next activation.
	Version string
	// Classification rules. DefaultRules are used if zero.
	Rules RulesConfig
	// Root-relative paths pre-fetched into the static namespace
	// at install time.
	PrecacheManifest []string
	// Root-relative path of the document served to navigations when
	// everything else has failed. Should be part of PrecacheManifest.
	OfflineFallbackPath string
	// How long networkFirst waits for the network. Defaults to 10s.
	NetworkTimeout time.Duration
	// Hold the installed version in the waiting state until a
	// force-activate control message arrives.
	WaitBeforeActivate bool
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Optional hook invoked for non-fatal failures (install fetches,
	// namespace cleanup, cache reads and writes, background refreshes).
	OnNonFatalError func(kind ErrorKind, err error)
	// Current-time source, for tests. time.Now if nil.
	Clock func() time.Time
}

// Engine intercepts requests for the site it fronts and decides, per
// request class, whether to serve from cache, race the network, or
// blend both. It implements the http.Handler interface.
type Engine struct {
	store          cache.CacheStore
	fetcher        Fetcher
	router         Router
	version        string
	manifest       []string
	offlinePath    string
	networkTimeout time.Duration
	waitOnInstall  bool
	clock          func() time.Time
	onNonFatal     func(ErrorKind, error)
	log            zerolog.Logger
	state          atomic.Int32
}

// CreateEngine initializes the caching engine.
// The engine does not intercept anything until it has been installed
// and activated, see Install.
func CreateEngine(config Config) (*Engine, error) {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("version", config.Version).
		Logger()

	rules := config.Rules
	if len(rules.FontHosts) == 0 && len(rules.APIPrefixes) == 0 &&
		len(rules.ImageExtensions) == 0 && len(rules.ScriptExtensions) == 0 {
		rules = DefaultRules()
	}
	router, err := newRouter(config.OriginURL.Hostname(), rules)
	if err != nil {
		return nil, err
	}

	fetcher := config.Fetcher
	if fetcher == nil {
		fetcher = NewOriginFetcher(config.OriginURL, config.OriginHost)
	}

	timeout := config.NetworkTimeout
	if timeout == 0 {
		timeout = defaultNetworkTimeout
	}

	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}

	e := &Engine{
		store:          config.Store,
		fetcher:        fetcher,
		router:         router,
		version:        config.Version,
		manifest:       config.PrecacheManifest,
		offlinePath:    config.OfflineFallbackPath,
		networkTimeout: timeout,
		waitOnInstall:  config.WaitBeforeActivate,
		clock:          clock,
		onNonFatal:     config.OnNonFatalError,
		log:            logger,
	}
	return e, nil
}

// namespace returns the versioned namespace identifier for a class.
func (e *Engine) namespace(class Class) string {
	return e.version + "-" + string(class)
}

// ServeHTTP implements the http.Handler interface.
// It is the main entry point for the caching engine.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !e.active() {
		e.bypass(w, r)
		return
	}
	decision, ok := e.router.Classify(r)
	if !ok {
		e.bypass(w, r)
		return
	}

	namespace := e.namespace(decision.Class)
	cs := CacheStatus{}
	var res *http.Response
	var err error
	switch decision.Strategy {
	case StrategyCacheFirst:
		res, err = e.cacheFirst(r, namespace, decision.MaxAge, &cs)
	case StrategyNetworkFirst:
		res, err = e.networkFirst(r, namespace, decision.MaxAge, &cs)
	case StrategyStaleWhileRevalidate:
		res, err = e.staleWhileRevalidate(r, namespace, &cs)
	}
	if err != nil {
		e.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not get response")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	e.send(w, r, res, cs)
}

func (e *Engine) send(w http.ResponseWriter, r *http.Request, res *http.Response, cs CacheStatus) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.Header().Add("Cache-Status", cs.String())
	w.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		e.log.Error().Err(err).Msg("Could not write response body to client")
	}
	e.logRequest(r, cs)
	e.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

// bypass serves the request from the network without touching the cache.
func (e *Engine) bypass(w http.ResponseWriter, r *http.Request) {
	e.log.Trace().Msgf("bypassing %s", r.URL.String())
	cs := CacheStatus{}
	cs.Forward(CacheStatusFwdBypass)
	res, err := e.fetcher.Fetch(r)
	if err != nil {
		e.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not get response")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	e.send(w, r, res, cs)
}

// lookup reads and deserializes a cache entry. Entries that cannot be
// deserialized anymore are purged so they do not get in the way again.
func (e *Engine) lookup(namespace, key string) (*http.Response, bool) {
	bytes, ok, err := e.store.Get(namespace, key)
	if err != nil {
		e.nonFatal(ErrorKindCacheRead, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	res, err := serializer.BytesToResponse(bytes)
	if err != nil {
		e.nonFatal(ErrorKindCacheRead, err)
		e.store.Purge(namespace, key)
		return nil, false
	}
	return res, true
}

// storeResponse writes the response into the namespace, stamped with
// the current cache date. The response body stays readable afterwards.
// Write failures are non-fatal: cache entries are best-effort
// acceleration, not a source of truth.
func (e *Engine) storeResponse(namespace, key string, res *http.Response) {
	bytes, err := serializer.StampedResponseToBytes(res, e.clock())
	if err != nil {
		e.nonFatal(ErrorKindCacheWrite, err)
		return
	}
	e.log.Trace().Str("key", key).Str("namespace", namespace).Msg("Writing to cache")
	if err := e.store.Put(namespace, key, bytes); err != nil {
		e.nonFatal(ErrorKindCacheWrite, err)
	}
}

func (e *Engine) nonFatal(kind ErrorKind, err error) {
	e.log.Warn().Err(err).Str("kind", string(kind)).Msg("Non-fatal failure")
	if e.onNonFatal != nil {
		e.onNonFatal(kind, err)
	}
}

func (e *Engine) logRequest(r *http.Request, cs CacheStatus) {
	isHit := 0
	if cs.hit {
		isHit = 1
	}
	e.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("fwd", string(cs.fwdReason)).
		Int("hit", isHit).
		Msg("Sending response to client")
}

// copyHeader copies the headers from one http.Header to another.
func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}
