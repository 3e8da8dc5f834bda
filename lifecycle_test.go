package offlinecache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/offline-cache/offline-cache/cache"
	serializer "github.com/offline-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// errorCollector records the non-fatal failures the engine surfaces.
type errorCollector struct {
	mu    sync.Mutex
	kinds []ErrorKind
}

func (c *errorCollector) hook(kind ErrorKind, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, kind)
}

func (c *errorCollector) seen(kind ErrorKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func newLifecycleEngine(t *testing.T, config Config) *Engine {
	t.Helper()
	if config.Store == nil {
		config.Store = cache.NewMemStore()
	}
	originURL, err := url.Parse("http://example.test")
	require.NoError(t, err)
	config.OriginURL = *originURL
	logger := zerolog.Nop()
	config.Logger = &logger
	engine, err := CreateEngine(config)
	require.NoError(t, err)
	return engine
}

func TestActivateDeletesPriorVersionNamespaces(t *testing.T) {
	store := cache.NewMemStore()
	for _, namespace := range []string{"v1-static", "v1-api", "v2-static", "v2-api"} {
		require.NoError(t, store.Put(namespace, "GET:/", []byte("entry")))
	}
	engine := newLifecycleEngine(t, Config{Store: store, Version: "v2"})

	engine.Activate()

	namespaces, err := store.Namespaces()
	require.NoError(t, err)
	sort.Strings(namespaces)
	assert.Equal(t, []string{"v2-api", "v2-static"}, namespaces)
	assert.True(t, engine.active())
}

func TestActivateLeavesForeignNamespacesAlone(t *testing.T) {
	store := cache.NewMemStore()
	for _, namespace := range []string{"v1-static", "sessions", "other-data"} {
		require.NoError(t, store.Put(namespace, "GET:/", []byte("entry")))
	}
	engine := newLifecycleEngine(t, Config{Store: store, Version: "v2"})

	engine.Activate()

	namespaces, err := store.Namespaces()
	require.NoError(t, err)
	sort.Strings(namespaces)
	// only identifiers with a recognized class suffix are collected
	assert.Equal(t, []string{"other-data", "sessions"}, namespaces)
}

// failingStore wraps a store and fails every namespace deletion.
type failingStore struct {
	cache.CacheStore
}

func (s failingStore) DeleteNamespace(namespace string) error {
	return errors.New("deletion refused")
}

func TestActivateCleanupFailureStillActivates(t *testing.T) {
	store := cache.NewMemStore()
	require.NoError(t, store.Put("v1-static", "GET:/", []byte("entry")))
	collector := &errorCollector{}
	engine := newLifecycleEngine(t, Config{
		Store:           failingStore{store},
		Version:         "v2",
		OnNonFatalError: collector.hook,
	})

	engine.Activate()

	assert.True(t, engine.active())
	assert.True(t, collector.seen(ErrorKindCleanup))
}

func TestInstallPrewarmsManifest(t *testing.T) {
	var mu sync.Mutex
	cacheControls := make(map[string]string)
	fetcher := &testFetcher{handler: func(r *http.Request) (*http.Response, error) {
		mu.Lock()
		cacheControls[r.URL.Path] = r.Header.Get("Cache-Control")
		mu.Unlock()
		return makeResponse(200, "asset "+r.URL.Path), nil
	}}
	manifest := []string{"/", "/offline.html", "/manifest.json", "/icons/icon-192.png"}
	engine := newLifecycleEngine(t, Config{
		Version:          "v1",
		Fetcher:          fetcher,
		PrecacheManifest: manifest,
	})

	require.NoError(t, engine.Install(context.Background()))

	assert.True(t, engine.active())
	for _, path := range manifest {
		req, _ := http.NewRequest("GET", path, nil)
		stored, ok := engine.lookup(engine.namespace(ClassStatic), requestKey(req))
		require.True(t, ok, "missing pre-warmed entry for %s", path)
		assert.Equal(t, "asset "+path, readBody(t, stored))
		_, stamped := serializer.CacheDate(stored)
		assert.True(t, stamped)
		// install fetches bypass intermediate HTTP caches
		assert.Equal(t, "no-cache", cacheControls[path])
	}
}

func TestInstallPartialFailureIsNonFatal(t *testing.T) {
	fetcher := &testFetcher{handler: func(r *http.Request) (*http.Response, error) {
		if r.URL.Path == "/broken.css" {
			return nil, errNetworkDown
		}
		if r.URL.Path == "/gone.png" {
			return makeResponse(404, "not found"), nil
		}
		return makeResponse(200, "asset"), nil
	}}
	collector := &errorCollector{}
	engine := newLifecycleEngine(t, Config{
		Version:          "v1",
		Fetcher:          fetcher,
		PrecacheManifest: []string{"/", "/broken.css", "/gone.png", "/offline.html"},
		OnNonFatalError:  collector.hook,
	})

	require.NoError(t, engine.Install(context.Background()))

	// the engine still installs and activates with a partial static set
	assert.True(t, engine.active())
	assert.True(t, collector.seen(ErrorKindInstall))

	for path, want := range map[string]bool{
		"/":             true,
		"/offline.html": true,
		"/broken.css":   false,
		"/gone.png":     false,
	} {
		req, _ := http.NewRequest("GET", path, nil)
		_, ok := engine.lookup(engine.namespace(ClassStatic), requestKey(req))
		assert.Equal(t, want, ok, "entry for %s", path)
	}
}

func TestWaitingEngineBypassesUntilForceActivate(t *testing.T) {
	fetcher := &testFetcher{handler: respondWith(200, "from origin")}
	engine := newLifecycleEngine(t, Config{
		Version:            "v1",
		Fetcher:            fetcher,
		WaitBeforeActivate: true,
	})
	require.NoError(t, engine.Install(context.Background()))
	assert.False(t, engine.active())

	// a waiting engine proxies without caching
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest("GET", "/img/hero.png", nil))
	assert.Equal(t, "from origin", rec.Body.String())
	assert.Equal(t, "Offline-Cache; fwd=bypass", rec.Result().Header.Get("Cache-Status"))
	namespaces, err := engine.store.Namespaces()
	require.NoError(t, err)
	assert.Empty(t, namespaces)

	require.NoError(t, engine.Control(ControlMessage{Type: ControlForceActivate}))
	assert.True(t, engine.active())

	// a second force-activate has no effect, there is nothing waiting
	require.NoError(t, engine.Control(ControlMessage{Type: ControlForceActivate}))
	assert.True(t, engine.active())
}

func TestControlRejectsUnknownMessages(t *testing.T) {
	engine := newLifecycleEngine(t, Config{Version: "v1"})
	assert.Error(t, engine.Control(ControlMessage{Type: "self-destruct"}))
}

func TestInstallHonorsContext(t *testing.T) {
	fetcher := &testFetcher{handler: func(r *http.Request) (*http.Response, error) {
		time.Sleep(10 * time.Millisecond)
		return makeResponse(200, "asset"), nil
	}}
	engine := newLifecycleEngine(t, Config{
		Version:          "v1",
		Fetcher:          fetcher,
		PrecacheManifest: []string{"/a", "/b", "/c"},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, engine.Install(ctx))
}
