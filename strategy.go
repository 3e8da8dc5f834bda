package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrTimeout is returned when the network does not answer within
	// the configured window.
	ErrTimeout = errors.New("network timeout")
	// ErrNoFallback is returned for navigations that cannot be served
	// from network, cache, or the offline fallback document.
	ErrNoFallback = errors.New("offline fallback not available")
)

// withTimeout races fn against the given duration.
// On timeout the in-flight fetch is abandoned, not aborted: nothing is
// waiting on it anymore, so it may finish (and be discarded) on its own.
func withTimeout(fn func() (*http.Response, error), d time.Duration) (*http.Response, error) {
	type result struct {
		res *http.Response
		err error
	}
	ch := make(chan result, 1)
	go func() {
		res, err := fn()
		ch <- result{res, err}
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.res, r.err
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// okStatus reports whether a network response may be cached and counts
// as a successful fetch. Error pages (4xx, 5xx) must never be cached.
func okStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 400
}

// requestKey normalizes a request into its cache key.
// Only GET requests ever reach the cache, so method plus URL suffices.
func requestKey(r *http.Request) string {
	return r.Method + ":" + r.URL.String()
}

// cacheFirst serves a fresh cached response without touching the
// network. A missing or stale entry triggers a fetch, and on network
// failure any cached copy is better than no response.
func (e *Engine) cacheFirst(r *http.Request, namespace string, maxAge time.Duration, cs *CacheStatus) (*http.Response, error) {
	key := requestKey(r)
	cached, ok := e.lookup(namespace, key)
	if ok && isFresh(cached, maxAge, e.clock()) {
		cs.Hit()
		return cached, nil
	}
	reason := CacheStatusFwdUriMiss
	if ok {
		reason = CacheStatusFwdStale
	}
	res, err := e.fetcher.Fetch(r)
	if err == nil {
		cs.Forward(reason)
		if okStatus(res.StatusCode) {
			e.storeResponse(namespace, key, res)
		}
		// non-ok responses are returned as-is and never cached
		return res, nil
	}
	if ok {
		// degraded but available
		e.log.Debug().Err(err).Str("key", key).Msg("Serving stale entry after network failure")
		cs.Hit()
		cs.Detail("stale")
		return cached, nil
	}
	return nil, err
}

// networkFirst prefers the network but only waits so long for it.
// Freshness gates whether the network is consulted at all, it never
// blocks the fallback: on timeout, failure, or a non-ok response, any
// cached copy is served regardless of age, since continuity outweighs
// staleness once the network has already failed. Navigations get one
// more chance through the offline fallback document.
func (e *Engine) networkFirst(r *http.Request, namespace string, maxAge time.Duration, cs *CacheStatus) (*http.Response, error) {
	key := requestKey(r)
	cached, ok := e.lookup(namespace, key)
	if ok && isFresh(cached, maxAge, e.clock()) {
		cs.Hit()
		return cached, nil
	}
	reason := CacheStatusFwdUriMiss
	if ok {
		reason = CacheStatusFwdStale
	}
	res, err := withTimeout(func() (*http.Response, error) {
		return e.fetcher.Fetch(r)
	}, e.networkTimeout)
	if err == nil && okStatus(res.StatusCode) {
		cs.Forward(reason)
		e.storeResponse(namespace, key, res)
		return res, nil
	}
	if err != nil {
		e.log.Debug().Err(err).Str("key", key).Msg("Network failed, trying cache")
	}
	if ok {
		cs.Hit()
		if errors.Is(err, ErrTimeout) {
			cs.Detail("timeout")
		}
		return cached, nil
	}
	if isNavigation(r) {
		if fallback, ok := e.resolveOfflineFallback(); ok {
			cs.Hit()
			cs.Detail("fallback")
			return fallback, nil
		}
		if err == nil {
			err = fmt.Errorf("status %d: %w", res.StatusCode, ErrNoFallback)
		}
		return nil, err
	}
	if err == nil {
		// a non-ok answer with nothing cached is still the network's
		// answer, surface it untouched
		cs.Forward(CacheStatusFwdUriMiss)
		return res, nil
	}
	return nil, err
}

// staleWhileRevalidate serves whatever is cached immediately and
// refreshes the cache in the background for the next load. Used for
// build artifacts, where the currently loaded version should render
// instantly while the newest one is silently pre-fetched.
func (e *Engine) staleWhileRevalidate(r *http.Request, namespace string, cs *CacheStatus) (*http.Response, error) {
	key := requestKey(r)
	if cached, ok := e.lookup(namespace, key); ok {
		go e.revalidate(r, namespace, key)
		cs.Hit()
		return cached, nil
	}
	res, err := e.fetcher.Fetch(r)
	if err != nil {
		// no further fallback for this strategy
		return nil, err
	}
	cs.Forward(CacheStatusFwdUriMiss)
	if okStatus(res.StatusCode) {
		e.storeResponse(namespace, key, res)
	}
	return res, nil
}

// revalidate fetches the latest version of an already cached resource
// and stores it, racing writers last-write-wins.
func (e *Engine) revalidate(r *http.Request, namespace, key string) {
	// detach from the request context so the refresh survives the
	// handler returning
	req := r.Clone(context.Background())
	res, err := e.fetcher.Fetch(req)
	if err != nil {
		e.nonFatal(ErrorKindNetwork, err)
		return
	}
	defer res.Body.Close()
	if !okStatus(res.StatusCode) {
		return
	}
	e.storeResponse(namespace, key, res)
}

// resolveOfflineFallback returns the pre-provisioned offline document
// from the static namespace. It is part of the pre-fetch manifest, so
// in practice it should always be there.
func (e *Engine) resolveOfflineFallback() (*http.Response, bool) {
	req, err := http.NewRequest(http.MethodGet, e.offlinePath, nil)
	if err != nil {
		return nil, false
	}
	return e.lookup(e.namespace(ClassStatic), requestKey(req))
}
