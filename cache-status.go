package offlinecache

import "fmt"

type CacheStatusFwdReason string

const (
	// The engine does not handle this request (not active yet,
	// or classified Ignore).
	CacheStatusFwdBypass CacheStatusFwdReason = "bypass"

	// The cache did not contain any response for the request URI.
	CacheStatusFwdUriMiss CacheStatusFwdReason = "uri-miss"

	// The cache contained a response for the request URI,
	// but it was stale.
	CacheStatusFwdStale CacheStatusFwdReason = "stale"
)

// CacheStatus is the engine's response annotation, in the shape of the
// Cache-Status header (RFC 9211).
type CacheStatus struct {
	hit       bool
	detail    string
	fwdReason CacheStatusFwdReason
}

// Hit marks the response as served from cache.
func (cs *CacheStatus) Hit() {
	cs.hit = true
	cs.fwdReason = ""
}

// Forward marks the response as fetched from the network,
// with the reason the cache could not satisfy the request.
func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.hit = false
	cs.fwdReason = reason
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) String() string {
	status := "Offline-Cache; hit"
	if !cs.hit {
		status = fmt.Sprintf("Offline-Cache; fwd=%s", cs.fwdReason)
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
