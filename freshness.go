package offlinecache

import (
	"net/http"
	"time"

	serializer "github.com/offline-cache/offline-cache/pkg/response-serializer"
)

// isFresh reports whether a stored response is still usable without
// consulting the network. Responses without a cache date never expire:
// they predate the freshness header and must not trigger refetches.
func isFresh(res *http.Response, maxAge time.Duration, now time.Time) bool {
	stored, ok := serializer.CacheDate(res)
	if !ok {
		return true
	}
	if maxAge <= 0 {
		return true
	}
	return now.Sub(stored) < maxAge
}
