package serializer

import (
	"bufio"
	"bytes"
	"net/http"
	"time"
)

// CacheDateHeader carries the time a response was written to the cache.
// It is injected at write time and consulted only by the caching engine.
const CacheDateHeader = "Sw-Cache-Date"

// ResponseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response.
// The response body is reset afterwards so the caller can still read it.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	// write response to buffer
	buf := &bytes.Buffer{}
	res.Write(buf)
	// set response body back
	bts := buf.Bytes()
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clonedRes.Body
	// return buffer bytes
	return bts, nil
}

// BytesToResponse converts a byte slice to a http.Response.
func BytesToResponse(b []byte) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
}

// StampedResponseToBytes serializes the response with the cache date
// header set to now, for storing. The response handed back to the caller
// stays unstamped (and its body readable).
func StampedResponseToBytes(res *http.Response, now time.Time) ([]byte, error) {
	res.Header.Set(CacheDateHeader, now.UTC().Format(time.RFC3339))
	bts, err := ResponseToBytes(res)
	res.Header.Del(CacheDateHeader)
	return bts, err
}

// CacheDate returns the time the response was written to the cache.
// The boolean is false for responses without a (parseable) cache date,
// i.e. entries that never expire.
func CacheDate(res *http.Response) (time.Time, bool) {
	value := res.Header.Get(CacheDateHeader)
	if value == "" {
		return time.Time{}, false
	}
	stored, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false
	}
	return stored, true
}
