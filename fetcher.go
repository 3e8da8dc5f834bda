package offlinecache

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"strings"
)

// Fetcher performs the network fetch for a single request.
// Strategies depend on this interface so tests can observe and fail
// network calls deterministically.
type Fetcher interface {
	Fetch(r *http.Request) (*http.Response, error)
}

// OriginFetcher fetches same-origin requests from the configured origin
// server and cross-origin requests (fonts) from their own hosts.
type OriginFetcher struct {
	client    http.Client
	originURL url.URL
	host      string
}

// NewOriginFetcher creates a fetcher for the given origin.
// Set originHost if the origin URL is e.g. just an IP address and a
// different hostname should be used for the Host header and TLS.
func NewOriginFetcher(originURL url.URL, originHost string) *OriginFetcher {
	transport := http.DefaultTransport
	if originHost != "" {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return &OriginFetcher{
		client: http.Client{
			Transport: transport,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		originURL: originURL,
		host:      originHost,
	}
}

func (f *OriginFetcher) Fetch(r *http.Request) (*http.Response, error) {
	req := r.Clone(r.Context())
	// outgoing client requests must not carry a server-side RequestURI
	req.RequestURI = ""
	if req.URL.Host == "" || strings.EqualFold(req.URL.Hostname(), f.originURL.Hostname()) {
		req.URL.Scheme = f.originURL.Scheme
		req.URL.Host = f.originURL.Host
		if f.host != "" {
			req.Host = f.host
		}
	} else if req.URL.Scheme == "" {
		req.URL.Scheme = "https"
	}
	return f.client.Do(req)
}
