package offlinecache

import (
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
)

// Class is a cache namespace class, one logically separate bucket
// per category of resource.
type Class string

const (
	ClassStatic  Class = "static"
	ClassDynamic Class = "dynamic"
	ClassAPI     Class = "api"
	ClassImages  Class = "images"
	ClassFonts   Class = "fonts"
)

// Classes lists every namespace class the engine manages.
// Namespace identifiers with other class suffixes are foreign
// and never touched.
var Classes = []Class{ClassStatic, ClassDynamic, ClassAPI, ClassImages, ClassFonts}

type Strategy string

const (
	StrategyCacheFirst           Strategy = "cache-first"
	StrategyNetworkFirst         Strategy = "network-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// Decision is the routing outcome for one request: which strategy
// handles it, against which namespace class, with which freshness window.
// A zero MaxAge means the strategy does not check freshness.
type Decision struct {
	Strategy Strategy
	Class    Class
	MaxAge   time.Duration
}

// RulesConfig is the classification configuration: fixed lists specified
// at deployment time, not runtime state.
type RulesConfig struct {
	// Regexp patterns for cross-origin font hosts, the only
	// cross-origin traffic the engine manages.
	FontHosts []string `yaml:"fontHosts"`
	// Path prefixes of same-origin API endpoints.
	APIPrefixes []string `yaml:"apiPrefixes"`
	// File extensions classified as images, with leading dot.
	ImageExtensions []string `yaml:"imageExtensions"`
	// File extensions classified as scripts or stylesheets.
	ScriptExtensions []string `yaml:"scriptExtensions"`
	MaxAges          MaxAges  `yaml:"maxAges"`
}

// MaxAges holds the per-class freshness windows.
type MaxAges struct {
	Fonts   time.Duration `yaml:"fonts"`
	API     time.Duration `yaml:"api"`
	Images  time.Duration `yaml:"images"`
	Dynamic time.Duration `yaml:"dynamic"`
}

// DefaultRules returns the stock classification lists.
// API data expires much sooner than assets because content changes
// more often than bundles; navigations get a short window to balance
// offline availability against staleness.
func DefaultRules() RulesConfig {
	return RulesConfig{
		FontHosts: []string{
			`^fonts\.googleapis\.com$`,
			`^fonts\.gstatic\.com$`,
		},
		APIPrefixes:      []string{"/api/"},
		ImageExtensions:  []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".avif"},
		ScriptExtensions: []string{".js", ".mjs", ".css"},
		MaxAges: MaxAges{
			Fonts:   365 * 24 * time.Hour,
			API:     24 * time.Hour,
			Images:  30 * 24 * time.Hour,
			Dynamic: time.Hour,
		},
	}
}

// Router classifies requests. It holds no state beyond the compiled
// rule lists: re-classifying the same request always yields the same
// decision.
type Router struct {
	originHost string
	fontHosts  []*regexp.Regexp
	apiPrefix  []string
	imageExts  map[string]struct{}
	scriptExts map[string]struct{}
	maxAges    MaxAges
}

func newRouter(originHost string, rules RulesConfig) (Router, error) {
	rt := Router{
		originHost: originHost,
		apiPrefix:  rules.APIPrefixes,
		imageExts:  extSet(rules.ImageExtensions),
		scriptExts: extSet(rules.ScriptExtensions),
		maxAges:    rules.MaxAges,
	}
	for _, pattern := range rules.FontHosts {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return rt, err
		}
		rt.fontHosts = append(rt.fontHosts, re)
	}
	return rt, nil
}

func extSet(exts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		set[strings.ToLower(ext)] = struct{}{}
	}
	return set
}

// Classify selects exactly one handling strategy for the request,
// or reports false for requests the engine never intercepts.
// Rules are checked in a fixed precedence order, first match wins.
func (rt Router) Classify(r *http.Request) (Decision, bool) {
	// mutating requests are never intercepted
	if r.Method != http.MethodGet {
		return Decision{}, false
	}
	if !rt.sameOrigin(r) {
		// fonts are the only cross-origin class the engine manages,
		// so the font check comes before the cross-origin exclusion
		if rt.isFontHost(r.URL) {
			return Decision{StrategyCacheFirst, ClassFonts, rt.maxAges.Fonts}, true
		}
		return Decision{}, false
	}
	if rt.isAPIPath(r.URL.Path) {
		return Decision{StrategyNetworkFirst, ClassAPI, rt.maxAges.API}, true
	}
	if rt.hasExt(r.URL.Path, rt.imageExts) {
		return Decision{StrategyCacheFirst, ClassImages, rt.maxAges.Images}, true
	}
	if isNavigation(r) {
		return Decision{StrategyNetworkFirst, ClassDynamic, rt.maxAges.Dynamic}, true
	}
	if rt.hasExt(r.URL.Path, rt.scriptExts) {
		// freshness is never checked for build artifacts
		return Decision{StrategyStaleWhileRevalidate, ClassStatic, 0}, true
	}
	return Decision{StrategyNetworkFirst, ClassDynamic, rt.maxAges.Dynamic}, true
}

func (rt Router) sameOrigin(r *http.Request) bool {
	// requests in origin-form have no URL host
	if r.URL.Host == "" {
		return true
	}
	return strings.EqualFold(r.URL.Hostname(), rt.originHost)
}

func (rt Router) isFontHost(u *url.URL) bool {
	for _, re := range rt.fontHosts {
		if re.MatchString(u.Hostname()) {
			return true
		}
	}
	return false
}

func (rt Router) isAPIPath(p string) bool {
	for _, prefix := range rt.apiPrefix {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func (rt Router) hasExt(p string, exts map[string]struct{}) bool {
	_, ok := exts[strings.ToLower(path.Ext(p))]
	return ok
}

// isNavigation reports whether the request is a document load.
// Browsers send Sec-Fetch-Mode; the Accept header is the fallback
// signal for clients that do not.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
