package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Engine lifecycle: a new engine is installed (static namespace
// pre-warmed), then activated (prior-version namespaces collected),
// and only then starts intercepting requests.
const (
	stateNew = int32(iota)
	stateInstalling
	stateWaiting
	stateActive
)

const installConcurrency = 4

func (e *Engine) active() bool {
	return e.state.Load() == stateActive
}

// Install pre-warms the static namespace with every path in the
// pre-fetch manifest, forcing a fresh network read for each asset.
// A single asset failing to fetch is logged and does not abort the
// install: the engine becomes installable with a partial static set.
// Unless configured to wait for a force-activate message, the engine
// activates itself once the pre-warm is done.
func (e *Engine) Install(ctx context.Context) error {
	e.state.Store(stateInstalling)
	e.log.Info().Msgf("Installing, pre-warming %d assets", len(e.manifest))

	namespace := e.namespace(ClassStatic)
	g := new(errgroup.Group)
	g.SetLimit(installConcurrency)
	for _, path := range e.manifest {
		path := path
		g.Go(func() error {
			e.precache(ctx, namespace, path)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if e.waitOnInstall {
		e.state.Store(stateWaiting)
		e.log.Info().Msg("Installed, waiting for activation")
		return nil
	}
	e.Activate()
	return nil
}

func (e *Engine) precache(ctx context.Context, namespace, path string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		e.nonFatal(ErrorKindInstall, err)
		return
	}
	// bypass any intermediate HTTP cache, the pre-warmed set must be fresh
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	res, err := e.fetcher.Fetch(req)
	if err != nil {
		e.nonFatal(ErrorKindInstall, err)
		return
	}
	defer res.Body.Close()
	if !okStatus(res.StatusCode) {
		e.nonFatal(ErrorKindInstall, fmt.Errorf("pre-fetching %s: status %d", path, res.StatusCode))
		return
	}
	e.storeResponse(namespace, requestKey(req), res)
}

// Activate deletes every namespace left over from a prior version and
// starts intercepting requests. Only identifiers with a recognized
// class suffix are candidates, foreign namespaces are left untouched.
// Cleanup failures are logged but never block the engine from taking
// control: availability beats strict cleanliness here.
func (e *Engine) Activate() {
	current := make(map[string]struct{}, len(Classes))
	for _, class := range Classes {
		current[e.namespace(class)] = struct{}{}
	}

	namespaces, err := e.store.Namespaces()
	if err != nil {
		e.nonFatal(ErrorKindCleanup, err)
	}
	for _, namespace := range namespaces {
		if _, ok := current[namespace]; ok {
			continue
		}
		if !recognizedClass(namespace) {
			continue
		}
		e.log.Debug().Str("namespace", namespace).Msg("Deleting stale namespace")
		if err := e.store.DeleteNamespace(namespace); err != nil {
			e.nonFatal(ErrorKindCleanup, err)
		}
	}

	e.state.Store(stateActive)
	e.log.Info().Msg("Activated")
}

// ForceActivate promotes a waiting engine immediately.
// It has no effect unless an installed version is waiting.
func (e *Engine) ForceActivate() {
	if e.state.Load() != stateWaiting {
		return
	}
	e.Activate()
}

// recognizedClass reports whether the namespace identifier ends in one
// of the engine's class suffixes. Version tags may contain hyphens,
// class names do not, so the last segment is the class.
func recognizedClass(namespace string) bool {
	idx := strings.LastIndex(namespace, "-")
	if idx < 0 {
		return false
	}
	class := Class(namespace[idx+1:])
	for _, known := range Classes {
		if class == known {
			return true
		}
	}
	return false
}

// ControlForceActivate is the only inbound control message type:
// it requests immediate activation of a waiting version.
const ControlForceActivate = "force-activate"

// ControlMessage is an inbound engine control message.
type ControlMessage struct {
	Type string `json:"type"`
}

// Control handles an inbound control message.
func (e *Engine) Control(msg ControlMessage) error {
	switch msg.Type {
	case ControlForceActivate:
		e.ForceActivate()
		return nil
	default:
		return fmt.Errorf("unknown control message type %q", msg.Type)
	}
}
