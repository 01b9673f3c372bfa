package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xiot/watch/internal/xiot/store"
)

// Event is a change event delivered to a handler, with the wildcard
// segments of the matched pattern captured in Params.
type Event struct {
	store.ChangeEvent
	Params map[string]string
}

type Handler func(ctx context.Context, ev Event) error

type route struct {
	kind     store.ChangeKind
	name     string
	segments []string
	handler  Handler
}

// Router fans committed changes out to observers registered on path
// patterns such as "/{type}/{objectId}". Every matching handler runs as an
// independent invocation; nothing orders invocations against each other.
type Router struct {
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	routes []route

	inflight sync.WaitGroup
}

func NewRouter(logger *zap.SugaredLogger) *Router {
	return &Router{logger: logger}
}

func (r *Router) OnCreate(pattern, name string, h Handler) { r.add(store.Created, pattern, name, h) }
func (r *Router) OnUpdate(pattern, name string, h Handler) { r.add(store.Updated, pattern, name, h) }
func (r *Router) OnDelete(pattern, name string, h Handler) { r.add(store.Deleted, pattern, name, h) }

func (r *Router) add(kind store.ChangeKind, pattern, name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{
		kind:     kind,
		name:     name,
		segments: split(pattern),
		handler:  h,
	})
}

// Publish starts the handlers matching ev in the background. It implements
// store.ChangeSink.
func (r *Router) Publish(ev store.ChangeEvent) {
	for _, m := range r.match(ev) {
		r.inflight.Add(1)
		go func() {
			defer r.inflight.Done()
			r.invoke(context.Background(), m.route, m.event)
		}()
	}
}

// Dispatch runs the handlers matching ev and waits for them. It returns the
// number of handlers invoked and the first handler error.
func (r *Router) Dispatch(ctx context.Context, ev store.ChangeEvent) (int, error) {
	matches := r.match(ev)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		first error
	)
	for _, m := range matches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.invoke(ctx, m.route, m.event); err != nil {
				mu.Lock()
				if first == nil {
					first = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return len(matches), first
}

// Wait blocks until every invocation started by Publish has returned,
// including invocations started while waiting.
func (r *Router) Wait() {
	r.inflight.Wait()
}

type matched struct {
	route route
	event Event
}

func (r *Router) match(ev store.ChangeEvent) []matched {
	path := split(ev.Path())

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []matched
	for _, rt := range r.routes {
		if rt.kind != ev.Kind {
			continue
		}
		params, ok := capture(rt.segments, path)
		if !ok {
			continue
		}
		out = append(out, matched{route: rt, event: Event{ChangeEvent: ev, Params: params}})
	}
	return out
}

func (r *Router) invoke(ctx context.Context, rt route, ev Event) (err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s: panic: %v", rt.name, p)
		}
		if err != nil {
			r.logger.Errorw("function failed", "function", rt.name, "path", ev.Path(), "error", err)
			return
		}
		r.logger.Debugw("function finished", "function", rt.name, "path", ev.Path(), "dur", time.Since(start))
	}()
	return rt.handler(ctx, ev)
}

func split(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

// capture matches path against pattern segments. "{name}" segments match
// any single non-empty segment and are returned in the map.
func capture(pattern, path []string) (map[string]string, bool) {
	if len(pattern) != len(path) {
		return nil, false
	}
	params := make(map[string]string)
	for i, seg := range pattern {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			if path[i] == "" {
				return nil, false
			}
			params[seg[1:len(seg)-1]] = path[i]
			continue
		}
		if seg != path[i] {
			return nil, false
		}
	}
	return params, true
}
