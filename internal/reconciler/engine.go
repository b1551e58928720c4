// Package reconciler keeps a local view in sync with one kind of cluster
// object: list everything, then watch from the list's resource version,
// and list again whenever the stream fails.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/yuriy-kovalchuk/yk-nsd/internal/metrics"
)

// DefaultBackoff is the pause between failed cycles.
const DefaultBackoff = 15 * time.Second

// Source lists and watches one kind of object.
type Source[T client.Object] interface {
	List(ctx context.Context) (objs []T, resourceVersion string, err error)
	Watch(ctx context.Context, resourceVersion string) (watch.Interface, error)
}

// Handler holds the kind-specific logic of an Engine.
type Handler[T client.Object] interface {
	// Sync receives the complete listing at the start of every cycle. It
	// must replace whatever the handler derived from earlier cycles.
	Sync(ctx context.Context, objs []T) error
	// Apply receives one watch event.
	Apply(ctx context.Context, obj T, event EventType) error
}

// SessionHook is implemented by handlers that do periodic work between
// watch sessions.
type SessionHook interface {
	WatchEnded(ctx context.Context)
}

// Engine runs the list/watch loop for one Source. It implements
// manager.Runnable.
type Engine[T client.Object] struct {
	Name    string
	Source  Source[T]
	Handler Handler[T]
	Log     logr.Logger

	// Backoff defaults to DefaultBackoff.
	Backoff time.Duration
	// SessionLimit, when set, forces a fresh list once a cycle has been
	// watching for this long.
	SessionLimit time.Duration

	mu              sync.Mutex
	resourceVersion string
	synced          atomic.Bool
}

// Start runs cycles until ctx is cancelled.
func (e *Engine[T]) Start(ctx context.Context) error {
	backoff := e.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	e.Log.Info("starting reconciliation loop", "source", e.Name)
	wait.UntilWithContext(ctx, e.cycle, backoff)
	e.Log.Info("reconciliation loop stopped", "source", e.Name)
	return nil
}

// HasSynced reports whether at least one list phase has completed.
func (e *Engine[T]) HasSynced() bool {
	return e.synced.Load()
}

// ResourceVersion returns the current watch cursor.
func (e *Engine[T]) ResourceVersion() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resourceVersion
}

func (e *Engine[T]) setResourceVersion(rv string) {
	e.mu.Lock()
	e.resourceVersion = rv
	e.mu.Unlock()
}

func (e *Engine[T]) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.Log.Error(fmt.Errorf("panic: %v", r), "reconciliation cycle aborted", "source", e.Name)
		}
	}()

	if err := e.run(ctx); err != nil && ctx.Err() == nil {
		e.Log.Error(err, "reconciliation cycle failed, will list again", "source", e.Name)
	}
}

func (e *Engine[T]) run(ctx context.Context) error {
	e.setResourceVersion("")
	metrics.Resyncs.WithLabelValues(e.Name).Inc()

	e.Log.Info("list", "source", e.Name)
	objs, rv, err := e.Source.List(ctx)
	if err != nil {
		return fmt.Errorf("listing %s: %w", e.Name, err)
	}
	if err := e.Handler.Sync(ctx, objs); err != nil {
		return fmt.Errorf("syncing %s: %w", e.Name, err)
	}
	e.setResourceVersion(rv)
	e.synced.Store(true)

	var deadline time.Time
	if e.SessionLimit > 0 {
		deadline = time.Now().Add(e.SessionLimit)
	}

	for ctx.Err() == nil {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			e.Log.Info("watch session limit reached, listing again", "source", e.Name)
			return nil
		}

		if err := e.watch(ctx, deadline); err != nil {
			return err
		}

		if hook, ok := e.Handler.(SessionHook); ok && ctx.Err() == nil {
			hook.WatchEnded(ctx)
		}
	}
	return nil
}

// watch consumes one watch session. It returns nil when the stream closes
// normally or the session deadline passes.
func (e *Engine[T]) watch(ctx context.Context, deadline time.Time) error {
	wctx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		wctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	rv := e.ResourceVersion()
	e.Log.Info("watch begin", "source", e.Name, "resourceVersion", rv)
	w, err := e.Source.Watch(wctx, rv)
	if err != nil {
		if errors.Is(wctx.Err(), context.DeadlineExceeded) {
			return nil
		}
		return fmt.Errorf("watching %s: %w", e.Name, err)
	}
	defer w.Stop()

	for {
		select {
		case <-wctx.Done():
			return nil
		case ev, ok := <-w.ResultChan():
			if !ok {
				e.Log.Info("watch end", "source", e.Name, "resourceVersion", e.ResourceVersion())
				return nil
			}
			if err := e.handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (e *Engine[T]) handle(ctx context.Context, ev watch.Event) error {
	kind, err := ParseEventType(ev.Type)
	if err != nil {
		return err
	}

	switch kind {
	case Error:
		return fmt.Errorf("%s watch: %w", e.Name, apierrors.FromObject(ev.Object))
	case Bookmark:
		m, err := meta.Accessor(ev.Object)
		if err != nil {
			return fmt.Errorf("%s watch: bookmark without metadata: %w", e.Name, err)
		}
		e.setResourceVersion(m.GetResourceVersion())
		return nil
	}

	obj, ok := ev.Object.(T)
	if !ok {
		return fmt.Errorf("%s watch: unexpected object %T", e.Name, ev.Object)
	}

	metrics.ReconcileEvents.WithLabelValues(e.Name, kind.String()).Inc()
	e.apply(ctx, obj, kind)
	e.setResourceVersion(obj.GetResourceVersion())
	return nil
}

func (e *Engine[T]) apply(ctx context.Context, obj T, kind EventType) {
	log := e.Log.WithValues("source", e.Name, "object", client.ObjectKeyFromObject(obj), "event", kind.String())
	defer func() {
		if r := recover(); r != nil {
			log.Error(fmt.Errorf("panic: %v", r), "apply aborted")
		}
	}()

	log.V(1).Info("apply")
	if err := e.Handler.Apply(ctx, obj, kind); err != nil {
		log.Error(err, "apply failed")
	}
}
