package controller

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/yuriy-kovalchuk/yk-nsd/internal/reconciler"
	"github.com/yuriy-kovalchuk/yk-nsd/internal/store"
)

// DefaultRotationInterval is the cadence of certificate rotation sweeps.
const DefaultRotationInterval = 24 * time.Hour

// AddressReconciler publishes the externally reachable addresses of one kind
// of object under a single owner-name per object, and keeps the certificate
// for that name pushed into the secret the object points at.
type AddressReconciler[T client.Object] struct {
	Kind string
	// Addresses extracts the object's assigned addresses.
	Addresses func(T) []string
	Store     *store.Store
	// Pusher may be nil, in which case secret references are ignored.
	Pusher *SecretPusher
	Log    logr.Logger

	RotationInterval time.Duration
	// Now defaults to time.Now.
	Now func() time.Time

	mu           sync.Mutex
	nextRotation time.Time
}

var _ reconciler.SessionHook = &AddressReconciler[client.Object]{}

// OwnerName is the name an object is published under: the NameLabel value
// when set, else "<name>.<namespace>".
func OwnerName(obj client.Object) string {
	if name := obj.GetLabels()[NameLabel]; name != "" {
		return strings.ToLower(name)
	}
	return strings.ToLower(obj.GetName() + "." + obj.GetNamespace())
}

func (r *AddressReconciler[T]) entry(obj T) *store.Entry {
	name := OwnerName(obj)
	e := &store.Entry{
		Key: store.Key{
			Kind:      r.Kind,
			Namespace: obj.GetNamespace(),
			Name:      obj.GetName(),
		},
		Records: map[string][]string{name: r.Addresses(obj)},
	}
	if secret := obj.GetLabels()[SecretLabel]; secret != "" {
		e.Secret = &store.SecretRef{Name: secret, Subject: name}
	}
	return e
}

// Sync replaces every entry of the kind with the listed objects, then
// refreshes their secrets.
func (r *AddressReconciler[T]) Sync(ctx context.Context, objs []T) error {
	entries := make([]*store.Entry, 0, len(objs))
	for _, obj := range objs {
		entries = append(entries, r.entry(obj))
	}
	r.Store.Replace(r.Kind, entries)

	for _, e := range entries {
		if !e.Empty() {
			r.push(ctx, e)
		}
	}
	return nil
}

// Apply publishes or withdraws one object. An object without addresses is
// not resolvable yet and is withdrawn.
func (r *AddressReconciler[T]) Apply(ctx context.Context, obj T, event reconciler.EventType) error {
	e := r.entry(obj)
	if event == reconciler.Deleted || e.Empty() {
		r.Store.Remove(e.Key)
		return nil
	}
	r.Store.AddReplace(e)
	r.push(ctx, e)
	return nil
}

// WatchEnded runs the rotation sweep when it is due. The first call always
// sweeps and arms the cadence.
func (r *AddressReconciler[T]) WatchEnded(ctx context.Context) {
	interval := r.RotationInterval
	if interval <= 0 {
		interval = DefaultRotationInterval
	}
	now := r.now()

	r.mu.Lock()
	due := r.nextRotation.IsZero() || !now.Before(r.nextRotation)
	if due {
		r.nextRotation = now.Add(interval)
	}
	r.mu.Unlock()

	if due {
		r.Rotate(ctx)
	}
}

// Rotate pushes the current certificate into the secret of every tracked
// entry of the kind.
func (r *AddressReconciler[T]) Rotate(ctx context.Context) {
	if r.Pusher == nil {
		return
	}
	r.Log.Info("AUDIT: start rotating certificates", "kind", r.Kind)
	for _, e := range r.Store.List(r.Kind) {
		if ctx.Err() != nil {
			return
		}
		r.push(ctx, e)
	}
	r.Log.Info("AUDIT: end rotating certificates", "kind", r.Kind)
}

// NextRotation returns when the next sweep is due; zero until the first
// sweep.
func (r *AddressReconciler[T]) NextRotation() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextRotation
}

func (r *AddressReconciler[T]) push(ctx context.Context, e *store.Entry) {
	if r.Pusher == nil || e.Secret == nil {
		return
	}
	if err := r.Pusher.Push(ctx, e.Namespace, e.Secret.Name, e.Secret.Subject); err != nil {
		r.Log.Error(err, "unable to update secret with certificate", "entry", e.Key.String())
	}
}

func (r *AddressReconciler[T]) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
