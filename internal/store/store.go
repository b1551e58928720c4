// Package store holds the DNS data contributed by cluster objects.
//
// Every source object contributes at most one Entry. Entries from different
// sources may publish the same owner-name and even the same address; the
// reference-counted index keeps each contribution independent so that
// removing one never hides data still held by another.
package store

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/go-logr/logr"
)

// Key identifies the object an Entry was built from.
type Key struct {
	Kind      string
	Namespace string
	Name      string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s/%s", k.Kind, k.Namespace, k.Name)
}

// SecretRef asks for a certificate covering Subject to be pushed into the
// named secret in the entry's namespace.
type SecretRef struct {
	Name    string
	Subject string
}

// Entry is one object's contribution. Entries are never modified after they
// are handed to the Store; a changed object produces a new Entry.
type Entry struct {
	Key
	// Records maps owner-names to address literals.
	Records map[string][]string
	Secret  *SecretRef
}

// Empty reports whether the entry publishes no address at all.
func (e *Entry) Empty() bool {
	for _, addrs := range e.Records {
		if len(addrs) > 0 {
			return false
		}
	}
	return true
}

func (e *Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "{%s records:", e.Key)
	for _, name := range slices.Sorted(maps.Keys(e.Records)) {
		fmt.Fprintf(&b, " %s=%v", name, e.Records[name])
	}
	if e.Secret != nil {
		fmt.Fprintf(&b, " secret:%s(%s)", e.Secret.Name, e.Secret.Subject)
	}
	b.WriteString("}")
	return b.String()
}

// Store is the process-wide record store. All methods are safe for
// concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[Key]*Entry
	index   *Index[string, string]
	log     logr.Logger
}

// New returns an empty store.
func New(log logr.Logger) *Store {
	return &Store{
		entries: make(map[Key]*Entry),
		index:   NewIndex[string, string](),
		log:     log,
	}
}

// AddReplace installs e, first withdrawing any entry with the same key. An
// empty entry is treated as a removal.
func (s *Store) AddReplace(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addReplace(e)
}

// Remove withdraws the entry stored under key. Removing an absent key is a
// no-op.
func (s *Store) Remove(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(key)
}

// Clear withdraws every entry of the given kind.
func (s *Store) Clear(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear(kind)
}

// Replace swaps the complete set of entries of a kind in one critical
// section, so lookups observe either the old or the new snapshot.
func (s *Store) Replace(kind string, entries []*Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clear(kind)
	for _, e := range entries {
		if e.Kind != kind {
			s.log.Info("skipping entry of foreign kind during replace", "kind", kind, "entry", e.Key)
			continue
		}
		s.addReplace(e)
	}
}

// List returns the current entries of a kind ordered by key.
func (s *Store) List(kind string) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Entry
	for k, e := range s.entries {
		if k.Kind == kind {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b *Entry) int {
		return cmp.Or(
			cmp.Compare(a.Namespace, b.Namespace),
			cmp.Compare(a.Name, b.Name),
		)
	})
	return out
}

// Get returns the entry stored under key.
func (s *Store) Get(key Key) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

// Lookup returns the addresses published under an owner-name.
func (s *Store) Lookup(name string) ([]string, bool) {
	s.mu.Lock()
	addrs := s.index.Get(name)
	s.mu.Unlock()
	return addrs, addrs != nil
}

// Names returns the number of owner-names currently resolvable.
func (s *Store) Names() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Len()
}

func (s *Store) addReplace(e *Entry) {
	s.remove(e.Key)
	if e.Empty() {
		return
	}
	s.log.Info("AUDIT: adding entry", "entry", e.String())
	s.entries[e.Key] = e
	s.index.Change(e.Records, 1)
}

func (s *Store) remove(key Key) {
	existing, ok := s.entries[key]
	if !ok {
		return
	}
	s.log.Info("AUDIT: removing entry", "entry", existing.String())
	delete(s.entries, key)
	s.index.Change(existing.Records, -1)
}

func (s *Store) clear(kind string) {
	s.log.V(1).Info("clearing kind", "kind", kind)
	for k := range s.entries {
		if k.Kind == kind {
			s.remove(k)
		}
	}
}
