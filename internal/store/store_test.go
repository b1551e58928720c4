package store

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"

	"github.com/go-logr/logr"
)

func entry(name string, records map[string][]string) *Entry {
	return &Entry{
		Key:     Key{Kind: "Service", Namespace: "default", Name: name},
		Records: records,
	}
}

func newTestStore() *Store {
	s := New(logr.Discard())

	s.AddReplace(entry("svc1", map[string][]string{"svc1": {"172.16.1.1", "172.16.1.2"}}))
	s.AddReplace(entry("svc2", map[string][]string{"svc2": {"172.16.1.2", "172.16.1.3"}}))
	return s
}

func checkLookup(t *testing.T, s *Store, name string, want ...string) {
	t.Helper()
	got, ok := s.Lookup(name)
	if len(want) == 0 {
		if ok {
			t.Errorf("Lookup(%q) = %v, want absent", name, got)
		}
		return
	}
	if !ok || !slices.Equal(got, want) {
		t.Errorf("Lookup(%q) = %v, %v; want %v", name, got, ok, want)
	}
}

func TestStoreAdd(t *testing.T) {
	s := newTestStore()

	checkLookup(t, s, "svc1", "172.16.1.1", "172.16.1.2")
	checkLookup(t, s, "svc2", "172.16.1.2", "172.16.1.3")
}

func TestStoreRemove(t *testing.T) {
	s := newTestStore()
	s.Remove(Key{Kind: "Service", Namespace: "default", Name: "svc1"})

	checkLookup(t, s, "svc1")
	checkLookup(t, s, "svc2", "172.16.1.2", "172.16.1.3")
}

func TestStoreRemoveAbsentIsNoop(t *testing.T) {
	s := newTestStore()
	s.Remove(Key{Kind: "Service", Namespace: "default", Name: "nope"})
	s.Remove(Key{Kind: "ConfigMap", Namespace: "default", Name: "svc1"})

	checkLookup(t, s, "svc1", "172.16.1.1", "172.16.1.2")
	checkLookup(t, s, "svc2", "172.16.1.2", "172.16.1.3")
}

func TestStoreReplaceSameKey(t *testing.T) {
	s := newTestStore()
	s.AddReplace(entry("svc1", map[string][]string{"svc1": {"172.16.1.4"}}))

	checkLookup(t, s, "svc1", "172.16.1.4")
	checkLookup(t, s, "svc2", "172.16.1.2", "172.16.1.3")
	if n := len(s.List("Service")); n != 2 {
		t.Errorf("List returned %d entries, want 2", n)
	}
}

func TestStoreAddReplaceIdempotent(t *testing.T) {
	s := newTestStore()
	e := entry("svc1", map[string][]string{"svc1": {"172.16.1.1", "172.16.1.2"}})
	s.AddReplace(e)
	s.AddReplace(e)

	if n := s.index.Count("svc1", "172.16.1.2"); n != 1 {
		t.Errorf("count(svc1, 172.16.1.2) = %d, want 1", n)
	}
	checkLookup(t, s, "svc1", "172.16.1.1", "172.16.1.2")
}

func TestStoreSharedNameAcrossEntries(t *testing.T) {
	s := New(logr.Discard())
	s.AddReplace(entry("a", map[string][]string{"web": {"10.0.0.1"}}))
	s.AddReplace(&Entry{
		Key:     Key{Kind: "ConfigMap", Namespace: "default", Name: "b"},
		Records: map[string][]string{"web": {"10.0.0.1", "10.0.0.2"}},
	})

	s.Remove(Key{Kind: "Service", Namespace: "default", Name: "a"})
	checkLookup(t, s, "web", "10.0.0.1", "10.0.0.2")

	s.Clear("ConfigMap")
	checkLookup(t, s, "web")
}

func TestStoreEmptyEntryRemoves(t *testing.T) {
	s := newTestStore()
	s.AddReplace(entry("svc1", map[string][]string{"svc1": {}}))

	checkLookup(t, s, "svc1")
	if _, ok := s.Get(Key{Kind: "Service", Namespace: "default", Name: "svc1"}); ok {
		t.Error("empty entry should not be tracked")
	}
}

func TestStoreClearAndList(t *testing.T) {
	s := newTestStore()
	s.AddReplace(&Entry{
		Key:     Key{Kind: "ConfigMap", Namespace: "kube-system", Name: "extra"},
		Records: map[string][]string{"extra.kube-system": {"10.1.1.1"}},
	})

	s.Clear("Service")
	if n := len(s.List("Service")); n != 0 {
		t.Errorf("List(Service) returned %d entries after Clear", n)
	}
	if n := len(s.List("ConfigMap")); n != 1 {
		t.Errorf("List(ConfigMap) returned %d entries, want 1", n)
	}
	checkLookup(t, s, "svc1")
	checkLookup(t, s, "extra.kube-system", "10.1.1.1")
}

func TestStoreReplaceKind(t *testing.T) {
	s := newTestStore()
	s.Replace("Service", []*Entry{
		entry("svc2", map[string][]string{"svc2": {"172.16.1.9"}}),
		entry("svc3", map[string][]string{"svc3": {"172.16.1.3"}}),
	})

	checkLookup(t, s, "svc1")
	checkLookup(t, s, "svc2", "172.16.1.9")
	checkLookup(t, s, "svc3", "172.16.1.3")

	names := []string{}
	for _, e := range s.List("Service") {
		names = append(names, e.Name)
	}
	if !slices.Equal(names, []string{"svc2", "svc3"}) {
		t.Errorf("List(Service) = %v", names)
	}
}

// TestStoreReferenceCount drives random add/replace/remove sequences and
// checks that every visible pair is backed by a live entry and vice versa.
func TestStoreReferenceCount(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	s := New(logr.Discard())
	live := map[Key]*Entry{}

	names := []string{"a", "b", "c"}
	addrs := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "fd00::1"}

	for i := 0; i < 2000; i++ {
		key := Key{Kind: "Service", Namespace: "ns", Name: fmt.Sprintf("obj%d", rng.IntN(6))}
		if rng.IntN(3) == 0 {
			s.Remove(key)
			delete(live, key)
			continue
		}
		records := map[string][]string{}
		for _, n := range names {
			if rng.IntN(2) == 0 {
				continue
			}
			for _, a := range addrs {
				if rng.IntN(2) == 0 {
					records[n] = append(records[n], a)
				}
			}
		}
		e := &Entry{Key: key, Records: records}
		s.AddReplace(e)
		if e.Empty() {
			delete(live, key)
		} else {
			live[key] = e
		}

		for _, n := range names {
			want := map[string]bool{}
			for _, le := range live {
				for _, a := range le.Records[n] {
					want[a] = true
				}
			}
			got, _ := s.Lookup(n)
			if len(got) != len(want) {
				t.Fatalf("step %d: Lookup(%q) = %v, want %v", i, n, got, want)
			}
			for _, a := range got {
				if !want[a] {
					t.Fatalf("step %d: Lookup(%q) has stale %s", i, n, a)
				}
			}
		}
	}
}

func TestStoreConcurrentLookup(t *testing.T) {
	s := newTestStore()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				s.AddReplace(entry(fmt.Sprintf("w%d", i), map[string][]string{"svc1": {"172.16.1.1"}}))
				s.Remove(Key{Kind: "Service", Namespace: "default", Name: fmt.Sprintf("w%d", i)})
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				if _, ok := s.Lookup("svc1"); !ok {
					t.Error("svc1 disappeared during concurrent updates")
					return
				}
			}
		}()
	}
	wg.Wait()

	checkLookup(t, s, "svc1", "172.16.1.1", "172.16.1.2")
}
