package store

import (
	"slices"
	"testing"
)

func one(key int, values ...int) map[int][]int {
	return map[int][]int{key: values}
}

func TestIndexAdd(t *testing.T) {
	ix := NewIndex[int, int]()
	ix.Change(one(0, 1, 2, 3), 1)
	ix.Change(one(0, 3, 4, 5), 1)

	if got, want := ix.Get(0), []int{1, 2, 3, 4, 5}; !slices.Equal(got, want) {
		t.Errorf("Get(0) = %v, want %v", got, want)
	}
	if n := ix.Count(0, 3); n != 2 {
		t.Errorf("Count(0, 3) = %d, want 2", n)
	}
}

func TestIndexSeparateKeys(t *testing.T) {
	ix := NewIndex[int, int]()
	ix.Change(one(0, 1, 2, 3), 1)
	ix.Change(one(1, 3, 4, 5), 1)

	if got, want := ix.Get(0), []int{1, 2, 3}; !slices.Equal(got, want) {
		t.Errorf("Get(0) = %v, want %v", got, want)
	}
	if got, want := ix.Get(1), []int{3, 4, 5}; !slices.Equal(got, want) {
		t.Errorf("Get(1) = %v, want %v", got, want)
	}
}

func TestIndexSubtract(t *testing.T) {
	ix := NewIndex[int, int]()
	ix.Change(one(0, 1, 2, 3), 1)
	ix.Change(one(0, 3, 4, 5), 1)
	ix.Change(one(0, 3, 4, 5), -1)

	if got, want := ix.Get(0), []int{1, 2, 3}; !slices.Equal(got, want) {
		t.Errorf("Get(0) = %v, want %v", got, want)
	}
}

func TestIndexEmpty(t *testing.T) {
	tests := []struct {
		name   string
		change func(ix *Index[int, int])
	}{
		{"all contributions withdrawn", func(ix *Index[int, int]) {
			ix.Change(one(0, 1, 2, 3), 1)
			ix.Change(one(0, 3, 4, 5), 1)
			ix.Change(one(0, 1, 2, 3), -1)
			ix.Change(one(0, 3, 4, 5), -1)
		}},
		{"empty value list", func(ix *Index[int, int]) {
			ix.Change(one(0), 1)
		}},
		{"never added", func(ix *Index[int, int]) {}},
		{"removal without addition", func(ix *Index[int, int]) {
			ix.Change(one(0, 1), -1)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ix := NewIndex[int, int]()
			tt.change(ix)
			if got := ix.Get(0); got != nil {
				t.Errorf("Get(0) = %v, want nil", got)
			}
			if ix.Len() != 0 {
				t.Errorf("Len() = %d, want 0", ix.Len())
			}
		})
	}
}

func TestIndexCountsNeverNegative(t *testing.T) {
	ix := NewIndex[int, int]()
	ix.Change(one(0, 1), -1)
	ix.Change(one(0, 1), 1)

	if got, want := ix.Get(0), []int{1}; !slices.Equal(got, want) {
		t.Errorf("Get(0) = %v, want %v", got, want)
	}
}
