// Package vectorindex implements an exact, flat inner-product index.
//
// Vectors are expected to be L2-normalized so the inner product equals the
// cosine similarity. The index stores every vector contiguously and scores
// every candidate on each search; there is no approximation.
package vectorindex

import (
	"container/heap"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"slices"
)

// IndexType is recorded in bundle manifests
const IndexType = "flat_ip"

var (
	ErrDimension = errors.New("vector dimension mismatch")
	ErrOrdinal   = errors.New("ordinal out of range")
)

// Hit is a single search result
type Hit struct {
	Ordinal int
	Score   float32
}

// Flat holds vectors in insertion order; the ordinal of a vector is its
// position.
type Flat struct {
	dim  int
	data []float32
}

// Build creates an index holding vectors in order
func Build(dim int, vectors [][]float32) (*Flat, error) {
	f := &Flat{dim: dim, data: make([]float32, 0, dim*len(vectors))}
	if err := f.Add(vectors...); err != nil {
		return nil, err
	}
	return f, nil
}

// Add appends vectors to the index. Either all vectors are added or none.
func (f *Flat) Add(vectors ...[]float32) error {
	for i, v := range vectors {
		if len(v) != f.dim {
			return fmt.Errorf("%w: vector %d has %d dimensions, index has %d", ErrDimension, i, len(v), f.dim)
		}
	}
	for _, v := range vectors {
		f.data = append(f.data, v...)
	}
	return nil
}

// Len returns the number of stored vectors
func (f *Flat) Len() int {
	if f.dim == 0 {
		return 0
	}
	return len(f.data) / f.dim
}

// Dim returns the vector dimension
func (f *Flat) Dim() int {
	return f.dim
}

// Reconstruct returns a copy of the vector stored at ordinal
func (f *Flat) Reconstruct(ordinal int) ([]float32, error) {
	if ordinal < 0 || ordinal >= f.Len() {
		return nil, fmt.Errorf("%w: %d", ErrOrdinal, ordinal)
	}
	return slices.Clone(f.row(ordinal)), nil
}

// Subset copies the vectors at the given ordinals into a new index. Position
// i of the new index holds the vector at ordinals[i].
func (f *Flat) Subset(ordinals []int) (*Flat, error) {
	sub := &Flat{dim: f.dim, data: make([]float32, 0, f.dim*len(ordinals))}
	for _, o := range ordinals {
		if o < 0 || o >= f.Len() {
			return nil, fmt.Errorf("%w: %d", ErrOrdinal, o)
		}
		sub.data = append(sub.data, f.row(o)...)
	}
	return sub, nil
}

// Search returns the k vectors with the highest inner product against query,
// best first. Equal scores are ordered by ascending ordinal.
func (f *Flat) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != f.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimension, len(query), f.dim)
	}
	top := newTopK(k)
	n := f.Len()
	for i := 0; i < n; i++ {
		top.offer(Hit{Ordinal: i, Score: dot(query, f.row(i))})
	}
	return top.sorted(), nil
}

// SearchSubset scores only the listed ordinals, in place, and returns the
// best k with their original ordinals.
func (f *Flat) SearchSubset(query []float32, ordinals []int, k int) ([]Hit, error) {
	if len(query) != f.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimension, len(query), f.dim)
	}
	top := newTopK(k)
	n := f.Len()
	for _, o := range ordinals {
		if o < 0 || o >= n {
			return nil, fmt.Errorf("%w: %d", ErrOrdinal, o)
		}
		top.offer(Hit{Ordinal: o, Score: dot(query, f.row(o))})
	}
	return top.sorted(), nil
}

func (f *Flat) row(i int) []float32 {
	return f.data[i*f.dim : (i+1)*f.dim]
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// better reports whether a ranks before b
func better(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Ordinal < b.Ordinal
}

// topK keeps the best k hits seen so far in a min-heap whose root is the
// worst retained hit.
type topK struct {
	k    int
	hits []Hit
}

func newTopK(k int) *topK {
	if k < 0 {
		k = 0
	}
	return &topK{k: k, hits: make([]Hit, 0, min(k, 1024))}
}

func (t *topK) Len() int           { return len(t.hits) }
func (t *topK) Less(i, j int) bool { return better(t.hits[j], t.hits[i]) }
func (t *topK) Swap(i, j int)      { t.hits[i], t.hits[j] = t.hits[j], t.hits[i] }
func (t *topK) Push(x any)         { t.hits = append(t.hits, x.(Hit)) }
func (t *topK) Pop() any {
	last := t.hits[len(t.hits)-1]
	t.hits = t.hits[:len(t.hits)-1]
	return last
}

func (t *topK) offer(h Hit) {
	if t.k == 0 {
		return
	}
	if len(t.hits) < t.k {
		heap.Push(t, h)
		return
	}
	if better(h, t.hits[0]) {
		t.hits[0] = h
		heap.Fix(t, 0)
	}
}

func (t *topK) sorted() []Hit {
	out := slices.Clone(t.hits)
	slices.SortFunc(out, func(a, b Hit) int {
		if better(a, b) {
			return -1
		}
		if better(b, a) {
			return 1
		}
		return 0
	})
	return out
}

// persisted is the gob layout of an index file
type persisted struct {
	Dim     int
	Count   int
	Vectors []float32
}

// Encode serializes the index with encoding/gob
func (f *Flat) Encode(w io.Writer) error {
	return gob.NewEncoder(w).Encode(persisted{Dim: f.dim, Count: f.Len(), Vectors: f.data})
}

// Decode deserializes an index written by Encode
func Decode(r io.Reader) (*Flat, error) {
	var p persisted
	if err := gob.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	if p.Dim <= 0 {
		return nil, fmt.Errorf("decode index: invalid dimension %d", p.Dim)
	}
	if len(p.Vectors) != p.Dim*p.Count {
		return nil, fmt.Errorf("decode index: %d values for %d vectors of dimension %d", len(p.Vectors), p.Count, p.Dim)
	}
	return &Flat{dim: p.Dim, data: p.Vectors}, nil
}
