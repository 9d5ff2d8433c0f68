package queue

import (
	"fmt"
	"sync"

	"github.com/perbu/harreplay/pkg/trace"
)

// Queue holds the responses recorded for one (origin, path) pair, in capture
// order, and the position of the next one to serve.
type Queue struct {
	mu        sync.Mutex
	responses []*Response
	cursor    int
}

// Next returns the response at the cursor and advances it. It returns false
// once every response has been served.
func (q *Queue) Next() (*Response, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cursor >= len(q.responses) {
		return nil, false
	}
	r := q.responses[q.cursor]
	q.cursor++
	return r, true
}

// Reset rewinds the cursor to the first response.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.cursor = 0
	q.mu.Unlock()
}

// Len returns the number of recorded responses.
func (q *Queue) Len() int {
	return len(q.responses)
}

// Served returns how many responses have been handed out since the last reset.
func (q *Queue) Served() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cursor
}

// Index maps origin keys and request paths to queues. Lookups take the read
// lock and then the queue's own lock; Reset takes the write lock so no
// lookup can observe a partially rewound index.
type Index struct {
	mu      sync.RWMutex
	origins map[string]map[string]*Queue
}

// Stats summarizes an index.
type Stats struct {
	Origins   int `json:"origins"`
	Queues    int `json:"queues"`
	Responses int `json:"responses"`
	Served    int `json:"served"`
}

// Build renders every entry and files it under its origin and path. Entries
// must be in capture order.
func Build(entries []trace.Entry) (*Index, error) {
	ix := &Index{origins: make(map[string]map[string]*Queue)}
	for _, e := range entries {
		r, err := Render(e)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", e.Index, err)
		}
		key := e.Origin.Key()
		paths, ok := ix.origins[key]
		if !ok {
			paths = make(map[string]*Queue)
			ix.origins[key] = paths
		}
		q, ok := paths[e.Path]
		if !ok {
			q = &Queue{}
			paths[e.Path] = q
		}
		q.responses = append(q.responses, r)
	}
	return ix, nil
}

// Next returns the next recorded response for the pair. Failures are
// *LookupError values wrapping ErrUnknownOrigin, ErrUnknownPath or
// ErrExhausted.
func (ix *Index) Next(originKey, path string) (*Response, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	paths, ok := ix.origins[originKey]
	if !ok {
		return nil, &LookupError{Kind: ErrUnknownOrigin, Origin: originKey, Path: path}
	}
	q, ok := paths[path]
	if !ok {
		return nil, &LookupError{Kind: ErrUnknownPath, Origin: originKey, Path: path}
	}
	r, ok := q.Next()
	if !ok {
		return nil, &LookupError{Kind: ErrExhausted, Origin: originKey, Path: path}
	}
	return r, nil
}

// HasOrigin reports whether any response was recorded for the origin.
func (ix *Index) HasOrigin(originKey string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.origins[originKey]
	return ok
}

// Reset rewinds every queue.
func (ix *Index) Reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, paths := range ix.origins {
		for _, q := range paths {
			q.Reset()
		}
	}
}

func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	s := Stats{Origins: len(ix.origins)}
	for _, paths := range ix.origins {
		s.Queues += len(paths)
		for _, q := range paths {
			s.Responses += q.Len()
			s.Served += q.Served()
		}
	}
	return s
}
