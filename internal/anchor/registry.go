// Package anchor tracks the document positions comments are attached to.
package anchor

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrInvalidPosition is returned by Place when a position cannot host an anchor.
var ErrInvalidPosition = errors.New("invalid anchor position")

// ID identifies an anchor inside one Registry.
type ID uint64

// Position locates a point in the host document: the object (slide, shape,
// paragraph node) plus an offset inside it.
type Position struct {
	NodeID string `json:"nodeId"`
	Offset int    `json:"offset"`
}

func (p Position) String() string {
	return fmt.Sprintf("%s@%d", p.NodeID, p.Offset)
}

// Validator reports whether the host document still contains a position.
type Validator func(Position) error

type Option func(*Registry)

// WithValidator installs a document-aware check run on every Place.
func WithValidator(v Validator) Option {
	return func(r *Registry) {
		r.validate = v
	}
}

// Registry owns anchors. Duplicate placement at the same position yields
// distinct anchors.
type Registry struct {
	mu       sync.Mutex
	next     ID
	anchors  map[ID]Position
	validate Validator
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		anchors: make(map[ID]Position),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Place(pos Position) (ID, error) {
	pos.NodeID = strings.TrimSpace(pos.NodeID)
	if pos.NodeID == "" {
		return 0, fmt.Errorf("%w: node id is required", ErrInvalidPosition)
	}
	if pos.Offset < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrInvalidPosition, pos.Offset)
	}
	if r.validate != nil {
		if err := r.validate(pos); err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidPosition, pos, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.anchors[r.next] = pos
	return r.next, nil
}

func (r *Registry) Resolve(id ID) (Position, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.anchors[id]
	return pos, ok
}

// Release drops an anchor. It reports whether the anchor existed.
func (r *Registry) Release(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.anchors[id]; !ok {
		return false
	}
	delete(r.anchors, id)
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.anchors)
}
