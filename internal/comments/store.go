// Package comments holds the canonical set of comments for one document.
package comments

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"chronicle/comments/internal/anchor"
	"chronicle/comments/internal/util"
)

var (
	// ErrValidation is returned when the policy rejects a body.
	ErrValidation = errors.New("comment body rejected")
	// ErrNotFound is returned for operations on an unknown comment id.
	ErrNotFound = errors.New("comment not found")
	// ErrAnchorUnresolved is returned when a comment references a missing anchor.
	ErrAnchorUnresolved = errors.New("comment anchor unresolved")
	// ErrAnchorInUse is returned when an anchor already carries a live comment.
	ErrAnchorInUse = errors.New("anchor already has a comment")
	// ErrDuplicateID is returned by Restore for an id that is already live.
	ErrDuplicateID = errors.New("duplicate comment id")
)

type Comment struct {
	ID        string
	Anchor    anchor.ID
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type EventKind string

const (
	EventAdded   EventKind = "comment.added"
	EventUpdated EventKind = "comment.updated"
	EventRemoved EventKind = "comment.removed"
)

// Event describes a committed change. Position and Anchor are set for
// EventAdded; Body is empty for EventRemoved.
type Event struct {
	Kind      EventKind       `json:"kind"`
	CommentID string          `json:"commentId"`
	Anchor    anchor.ID       `json:"anchor,omitempty"`
	Position  anchor.Position `json:"position"`
	Body      string          `json:"body,omitempty"`
}

type Listener func(Event)

type Option func(*Store)

func WithPolicy(p Policy) Option {
	return func(s *Store) {
		s.policy = p
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Store) {
		s.newID = newID
	}
}

// Store is safe for concurrent use. Listeners run synchronously, in
// subscription order, after the mutation is visible. A listener must not
// mutate the store it is subscribed to.
type Store struct {
	mu       sync.Mutex
	anchors  *anchor.Registry
	policy   Policy
	now      func() time.Time
	newID    func() string
	order    []string
	byID     map[string]*Comment
	byAnchor map[anchor.ID]string

	listenerMu sync.Mutex
	nextSub    int
	listeners  map[int]Listener
	emitMu     sync.Mutex
}

func NewStore(anchors *anchor.Registry, opts ...Option) *Store {
	s := &Store{
		anchors:   anchors,
		policy:    NonBlank{},
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return util.NewID("cmt") },
		byID:      make(map[string]*Comment),
		byAnchor:  make(map[anchor.ID]string),
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Anchors() *anchor.Registry {
	return s.anchors
}

func (s *Store) Policy() Policy {
	return s.policy
}

func (s *Store) Add(anchorID anchor.ID, body string) (string, error) {
	if !s.policy.Accept(body) {
		return "", ErrValidation
	}

	s.mu.Lock()
	pos, ok := s.anchors.Resolve(anchorID)
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: anchor %d", ErrAnchorUnresolved, anchorID)
	}
	if owner, taken := s.byAnchor[anchorID]; taken {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: anchor %d held by %s", ErrAnchorInUse, anchorID, owner)
	}
	now := s.stamp()
	c := &Comment{
		ID:        s.newID(),
		Anchor:    anchorID,
		Body:      body,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.insertLocked(c)
	s.mu.Unlock()

	s.emit(Event{Kind: EventAdded, CommentID: c.ID, Anchor: anchorID, Position: pos, Body: body})
	return c.ID, nil
}

func (s *Store) Update(id, body string) error {
	s.mu.Lock()
	c, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !s.policy.Accept(body) {
		s.mu.Unlock()
		return ErrValidation
	}
	c.Body = body
	c.UpdatedAt = s.stamp()
	s.mu.Unlock()

	s.emit(Event{Kind: EventUpdated, CommentID: id, Body: body})
	return nil
}

// Remove deletes the comment and releases its anchor.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	c, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.byID, id)
	delete(s.byAnchor, c.Anchor)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.anchors.Release(c.Anchor)
	s.mu.Unlock()

	s.emit(Event{Kind: EventRemoved, CommentID: id})
	return nil
}

// Restore re-inserts a saved comment with its original identity. It does not
// emit events.
func (s *Store) Restore(c Comment) error {
	if !s.policy.Accept(c.Body) {
		return fmt.Errorf("%w: restoring %s", ErrValidation, c.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		return fmt.Errorf("%w: empty id", ErrNotFound)
	}
	if _, exists := s.byID[c.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, c.ID)
	}
	if _, ok := s.anchors.Resolve(c.Anchor); !ok {
		return fmt.Errorf("%w: anchor %d", ErrAnchorUnresolved, c.Anchor)
	}
	if owner, taken := s.byAnchor[c.Anchor]; taken {
		return fmt.Errorf("%w: anchor %d held by %s", ErrAnchorInUse, c.Anchor, owner)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.stamp()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	restored := c
	s.insertLocked(&restored)
	return nil
}

func (s *Store) Get(id string) (Comment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return Comment{}, false
	}
	return *c, true
}

// All returns comments in insertion order.
func (s *Store) All() []Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Comment, 0, len(s.order))
	for _, id := range s.order {
		items = append(items, *s.byID[id])
	}
	return items
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Subscribe registers a listener and returns a function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.listeners[id] = l
	return func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		delete(s.listeners, id)
	}
}

// stamp is the clock truncated to the microsecond precision Postgres keeps,
// so a reloaded comment checksums the same as before it was saved.
func (s *Store) stamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Store) insertLocked(c *Comment) {
	s.byID[c.ID] = c
	s.byAnchor[c.Anchor] = c.ID
	s.order = append(s.order, c.ID)
}

func (s *Store) emit(event Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.listenerMu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	listeners := make([]Listener, 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}
	s.listenerMu.Unlock()

	for _, l := range listeners {
		l(event)
	}
}
