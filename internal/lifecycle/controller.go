// Package lifecycle drives comment creation, modification and removal as an
// explicit state machine. It is the only writer of a document's comment store.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"chronicle/comments/internal/anchor"
	"chronicle/comments/internal/comments"
)

var (
	// ErrBusy is returned when a command needs Idle but another session is open.
	ErrBusy = errors.New("another comment session is active")
	// ErrNotDrafting is returned by ConfirmInsert outside the Drafting phase.
	ErrNotDrafting = errors.New("no comment draft is open")
	// ErrNotEditing is returned by CancelEdit outside the Editing phase.
	ErrNotEditing = errors.New("no comment is open for editing")
)

type Phase string

const (
	PhaseIdle              Phase = "IDLE"
	PhaseDrafting          Phase = "DRAFTING"
	PhaseEditing           Phase = "EDITING"
	PhaseConfirmingRemoval Phase = "CONFIRMING_REMOVAL"
)

// State is a snapshot of the controller. CommentID is set for Editing and
// ConfirmingRemoval; Anchor and Position are set while Drafting.
type State struct {
	Phase     Phase           `json:"phase"`
	CommentID string          `json:"commentId,omitempty"`
	Anchor    anchor.ID       `json:"anchor,omitempty"`
	Position  anchor.Position `json:"position"`
	Draft     string          `json:"draft"`
}

type Transition struct {
	From State
	To   State
}

type Controller struct {
	mu      sync.Mutex
	store   *comments.Store
	anchors *anchor.Registry
	state   atomic.Pointer[State]
	hooks   []func(Transition)
}

func New(store *comments.Store) *Controller {
	c := &Controller{
		store:   store,
		anchors: store.Anchors(),
	}
	c.state.Store(&State{Phase: PhaseIdle})
	return c
}

// OnTransition registers a hook called after every phase change. Hooks run
// with the controller locked and may only call State.
func (c *Controller) OnTransition(hook func(Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

// State never blocks.
func (c *Controller) State() State {
	return *c.state.Load()
}

func (c *Controller) Store() *comments.Store {
	return c.store
}

// BeginInsert opens a draft with an empty body at a provisional anchor.
func (c *Controller) BeginInsert(pos anchor.Position) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.State()
	if current.Phase != PhaseIdle {
		return current, fmt.Errorf("%w: %s", ErrBusy, current.Phase)
	}
	anchorID, err := c.anchors.Place(pos)
	if err != nil {
		return current, err
	}
	resolved, _ := c.anchors.Resolve(anchorID)
	return c.transition(State{Phase: PhaseDrafting, Anchor: anchorID, Position: resolved}), nil
}

// ConfirmInsert commits the draft. A rejected body releases the provisional
// anchor and returns the controller to Idle without creating anything.
func (c *Controller) ConfirmInsert(body string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.State()
	if current.Phase != PhaseDrafting {
		return "", ErrNotDrafting
	}
	id, err := c.store.Add(current.Anchor, body)
	if err != nil {
		c.anchors.Release(current.Anchor)
		c.transition(State{Phase: PhaseIdle})
		return "", err
	}
	c.transition(State{Phase: PhaseIdle})
	return id, nil
}

// CancelInsert discards the draft. Outside Drafting it does nothing.
func (c *Controller) CancelInsert() {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.State()
	if current.Phase != PhaseDrafting {
		return
	}
	c.anchors.Release(current.Anchor)
	c.transition(State{Phase: PhaseIdle})
}

// BeginEdit opens an existing comment with its current body as the draft.
func (c *Controller) BeginEdit(id string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beginEditLocked(id)
}

func (c *Controller) beginEditLocked(id string) (State, error) {
	current := c.State()
	if current.Phase != PhaseIdle {
		return current, fmt.Errorf("%w: %s", ErrBusy, current.Phase)
	}
	existing, ok := c.store.Get(id)
	if !ok {
		return current, fmt.Errorf("%w: %s", comments.ErrNotFound, id)
	}
	pos, _ := c.anchors.Resolve(existing.Anchor)
	return c.transition(State{
		Phase:     PhaseEditing,
		CommentID: id,
		Anchor:    existing.Anchor,
		Position:  pos,
		Draft:     existing.Body,
	}), nil
}

// ConfirmEdit replaces the whole body with the supplied text. Called while
// Idle it opens the comment first. A rejected body keeps an edit opened by
// BeginEdit; an edit opened here is closed again.
func (c *Controller) ConfirmEdit(id, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.State()
	implicit := false
	switch {
	case current.Phase == PhaseIdle:
		if _, err := c.beginEditLocked(id); err != nil {
			return err
		}
		implicit = true
	case current.Phase == PhaseEditing && current.CommentID == id:
	default:
		return fmt.Errorf("%w: %s %s", ErrBusy, current.Phase, current.CommentID)
	}
	if err := c.store.Update(id, body); err != nil {
		if implicit || errors.Is(err, comments.ErrNotFound) {
			c.transition(State{Phase: PhaseIdle})
		}
		return err
	}
	c.transition(State{Phase: PhaseIdle})
	return nil
}

func (c *Controller) CancelEdit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State().Phase != PhaseEditing {
		return ErrNotEditing
	}
	c.transition(State{Phase: PhaseIdle})
	return nil
}

// Remove deletes a comment. It is allowed from Idle or while that same
// comment is open for editing.
func (c *Controller) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.State()
	if current.Phase != PhaseIdle && !(current.Phase == PhaseEditing && current.CommentID == id) {
		return fmt.Errorf("%w: %s", ErrBusy, current.Phase)
	}
	if _, ok := c.store.Get(id); !ok {
		return fmt.Errorf("%w: %s", comments.ErrNotFound, id)
	}
	c.transition(State{Phase: PhaseConfirmingRemoval, CommentID: id})
	err := c.store.Remove(id)
	c.transition(State{Phase: PhaseIdle})
	return err
}

// Abort closes any open session as if the user cancelled it.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.State()
	switch current.Phase {
	case PhaseIdle:
		return
	case PhaseDrafting:
		c.anchors.Release(current.Anchor)
	}
	c.transition(State{Phase: PhaseIdle})
}

func (c *Controller) transition(next State) State {
	prev := c.state.Swap(&next)
	for _, hook := range c.hooks {
		hook(Transition{From: *prev, To: next})
	}
	return next
}
