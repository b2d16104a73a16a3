package app

import (
	"fmt"
	"sync"
	"sync/atomic"

	"chronicle/comments/internal/anchor"
	"chronicle/comments/internal/comments"
	"chronicle/comments/internal/lifecycle"
	"chronicle/comments/internal/persist"
)

// workspace is the in-memory working set of one document: its anchors, its
// comments and the controller that mutates them.
type workspace struct {
	documentID string
	anchors    *anchor.Registry
	store      *comments.Store
	ctl        *lifecycle.Controller

	saveMu sync.Mutex
	dirty  atomic.Bool
	closed atomic.Bool

	// savedMu guards savedIDs and gen. gen counts store events so a save
	// can tell whether the working set moved after it was read.
	savedMu  sync.Mutex
	savedIDs map[string]struct{}
	gen      uint64

	unsubscribe func()
}

func openWorkspace(documentID string, records []persist.Record, maxBodyRunes int) (*workspace, persist.Report, error) {
	anchors := anchor.NewRegistry()
	commentStore := comments.NewStore(anchors, comments.WithPolicy(comments.NonBlank{MaxRunes: maxBodyRunes}))
	report, err := persist.Load(records, commentStore)
	if err != nil {
		return nil, report, fmt.Errorf("load %s: %w", documentID, err)
	}

	ws := &workspace{
		documentID: documentID,
		anchors:    anchors,
		store:      commentStore,
		ctl:        lifecycle.New(commentStore),
		savedIDs:   make(map[string]struct{}, len(records)),
	}
	for _, record := range records {
		ws.savedIDs[record.ID] = struct{}{}
	}
	// Records dropped on load are gone from the working set.
	ws.dirty.Store(len(report.Dropped) > 0)
	return ws, report, nil
}

// attach forwards store events and lifecycle transitions to broadcast.
func (w *workspace) attach(broadcast func(string, Message)) {
	w.unsubscribe = w.store.Subscribe(func(event comments.Event) {
		w.savedMu.Lock()
		w.gen++
		w.dirty.Store(true)
		w.savedMu.Unlock()
		if w.closed.Load() {
			return
		}
		e := event
		broadcast(w.documentID, Message{Type: string(event.Kind), DocumentID: w.documentID, Event: &e})
	})
	w.ctl.OnTransition(func(t lifecycle.Transition) {
		if w.closed.Load() {
			return
		}
		state := t.To
		broadcast(w.documentID, Message{Type: MessageState, DocumentID: w.documentID, State: &state})
	})
}

// close abandons the working set, cancelling any open draft or edit.
func (w *workspace) close() {
	w.closed.Store(true)
	w.ctl.Abort()
	if w.unsubscribe != nil {
		w.unsubscribe()
	}
}

func (w *workspace) view() StateView {
	return StateView{
		DocumentID: w.documentID,
		State:      w.ctl.State(),
		Comments:   w.store.Len(),
		Unsaved:    w.dirty.Load(),
	}
}

func (w *workspace) comment(id string) (CommentView, error) {
	c, ok := w.store.Get(id)
	if !ok {
		return CommentView{}, fmt.Errorf("%w: %s", comments.ErrNotFound, id)
	}
	pos, ok := w.anchors.Resolve(c.Anchor)
	if !ok {
		return CommentView{}, fmt.Errorf("%s: %w", id, comments.ErrAnchorUnresolved)
	}
	return CommentView{
		ID:        c.ID,
		Anchor:    pos,
		Body:      c.Body,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}, nil
}

func (w *workspace) list() ([]CommentView, error) {
	records, err := persist.Save(w.store)
	if err != nil {
		return nil, err
	}
	return recordsToViews(records), nil
}

// snapshot reads the working set along with the event generation it reflects.
// Events already applied but not yet delivered only make the generation look
// newer than the records, which leaves the workspace marked unsaved.
func (w *workspace) snapshot() ([]persist.Record, uint64, error) {
	w.savedMu.Lock()
	gen := w.gen
	w.savedMu.Unlock()
	records, err := persist.Save(w.store)
	if err != nil {
		return nil, 0, err
	}
	return records, gen, nil
}

// markSaved records which ids are now saved and returns those present in the
// previous save but not in this one. The unsaved flag is cleared only if no
// event arrived since gen was read.
func (w *workspace) markSaved(records []persist.Record, gen uint64) []string {
	w.savedMu.Lock()
	defer w.savedMu.Unlock()

	next := make(map[string]struct{}, len(records))
	for _, record := range records {
		next[record.ID] = struct{}{}
	}
	removed := make([]string, 0)
	for id := range w.savedIDs {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	w.savedIDs = next
	if w.gen == gen {
		w.dirty.Store(false)
	}
	return removed
}
