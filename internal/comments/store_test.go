package comments

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"chronicle/comments/internal/anchor"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *anchor.Registry) {
	t.Helper()
	registry := anchor.NewRegistry()
	seq := 0
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	defaults := []Option{
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("cmt_%d", seq)
		}),
		WithClock(func() time.Time {
			tick++
			return base.Add(time.Duration(tick) * time.Second)
		}),
	}
	return NewStore(registry, append(defaults, opts...)...), registry
}

func placeAnchor(t *testing.T, registry *anchor.Registry, node string) anchor.ID {
	t.Helper()
	id, err := registry.Place(anchor.Position{NodeID: node})
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}
	return id
}

func TestAddEmitsAddedEvent(t *testing.T) {
	store, registry := newTestStore(t)
	var events []Event
	store.Subscribe(func(e Event) { events = append(events, e) })

	anchorID := placeAnchor(t, registry, "slide-1")
	id, err := store.Add(anchorID, "some text")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	got, ok := store.Get(id)
	if !ok || got.Body != "some text" || got.Anchor != anchorID {
		t.Fatalf("unexpected comment %+v (ok=%v)", got, ok)
	}
	if len(events) != 1 || events[0].Kind != EventAdded || events[0].CommentID != id {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[0].Position.NodeID != "slide-1" {
		t.Fatalf("expected position in added event, got %+v", events[0].Position)
	}
}

func TestAddRejectsBlankBodies(t *testing.T) {
	for _, body := range []string{"", " ", "\t\n", "  "} {
		t.Run(fmt.Sprintf("%q", body), func(t *testing.T) {
			store, registry := newTestStore(t)
			emitted := 0
			store.Subscribe(func(Event) { emitted++ })
			_, err := store.Add(placeAnchor(t, registry, "n"), body)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if store.Len() != 0 || emitted != 0 {
				t.Fatalf("blank body changed store: len=%d events=%d", store.Len(), emitted)
			}
		})
	}
}

func TestAddRequiresResolvableFreeAnchor(t *testing.T) {
	store, registry := newTestStore(t)
	if _, err := store.Add(anchor.ID(99), "x"); !errors.Is(err, ErrAnchorUnresolved) {
		t.Fatalf("expected ErrAnchorUnresolved, got %v", err)
	}
	anchorID := placeAnchor(t, registry, "n")
	if _, err := store.Add(anchorID, "first"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if _, err := store.Add(anchorID, "second"); !errors.Is(err, ErrAnchorInUse) {
		t.Fatalf("expected ErrAnchorInUse, got %v", err)
	}
}

func TestUpdateReplacesBody(t *testing.T) {
	store, registry := newTestStore(t)
	id, _ := store.Add(placeAnchor(t, registry, "n"), "some text")
	before, _ := store.Get(id)

	var events []Event
	store.Subscribe(func(e Event) { events = append(events, e) })
	if err := store.Update(id, "modified some text"); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	after, _ := store.Get(id)
	if after.Body != "modified some text" {
		t.Fatalf("expected modified body, got %q", after.Body)
	}
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Fatalf("UpdatedAt not bumped: %v -> %v", before.UpdatedAt, after.UpdatedAt)
	}
	if !after.CreatedAt.Equal(before.CreatedAt) {
		t.Fatal("CreatedAt changed on update")
	}
	if len(events) != 1 || events[0].Kind != EventUpdated || events[0].Body != "modified some text" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestUpdateErrors(t *testing.T) {
	store, registry := newTestStore(t)
	id, _ := store.Add(placeAnchor(t, registry, "n"), "some text")

	if err := store.Update("cmt_missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Update(id, "   "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	got, _ := store.Get(id)
	if got.Body != "some text" {
		t.Fatalf("rejected update changed body to %q", got.Body)
	}
}

func TestRemoveReleasesAnchor(t *testing.T) {
	store, registry := newTestStore(t)
	anchorID := placeAnchor(t, registry, "n")
	id, _ := store.Add(anchorID, "some text")

	var events []Event
	store.Subscribe(func(e Event) { events = append(events, e) })
	if err := store.Remove(id); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, ok := store.Get(id); ok {
		t.Fatal("removed comment still present")
	}
	if len(store.All()) != 0 {
		t.Fatalf("All() still lists %d comments", len(store.All()))
	}
	if _, ok := registry.Resolve(anchorID); ok {
		t.Fatal("anchor still resolvable after remove")
	}
	if len(events) != 1 || events[0].Kind != EventRemoved {
		t.Fatalf("unexpected events %+v", events)
	}
	if err := store.Remove(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}
}

func TestAllKeepsInsertionOrder(t *testing.T) {
	store, registry := newTestStore(t)
	var ids []string
	for _, body := range []string{"a", "b", "c", "d"} {
		id, err := store.Add(placeAnchor(t, registry, body), body)
		if err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		ids = append(ids, id)
	}
	if err := store.Remove(ids[1]); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	all := store.All()
	want := []string{ids[0], ids[2], ids[3]}
	if len(all) != len(want) {
		t.Fatalf("expected %d comments, got %d", len(want), len(all))
	}
	for i := range want {
		if all[i].ID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], all[i].ID)
		}
	}
}

func TestEveryLiveCommentResolves(t *testing.T) {
	store, registry := newTestStore(t)
	for i := 0; i < 5; i++ {
		if _, err := store.Add(placeAnchor(t, registry, fmt.Sprintf("n%d", i)), "body"); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	first := store.All()[0]
	if err := store.Remove(first.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	for _, c := range store.All() {
		if _, ok := registry.Resolve(c.Anchor); !ok {
			t.Fatalf("comment %s has unresolved anchor %d", c.ID, c.Anchor)
		}
	}
}

func TestRestoreKeepsIdentity(t *testing.T) {
	store, registry := newTestStore(t)
	anchorID := placeAnchor(t, registry, "n")
	created := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	emitted := 0
	store.Subscribe(func(Event) { emitted++ })

	err := store.Restore(Comment{ID: "cmt_saved", Anchor: anchorID, Body: "some text", CreatedAt: created})
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	got, ok := store.Get("cmt_saved")
	if !ok || !got.CreatedAt.Equal(created) || !got.UpdatedAt.Equal(created) {
		t.Fatalf("unexpected restored comment %+v", got)
	}
	if emitted != 0 {
		t.Fatalf("Restore emitted %d events", emitted)
	}
	other := placeAnchor(t, registry, "m")
	if err := store.Restore(Comment{ID: "cmt_saved", Anchor: other, Body: "x"}); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	store, registry := newTestStore(t)
	count := 0
	unsubscribe := store.Subscribe(func(Event) { count++ })
	_, _ = store.Add(placeAnchor(t, registry, "a"), "one")
	unsubscribe()
	_, _ = store.Add(placeAnchor(t, registry, "b"), "two")
	if count != 1 {
		t.Fatalf("expected 1 delivered event, got %d", count)
	}
}

func TestEventsFollowOperationOrder(t *testing.T) {
	store, registry := newTestStore(t)
	var kinds []EventKind
	store.Subscribe(func(e Event) { kinds = append(kinds, e.Kind) })

	id, _ := store.Add(placeAnchor(t, registry, "a"), "one")
	_ = store.Update(id, "two")
	_ = store.Remove(id)

	want := []EventKind{EventAdded, EventUpdated, EventRemoved}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
	}
}

func TestTimestampsKeepMicrosecondPrecision(t *testing.T) {
	registry := anchor.NewRegistry()
	at := time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.UTC)
	store := NewStore(registry, WithClock(func() time.Time { return at }))
	id, err := store.Add(placeAnchor(t, registry, "slide-1"), "some text")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := store.Update(id, "modified some text"); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, _ := store.Get(id)
	want := time.Date(2026, 1, 2, 3, 4, 5, 123456000, time.UTC)
	if !got.CreatedAt.Equal(want) || !got.UpdatedAt.Equal(want) {
		t.Fatalf("expected %s, got created %s updated %s", want, got.CreatedAt, got.UpdatedAt)
	}
}
