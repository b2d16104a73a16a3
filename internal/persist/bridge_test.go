package persist

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"chronicle/comments/internal/anchor"
	"chronicle/comments/internal/comments"
	"chronicle/comments/internal/lifecycle"
)

func seededStore(t *testing.T, bodies ...string) *comments.Store {
	t.Helper()
	ctrl := lifecycle.New(comments.NewStore(anchor.NewRegistry()))
	for i, body := range bodies {
		if _, err := ctrl.BeginInsert(anchor.Position{NodeID: fmt.Sprintf("slide-%d", i+1), Offset: i}); err != nil {
			t.Fatalf("BeginInsert() error = %v", err)
		}
		if _, err := ctrl.ConfirmInsert(body); err != nil {
			t.Fatalf("ConfirmInsert() error = %v", err)
		}
	}
	return ctrl.Store()
}

type commentView struct {
	ID   string
	Pos  anchor.Position
	Body string
}

func view(t *testing.T, store *comments.Store) []commentView {
	t.Helper()
	items := store.All()
	out := make([]commentView, 0, len(items))
	for _, c := range items {
		pos, ok := store.Anchors().Resolve(c.Anchor)
		if !ok {
			t.Fatalf("comment %s has unresolved anchor", c.ID)
		}
		out = append(out, commentView{ID: c.ID, Pos: pos, Body: c.Body})
	}
	return out
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, bodies := range [][]string{
		nil,
		{"some text"},
		{"first", "second", "  padded  ", "multi\nline"},
	} {
		t.Run(strings.Join(bodies, "|"), func(t *testing.T) {
			original := seededStore(t, bodies...)
			records, err := Save(original)
			if err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			reloaded := comments.NewStore(anchor.NewRegistry())
			report, err := Load(records, reloaded)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if report.Loaded != len(bodies) || len(report.Dropped) != 0 {
				t.Fatalf("unexpected report %+v", report)
			}
			want, got := view(t, original), view(t, reloaded)
			if len(want) != len(got) {
				t.Fatalf("expected %d comments, got %d", len(want), len(got))
			}
			for i := range want {
				if want[i] != got[i] {
					t.Fatalf("comment %d: want %+v, got %+v", i, want[i], got[i])
				}
			}
		})
	}
}

func TestSavedCommentSurvivesReload(t *testing.T) {
	original := seededStore(t, "some text")
	records, err := Save(original)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	reloaded := comments.NewStore(anchor.NewRegistry())
	if _, err := Load(records, reloaded); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	all := reloaded.All()
	if len(all) != 1 || all[0].Body != "some text" {
		t.Fatalf("unexpected reloaded comments %+v", all)
	}
	if _, ok := reloaded.Anchors().Resolve(all[0].Anchor); !ok {
		t.Fatal("reloaded comment anchor does not resolve")
	}
}

func TestLoadDropsUnresolvableRecords(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	records := []Record{
		{ID: "cmt_a", Position: anchor.Position{NodeID: "slide-1"}, Body: "kept", CreatedAt: created},
		{ID: "cmt_b", Position: anchor.Position{NodeID: "slide-gone"}, Body: "lost anchor", CreatedAt: created},
		{ID: "cmt_c", Position: anchor.Position{NodeID: "slide-1", Offset: 2}, Body: "   ", CreatedAt: created},
		{ID: "cmt_a", Position: anchor.Position{NodeID: "slide-1", Offset: 3}, Body: "duplicate", CreatedAt: created},
		{ID: "cmt_d", Position: anchor.Position{NodeID: "slide-1", Offset: 4}, Body: "also kept", CreatedAt: created},
	}
	registry := anchor.NewRegistry(anchor.WithValidator(func(p anchor.Position) error {
		if p.NodeID == "slide-gone" {
			return errors.New("node deleted")
		}
		return nil
	}))
	store := comments.NewStore(registry)

	report, err := Load(records, store)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if report.Loaded != 2 || len(report.Dropped) != 3 {
		t.Fatalf("unexpected report %+v", report)
	}
	if !errors.Is(report.Dropped[0].Err, comments.ErrAnchorUnresolved) {
		t.Fatalf("expected ErrAnchorUnresolved for missing node, got %v", report.Dropped[0].Err)
	}
	if !errors.Is(report.Dropped[1].Err, comments.ErrValidation) {
		t.Fatalf("expected ErrValidation for blank body, got %v", report.Dropped[1].Err)
	}
	if !errors.Is(report.Dropped[2].Err, comments.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", report.Dropped[2].Err)
	}
	if registry.Len() != 2 {
		t.Fatalf("dropped records left anchors behind: %d anchors", registry.Len())
	}
	got, ok := store.Get("cmt_a")
	if !ok || got.Body != "kept" || !got.CreatedAt.Equal(created) {
		t.Fatalf("unexpected comment %+v", got)
	}
}

func TestLoadRequiresFreshStore(t *testing.T) {
	store := seededStore(t, "existing")
	if _, err := Load(nil, store); !errors.Is(err, ErrStoreNotEmpty) {
		t.Fatalf("expected ErrStoreNotEmpty, got %v", err)
	}
}

func TestNonASCIIBodiesKeepTheirChecksum(t *testing.T) {
	original := seededStore(t, "café � 日本語")
	records, err := Save(original)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	snapshot, err := NewSnapshot("doc-1", records, time.Now())
	if err != nil {
		t.Fatalf("NewSnapshot() error = %v", err)
	}
	data, err := Encode(snapshot)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if decoded.Records[0].Body != "café � 日本語" {
		t.Fatalf("unexpected body %q", decoded.Records[0].Body)
	}
}

func TestBodiesThatCannotRoundTripAreRejected(t *testing.T) {
	ctrl := lifecycle.New(comments.NewStore(anchor.NewRegistry()))
	for _, body := range []string{"caf\xe9", "nul\x00byte"} {
		if _, err := ctrl.BeginInsert(anchor.Position{NodeID: "slide-1"}); err != nil {
			t.Fatalf("BeginInsert() error = %v", err)
		}
		if _, err := ctrl.ConfirmInsert(body); !errors.Is(err, comments.ErrValidation) {
			t.Fatalf("ConfirmInsert(%q) expected ErrValidation, got %v", body, err)
		}
	}

	loaded := comments.NewStore(anchor.NewRegistry())
	report, err := Load([]Record{
		{ID: "cmt_bad", Position: anchor.Position{NodeID: "slide-1"}, Body: "caf\xe9"},
		{ID: "cmt_ok", Position: anchor.Position{NodeID: "slide-2"}, Body: "café"},
	}, loaded)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if report.Loaded != 1 || len(report.Dropped) != 1 || report.Dropped[0].Record.ID != "cmt_bad" {
		t.Fatalf("unexpected report %+v", report)
	}
}
