package app

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"chronicle/comments/internal/archive"
	"chronicle/comments/internal/cache"
	"chronicle/comments/internal/config"
	"chronicle/comments/internal/gitrepo"
	"chronicle/comments/internal/persist"
	"chronicle/comments/internal/search"
	"chronicle/comments/internal/store"
)

type fakeRecordStore struct {
	mu        sync.Mutex
	rows      map[string][]store.CommentRecord
	saves     map[string]store.DocumentSave
	replaceFn func(context.Context, store.DocumentSave, []store.CommentRecord) error
	listFn    func(context.Context, string) ([]store.CommentRecord, error)
	pingFn    func(context.Context) error
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{
		rows:  make(map[string][]store.CommentRecord),
		saves: make(map[string]store.DocumentSave),
	}
}

func (f *fakeRecordStore) ReplaceComments(ctx context.Context, save store.DocumentSave, rows []store.CommentRecord) error {
	if f.replaceFn != nil {
		if err := f.replaceFn(ctx, save, rows); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[save.DocumentID] = append([]store.CommentRecord(nil), rows...)
	f.saves[save.DocumentID] = save
	return nil
}

func (f *fakeRecordStore) ListComments(ctx context.Context, documentID string) ([]store.CommentRecord, error) {
	if f.listFn != nil {
		return f.listFn(ctx, documentID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.CommentRecord(nil), f.rows[documentID]...), nil
}

func (f *fakeRecordStore) LastSave(_ context.Context, documentID string) (store.DocumentSave, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	save, ok := f.saves[documentID]
	if !ok {
		return store.DocumentSave{}, sql.ErrNoRows
	}
	return save, nil
}

func (f *fakeRecordStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeCache struct {
	mu            sync.Mutex
	items         map[string]persist.Snapshot
	puts          int
	invalidations int
	getFn         func(context.Context, string) (persist.Snapshot, error)
	putFn         func(context.Context, persist.Snapshot) error
	pingFn        func(context.Context) error
}

func newFakeCache() *fakeCache {
	return &fakeCache{items: make(map[string]persist.Snapshot)}
}

func (f *fakeCache) Put(ctx context.Context, snapshot persist.Snapshot) error {
	if f.putFn != nil {
		if err := f.putFn(ctx, snapshot); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[snapshot.DocumentID] = snapshot
	f.puts++
	return nil
}

func (f *fakeCache) Get(ctx context.Context, documentID string) (persist.Snapshot, error) {
	if f.getFn != nil {
		return f.getFn(ctx, documentID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot, ok := f.items[documentID]
	if !ok {
		return persist.Snapshot{}, cache.ErrMiss
	}
	return snapshot, nil
}

func (f *fakeCache) Invalidate(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, documentID)
	f.invalidations++
	return nil
}

func (f *fakeCache) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeHistory struct {
	commitFn     func(persist.Snapshot, string, string) (store.CommitInfo, error)
	headFn       func(string) (persist.Snapshot, store.CommitInfo, error)
	historyFn    func(string, int) ([]store.CommitInfo, error)
	snapshotAtFn func(string, string) (persist.Snapshot, error)
}

func (f *fakeHistory) CommitSnapshot(snapshot persist.Snapshot, author, message string) (store.CommitInfo, error) {
	if f.commitFn != nil {
		return f.commitFn(snapshot, author, message)
	}
	return store.CommitInfo{Hash: "abc1234", Message: message, Author: author, Comments: len(snapshot.Records)}, nil
}

func (f *fakeHistory) Head(documentID string) (persist.Snapshot, store.CommitInfo, error) {
	if f.headFn != nil {
		return f.headFn(documentID)
	}
	return persist.Snapshot{}, store.CommitInfo{}, gitrepo.ErrNoHistory
}

func (f *fakeHistory) History(documentID string, limit int) ([]store.CommitInfo, error) {
	if f.historyFn != nil {
		return f.historyFn(documentID, limit)
	}
	return nil, gitrepo.ErrNoHistory
}

func (f *fakeHistory) SnapshotAt(documentID, hash string) (persist.Snapshot, error) {
	if f.snapshotAtFn != nil {
		return f.snapshotAtFn(documentID, hash)
	}
	return persist.Snapshot{}, gitrepo.ErrNoHistory
}

type fakeArchive struct {
	mu      sync.Mutex
	keys    []string
	objects map[string]persist.Snapshot
	putFn   func(context.Context, persist.Snapshot) (string, error)
}

func (f *fakeArchive) Put(ctx context.Context, snapshot persist.Snapshot) (string, error) {
	if f.putFn != nil {
		return f.putFn(ctx, snapshot)
	}
	key := archive.ObjectKey(snapshot.DocumentID, snapshot.SavedAt)
	f.mu.Lock()
	f.keys = append(f.keys, key)
	if f.objects == nil {
		f.objects = make(map[string]persist.Snapshot)
	}
	f.objects[key] = snapshot
	f.mu.Unlock()
	return key, nil
}

func (f *fakeArchive) Get(_ context.Context, key string) (persist.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot, ok := f.objects[key]
	if !ok {
		return persist.Snapshot{}, archive.ErrNotFound
	}
	return snapshot, nil
}

func (f *fakeArchive) List(_ context.Context, documentID string) ([]archive.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := make([]archive.Entry, 0, len(f.keys))
	for _, key := range f.keys {
		doc, savedAt, ok := archive.ParseKey(key)
		if ok && doc == documentID {
			entries = append(entries, archive.Entry{Key: key, SavedAt: savedAt})
		}
	}
	return entries, nil
}

type syncCall struct {
	records     []search.CommentRecord
	removedKeys []string
}

type fakeSearch struct {
	mu       sync.Mutex
	syncs    []syncCall
	searchFn func(search.Query) search.Response
	reindex  int
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(q)
	}
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) SyncDocument(records []search.CommentRecord, removedKeys []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs = append(f.syncs, syncCall{records: records, removedKeys: removedKeys})
}

func (f *fakeSearch) ReindexAllFromPG(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reindex++
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		CORSOrigin: "*",
	}
}

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, records *fakeRecordStore, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(testConfig(), records, opts...)
}
