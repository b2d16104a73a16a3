package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"chronicle/comments/internal/anchor"
	"chronicle/comments/internal/archive"
	"chronicle/comments/internal/auth"
	"chronicle/comments/internal/cache"
	"chronicle/comments/internal/comments"
	"chronicle/comments/internal/config"
	"chronicle/comments/internal/export"
	"chronicle/comments/internal/gitrepo"
	"chronicle/comments/internal/lifecycle"
	"chronicle/comments/internal/persist"
	"chronicle/comments/internal/rbac"
	"chronicle/comments/internal/search"
	"chronicle/comments/internal/store"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	ExpiresAt time.Time
}

// CommentView is a comment with its anchor resolved to a position.
type CommentView struct {
	ID        string          `json:"id"`
	Anchor    anchor.Position `json:"anchor"`
	Body      string          `json:"body"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// StateView is the lifecycle state of a document plus its working-set summary.
type StateView struct {
	DocumentID string          `json:"documentId"`
	State      lifecycle.State `json:"state"`
	Comments   int             `json:"comments"`
	Unsaved    bool            `json:"unsaved"`
}

type SaveResult struct {
	DocumentID string            `json:"documentId"`
	Checksum   string            `json:"checksum"`
	SavedAt    time.Time         `json:"savedAt"`
	Comments   int               `json:"comments"`
	Commit     *store.CommitInfo `json:"commit,omitempty"`
	ArchiveKey string            `json:"archiveKey,omitempty"`
}

type recordStore interface {
	ReplaceComments(context.Context, store.DocumentSave, []store.CommentRecord) error
	ListComments(context.Context, string) ([]store.CommentRecord, error)
	LastSave(context.Context, string) (store.DocumentSave, error)
	Ping(context.Context) error
}

type snapshotCache interface {
	Put(context.Context, persist.Snapshot) error
	Get(context.Context, string) (persist.Snapshot, error)
	Invalidate(context.Context, string) error
	Ping(context.Context) error
}

type historyService interface {
	CommitSnapshot(persist.Snapshot, string, string) (store.CommitInfo, error)
	Head(string) (persist.Snapshot, store.CommitInfo, error)
	History(string, int) ([]store.CommitInfo, error)
	SnapshotAt(string, string) (persist.Snapshot, error)
}

type snapshotArchive interface {
	Put(context.Context, persist.Snapshot) (string, error)
	Get(context.Context, string) (persist.Snapshot, error)
	List(context.Context, string) ([]archive.Entry, error)
}

type searchService interface {
	Search(search.Query) search.Response
	SyncDocument([]search.CommentRecord, []string)
	ReindexAllFromPG(context.Context)
}

type Option func(*Service)

func WithCache(c snapshotCache) Option {
	return func(s *Service) { s.cache = c }
}

func WithHistory(h historyService) Option {
	return func(s *Service) { s.git = h }
}

func WithArchive(a snapshotArchive) Option {
	return func(s *Service) { s.archive = a }
}

func WithSearch(svc searchService) Option {
	return func(s *Service) { s.search = svc }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type Service struct {
	cfg      config.Config
	store    recordStore
	cache    snapshotCache
	git      historyService
	archive  snapshotArchive
	search   searchService
	exporter *export.Service
	now      func() time.Time

	mu         sync.Mutex
	workspaces map[string]*workspace

	subMu  sync.Mutex
	subSeq int
	subs   map[string]map[int]chan Message
}

func New(cfg config.Config, records recordStore, opts ...Option) *Service {
	s := &Service{
		cfg:        cfg,
		store:      records,
		now:        time.Now,
		workspaces: make(map[string]*workspace),
		subs:       make(map[string]map[int]chan Message),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.exporter = export.NewService(s)
	return s
}

func (s *Service) Login(ctx context.Context, name, role string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}
	normalized := rbac.Normalize(strings.TrimSpace(role))
	if strings.TrimSpace(role) == "" {
		normalized = rbac.RoleCommenter
	}

	claims := auth.NewClaims(userName, string(normalized), s.cfg.AccessTTL, s.now())
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Role:      claims.Role,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseTokenAt([]byte(s.cfg.JWTSecret), token, s.now())
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Role:      claims.Role,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingCache reports whether a snapshot cache is configured and reachable.
func (s *Service) PingCache(ctx context.Context) (bool, error) {
	if s.cache == nil {
		return false, nil
	}
	return true, s.cache.Ping(ctx)
}

func (s *Service) BeginInsert(ctx context.Context, documentID string, pos anchor.Position) (StateView, error) {
	ws, err := s.workspace(ctx, documentID)
	if err != nil {
		return StateView{}, err
	}
	if _, err := ws.ctl.BeginInsert(pos); err != nil {
		return StateView{}, err
	}
	return ws.view(), nil
}

func (s *Service) ConfirmInsert(ctx context.Context, documentID, body string) (CommentView, error) {
	ws, err := s.workspace(ctx, documentID)
	if err != nil {
		return CommentView{}, err
	}
	id, err := ws.ctl.ConfirmInsert(body)
	if err != nil {
		return CommentView{}, err
	}
	return ws.comment(id)
}

func (s *Service) CancelInsert(ctx context.Context, documentID string) (StateView, error) {
	ws, err := s.workspace(ctx, documentID)
	if err != nil {
		return StateView{}, err
	}
	ws.ctl.CancelInsert()
	return ws.view(), nil
}

func (s *Service) BeginEdit(ctx context.Context, documentID, commentID string) (StateView, error) {
	ws, err := s.workspace(ctx, documentID)
	if err != nil {
		return StateView{}, err
	}
	if _, err := ws.ctl.BeginEdit(commentID); err != nil {
		logStateSync(documentID, err)
		return StateView{}, err
	}
	return ws.view(), nil
}

func (s *Service) ConfirmEdit(ctx context.Context, documentID, commentID, body string) (CommentView, error) {
	ws, err := s.workspace(ctx, documentID)
	if err != nil {
		return CommentView{}, err
	}
	if err := ws.ctl.ConfirmEdit(commentID, body); err != nil {
		logStateSync(documentID, err)
		return CommentView{}, err
	}
	return ws.comment(commentID)
}

func (s *Service) CancelEdit(ctx context.Context, documentID string) (StateView, error) {
	ws, err := s.workspace(ctx, documentID)
	if err != nil {
		return StateView{}, err
	}
	if err := ws.ctl.CancelEdit(); err != nil {
		return StateView{}, err
	}
	return ws.view(), nil
}

func (s *Service) Remove(ctx context.Context, documentID, commentID string) error {
	ws, err := s.workspace(ctx, documentID)
	if err != nil {
		return err
	}
	if err := ws.ctl.Remove(commentID); err != nil {
		logStateSync(documentID, err)
		return err
	}
	return nil
}

func (s *Service) State(ctx context.Context, documentID string) (StateView, error) {
	ws, err := s.workspace(ctx, documentID)
	if err != nil {
		return StateView{}, err
	}
	return ws.view(), nil
}

func (s *Service) List(ctx context.Context, documentID string) ([]CommentView, error) {
	ws, err := s.workspace(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return ws.list()
}

// Save writes the working set to Postgres, then refreshes the cache, commits
// the snapshot to git, archives it and re-indexes search. Only the Postgres
// write can fail the save.
func (s *Service) Save(ctx context.Context, documentID, author string) (SaveResult, error) {
	ws, err := s.workspace(ctx, documentID)
	if err != nil {
		return SaveResult{}, err
	}
	ws.saveMu.Lock()
	defer ws.saveMu.Unlock()

	records, gen, err := ws.snapshot()
	if err != nil {
		return SaveResult{}, err
	}
	savedAt := s.now().UTC().Truncate(time.Microsecond)
	snapshot, err := persist.NewSnapshot(documentID, records, savedAt)
	if err != nil {
		return SaveResult{}, err
	}

	// The cached snapshot must never be older than Postgres; a stale entry
	// would win over the new save on the next load.
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, documentID); err != nil {
			log.Printf("comments: invalidate cached snapshot %s: %v", documentID, err)
		}
	}

	rows := toStoreRecords(documentID, records)
	if err := s.store.ReplaceComments(ctx, store.DocumentSave{
		DocumentID: documentID,
		Checksum:   snapshot.Checksum,
		SavedBy:    author,
		SavedAt:    savedAt,
	}, rows); err != nil {
		return SaveResult{}, fmt.Errorf("save comments: %w", err)
	}
	removedIDs := ws.markSaved(records, gen)

	result := SaveResult{
		DocumentID: documentID,
		Checksum:   snapshot.Checksum,
		SavedAt:    savedAt,
		Comments:   len(records),
	}

	if s.cache != nil {
		if err := s.cache.Put(ctx, snapshot); err != nil {
			log.Printf("comments: cache snapshot %s: %v", documentID, err)
			if err := s.cache.Invalidate(ctx, documentID); err != nil {
				log.Printf("comments: invalidate cached snapshot %s: %v", documentID, err)
			}
		}
	}
	if s.git != nil {
		commit, err := s.git.CommitSnapshot(snapshot, author, fmt.Sprintf("Save %d comment(s)", len(records)))
		if err != nil {
			log.Printf("comments: commit snapshot %s: %v", documentID, err)
		} else {
			result.Commit = &commit
		}
	}
	if s.archive != nil {
		key, err := s.archive.Put(ctx, snapshot)
		if err != nil {
			log.Printf("archive: put snapshot %s: %v", documentID, err)
		} else {
			result.ArchiveKey = key
		}
	}
	if s.search != nil {
		indexed := make([]search.CommentRecord, 0, len(rows))
		for _, row := range rows {
			indexed = append(indexed, search.FromStore(row))
		}
		removedKeys := make([]string, 0, len(removedIDs))
		for _, id := range removedIDs {
			removedKeys = append(removedKeys, search.IndexKey(documentID, id))
		}
		s.search.SyncDocument(indexed, removedKeys)
	}

	s.broadcast(documentID, Message{Type: MessageSaved, DocumentID: documentID, Save: &result})
	return result, nil
}

// Reload throws the working set away, including any open draft, and rebuilds
// it from the last save.
func (s *Service) Reload(ctx context.Context, documentID string) (StateView, error) {
	if err := validateDocumentID(documentID); err != nil {
		return StateView{}, err
	}
	s.mu.Lock()
	if old, ok := s.workspaces[documentID]; ok {
		delete(s.workspaces, documentID)
		old.close()
	}
	s.mu.Unlock()

	ws, err := s.workspace(ctx, documentID)
	if err != nil {
		return StateView{}, err
	}
	view := ws.view()
	s.broadcast(documentID, Message{Type: MessageReloaded, DocumentID: documentID, State: &view.State})
	return view, nil
}

// History lists saves newest first. A document without saves has an empty history.
func (s *Service) History(ctx context.Context, documentID string, limit int) ([]store.CommitInfo, error) {
	if err := validateDocumentID(documentID); err != nil {
		return nil, err
	}
	if s.git == nil {
		return []store.CommitInfo{}, nil
	}
	items, err := s.git.History(documentID, limit)
	if errors.Is(err, gitrepo.ErrNoHistory) {
		return []store.CommitInfo{}, nil
	}
	return items, err
}

// HistoryAt returns the comments as saved by one commit.
func (s *Service) HistoryAt(ctx context.Context, documentID, hash string) ([]CommentView, error) {
	if err := validateDocumentID(documentID); err != nil {
		return nil, err
	}
	if s.git == nil {
		return nil, gitrepo.ErrNoHistory
	}
	snapshot, err := s.git.SnapshotAt(documentID, hash)
	if err != nil {
		return nil, err
	}
	return recordsToViews(snapshot.Records), nil
}

// HistoryHead returns the latest committed save.
func (s *Service) HistoryHead(ctx context.Context, documentID string) (store.CommitInfo, []CommentView, error) {
	if err := validateDocumentID(documentID); err != nil {
		return store.CommitInfo{}, nil, err
	}
	if s.git == nil {
		return store.CommitInfo{}, nil, gitrepo.ErrNoHistory
	}
	snapshot, commit, err := s.git.Head(documentID)
	if err != nil {
		return store.CommitInfo{}, nil, err
	}
	return commit, recordsToViews(snapshot.Records), nil
}

// ArchivedSnapshot reads one archived save. name is the object name within
// the document's prefix, as listed by Archive.
func (s *Service) ArchivedSnapshot(ctx context.Context, documentID, name string) (archive.Entry, []CommentView, error) {
	if err := validateDocumentID(documentID); err != nil {
		return archive.Entry{}, nil, err
	}
	key := documentID + "/" + name
	doc, savedAt, ok := archive.ParseKey(key)
	if s.archive == nil || !ok || doc != documentID {
		return archive.Entry{}, nil, archive.ErrNotFound
	}
	snapshot, err := s.archive.Get(ctx, key)
	if err != nil {
		return archive.Entry{}, nil, err
	}
	return archive.Entry{Key: key, SavedAt: savedAt}, recordsToViews(snapshot.Records), nil
}

func (s *Service) Archive(ctx context.Context, documentID string) ([]archive.Entry, error) {
	if err := validateDocumentID(documentID); err != nil {
		return nil, err
	}
	if s.archive == nil {
		return []archive.Entry{}, nil
	}
	return s.archive.List(ctx, documentID)
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) Reindex(ctx context.Context) {
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
}

func (s *Service) Export(ctx context.Context, req export.Request) (*export.Result, error) {
	if err := validateDocumentID(req.DocumentID); err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, req)
}

// ExportComments feeds the working set to the exporter.
func (s *Service) ExportComments(ctx context.Context, documentID string) ([]export.Comment, error) {
	views, err := s.List(ctx, documentID)
	if err != nil {
		return nil, err
	}
	items := make([]export.Comment, 0, len(views))
	for _, v := range views {
		items = append(items, export.Comment{
			ID:        v.ID,
			NodeID:    v.Anchor.NodeID,
			Offset:    v.Anchor.Offset,
			Body:      v.Body,
			CreatedAt: v.CreatedAt,
			UpdatedAt: v.UpdatedAt,
		})
	}
	return items, nil
}

// workspace returns the open working set of a document, loading it on first use.
func (s *Service) workspace(ctx context.Context, documentID string) (*workspace, error) {
	if err := validateDocumentID(documentID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws, ok := s.workspaces[documentID]; ok {
		return ws, nil
	}

	records, err := s.loadRecords(ctx, documentID)
	if err != nil {
		return nil, err
	}
	ws, report, err := openWorkspace(documentID, records, s.cfg.MaxBodyRunes)
	if err != nil {
		return nil, err
	}
	for _, dropped := range report.Dropped {
		log.Printf("comments: %s: dropped saved comment %s: %v", documentID, dropped.Record.ID, dropped.Err)
	}
	ws.attach(s.broadcast)
	s.workspaces[documentID] = ws
	return ws, nil
}

// loadRecords reads the last save from the snapshot cache, falling back to Postgres.
func (s *Service) loadRecords(ctx context.Context, documentID string) ([]persist.Record, error) {
	if s.cache != nil {
		snapshot, err := s.cache.Get(ctx, documentID)
		if err == nil && snapshot.DocumentID == documentID {
			return snapshot.Records, nil
		}
		if err != nil && !errors.Is(err, cache.ErrMiss) {
			log.Printf("comments: cache lookup %s: %v", documentID, err)
		}
	}

	rows, err := s.store.ListComments(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}
	records := fromStoreRecords(rows)

	if s.cache != nil {
		last, err := s.store.LastSave(ctx, documentID)
		switch {
		case err == nil:
			if snapshot, err := persist.NewSnapshot(documentID, records, last.SavedAt); err == nil {
				if err := s.cache.Put(ctx, snapshot); err != nil {
					log.Printf("comments: warm cache %s: %v", documentID, err)
				}
			}
		case !errors.Is(err, sql.ErrNoRows):
			log.Printf("comments: last save %s: %v", documentID, err)
		}
	}
	return records, nil
}

func validateDocumentID(documentID string) error {
	if documentID == "" || len(documentID) > 128 {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "documentId must be 1-128 characters", nil)
	}
	for _, r := range documentID {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			continue
		}
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "documentId may only contain letters, digits, '-' and '_'", map[string]any{"documentId": documentID})
	}
	return nil
}

func logStateSync(documentID string, err error) {
	if errors.Is(err, comments.ErrNotFound) {
		log.Printf("comments: %s: state sync fault: %v", documentID, err)
	}
}

func toStoreRecords(documentID string, records []persist.Record) []store.CommentRecord {
	rows := make([]store.CommentRecord, 0, len(records))
	for i, record := range records {
		rows = append(rows, store.CommentRecord{
			DocumentID:   documentID,
			ID:           record.ID,
			Ordinal:      i,
			AnchorNodeID: record.Position.NodeID,
			AnchorOffset: record.Position.Offset,
			Body:         record.Body,
			CreatedAt:    record.CreatedAt,
			UpdatedAt:    record.UpdatedAt,
		})
	}
	return rows
}

func fromStoreRecords(rows []store.CommentRecord) []persist.Record {
	records := make([]persist.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, persist.Record{
			ID:        row.ID,
			Position:  anchor.Position{NodeID: row.AnchorNodeID, Offset: row.AnchorOffset},
			Body:      row.Body,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		})
	}
	return records
}

func recordsToViews(records []persist.Record) []CommentView {
	views := make([]CommentView, 0, len(records))
	for _, record := range records {
		views = append(views, CommentView{
			ID:        record.ID,
			Anchor:    record.Position,
			Body:      record.Body,
			CreatedAt: record.CreatedAt,
			UpdatedAt: record.UpdatedAt,
		})
	}
	return views
}
