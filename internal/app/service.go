package app

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"diasync/api/internal/aiedit"
	"diasync/api/internal/contentstore"
	"diasync/api/internal/mapping"
	"diasync/api/internal/markup"
	"diasync/api/internal/search"
	"diasync/api/internal/store"
	"diasync/api/internal/syncer"
	"diasync/api/internal/util"
)

type dataStore interface {
	ListDocuments(ctx context.Context) ([]store.Document, error)
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	UpsertDocument(ctx context.Context, doc store.Document) error
	UpdateDocumentStatus(ctx context.Context, documentID, status, updatedBy string) error
	DeleteDocument(ctx context.Context, documentID string) error
	InsertPublishLog(ctx context.Context, entry store.PublishLogEntry) error
	ListPublishLog(ctx context.Context, documentID string, limit int) ([]store.PublishLogEntry, error)
	Ping(ctx context.Context) error
}

type historyService interface {
	EnsureDocumentRepo(documentID, markup, author string) error
	CommitPublished(documentID, markup, author, message string) (store.CommitInfo, error)
	GetContentByHash(documentID, hash string) (string, error)
	History(documentID string, limit int) ([]store.CommitInfo, error)
	CreateTag(documentID, hash, name string) error
}

type Service struct {
	sync     *syncer.Synchronizer
	ai       *aiedit.Editor
	content  *contentstore.Store
	mappings *mapping.Table
	data     dataStore
	history  historyService
	search   *search.Service
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*syncer.Session
}

func NewService(sync *syncer.Synchronizer, ai *aiedit.Editor, content *contentstore.Store, mappings *mapping.Table, data dataStore, history historyService, searchSvc *search.Service, logger zerolog.Logger) *Service {
	return &Service{
		sync:     sync,
		ai:       ai,
		content:  content,
		mappings: mappings,
		data:     data,
		history:  history,
		search:   searchSvc,
		logger:   logger,
		sessions: make(map[string]*syncer.Session),
	}
}

// CreateDocument registers canonical markup as a new document: the Original
// content version, the metadata row, the history baseline and the search
// records.
func (s *Service) CreateDocument(ctx context.Context, title, content, author string) (map[string]any, error) {
	if err := markup.ValidateDocument(content); err != nil {
		return nil, err
	}
	if author == "" {
		author = "editor"
	}

	documentID := util.NewID("doc")
	if err := s.content.Save(ctx, documentID, contentstore.RoleOriginal, contentstore.Version{
		Title:  title,
		Markup: content,
	}); err != nil {
		return nil, err
	}

	blocks := markup.Extract(content)
	if err := s.data.UpsertDocument(ctx, store.Document{
		ID:           documentID,
		Title:        title,
		Status:       store.StatusPublished,
		DiagramCount: len(blocks),
		UpdatedBy:    author,
	}); err != nil {
		return nil, err
	}

	if err := s.history.EnsureDocumentRepo(documentID, content, author); err != nil {
		return nil, err
	}

	s.indexDocument(documentID, title, store.StatusPublished, blocksToRecords(documentID, blocks))

	return map[string]any{
		"id":           documentID,
		"title":        title,
		"status":       store.StatusPublished,
		"diagramCount": len(blocks),
	}, nil
}

// OpenSession opens (or reopens) the editing session for a document. An
// existing session is superseded: it is closed and its token invalidated.
func (s *Service) OpenSession(ctx context.Context, documentID string) (map[string]any, error) {
	doc, err := s.data.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if old := s.sessions[documentID]; old != nil {
		old.Close()
	}
	s.mu.Unlock()

	sess, err := s.sync.Open(ctx, documentID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[documentID] = sess
	s.mu.Unlock()

	merged, err := s.mappings.GetMerged(ctx, documentID)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"documentId": documentID,
		"title":      doc.Title,
		"token":      sess.Token,
		"markup":     sess.Markup(),
		"diagrams":   diagramPayload(merged),
	}, nil
}

// CloseSession ends the session without committing. The Draft survives in
// storage and is picked up on the next open.
func (s *Service) CloseSession(documentID, token string) error {
	sess, err := s.session(documentID, token)
	if err != nil {
		return err
	}
	sess.Close()
	s.mu.Lock()
	delete(s.sessions, documentID)
	s.mu.Unlock()
	return nil
}

// DiscardDraft abandons all pending edits. The session ends and the document
// reverts to its published content on the next open.
func (s *Service) DiscardDraft(ctx context.Context, documentID, token, author string) error {
	sess, err := s.session(documentID, token)
	if err != nil {
		return err
	}
	if err := s.sync.Discard(ctx, sess); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, documentID)
	s.mu.Unlock()

	if author == "" {
		author = "editor"
	}
	if err := s.data.UpdateDocumentStatus(ctx, documentID, store.StatusPublished, author); err != nil {
		s.logger.Warn().Err(err).Str("doc", documentID).Msg("status update failed")
	}
	return nil
}

// DeleteDocument removes a document everywhere: metadata, content versions,
// mappings and the search index. Any open session is closed. The git history
// stays on disk as an audit trail.
func (s *Service) DeleteDocument(ctx context.Context, documentID string) error {
	if err := s.data.DeleteDocument(ctx, documentID); err != nil {
		return err
	}

	s.mu.Lock()
	if sess := s.sessions[documentID]; sess != nil {
		sess.Close()
		delete(s.sessions, documentID)
	}
	s.mu.Unlock()

	if err := s.content.Delete(ctx, documentID); err != nil {
		s.logger.Error().Err(err).Str("doc", documentID).Msg("content delete failed")
	}
	if err := s.mappings.DeleteDocument(ctx, documentID); err != nil {
		s.logger.Error().Err(err).Str("doc", documentID).Msg("mapping delete failed")
	}
	s.search.DeleteDocument(documentID)
	return nil
}

// TagRevision names a published revision so it can be referenced later.
func (s *Service) TagRevision(ctx context.Context, documentID, hash, name string) error {
	if _, err := s.data.GetDocument(ctx, documentID); err != nil {
		return err
	}
	return s.history.CreateTag(documentID, hash, name)
}

func (s *Service) session(documentID, token string) (*syncer.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[documentID]
	if sess == nil {
		return nil, domainError(http.StatusNotFound, "NO_SESSION", "No open editing session", nil)
	}
	if token != "" && sess.Token != token {
		return nil, domainError(http.StatusConflict, "SESSION_SUPERSEDED", "Editing session was superseded", nil)
	}
	return sess, nil
}

// EditDiagram applies a manual diagram edit through the open session.
func (s *Service) EditDiagram(ctx context.Context, documentID, token, diagramID, source, author string) (map[string]any, error) {
	sess, err := s.session(documentID, token)
	if err != nil {
		return nil, err
	}
	if err := s.sync.EditDiagram(ctx, sess, diagramID, source); err != nil {
		return nil, err
	}

	if author == "" {
		author = "editor"
	}
	if err := s.data.UpdateDocumentStatus(ctx, documentID, store.StatusEditing, author); err != nil {
		s.logger.Warn().Err(err).Str("doc", documentID).Msg("status update failed")
	}

	return map[string]any{
		"diagramId": diagramID,
		"kind":      markup.KindOf(source),
	}, nil
}

// UpdateMarkup applies a prose edit from the editor view.
func (s *Service) UpdateMarkup(ctx context.Context, documentID, token, edited string) error {
	sess, err := s.session(documentID, token)
	if err != nil {
		return err
	}
	return s.sync.UpdateMarkup(ctx, sess, edited)
}

// AIEdit runs an AI-assisted diagram edit through the open session.
func (s *Service) AIEdit(ctx context.Context, documentID, token string, req aiedit.Request) (map[string]any, error) {
	sess, err := s.session(documentID, token)
	if err != nil {
		return nil, err
	}
	applied, err := s.ai.RequestEdit(ctx, sess, req)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"diagramId":  req.DiagramID,
		"sourceCode": applied,
		"kind":       markup.KindOf(applied),
	}, nil
}

// Commit promotes the Draft, records the published revision in history and
// the publish log, and reindexes the document. Without pending edits it
// returns the published markup unchanged and records nothing.
func (s *Service) Commit(ctx context.Context, documentID, token, editorMarkup, author, message string) (map[string]any, error) {
	sess, err := s.session(documentID, token)
	if err != nil {
		return nil, err
	}

	committed, changed, err := s.sync.Commit(ctx, sess, editorMarkup)
	if err != nil {
		return nil, err
	}
	if !changed {
		return map[string]any{
			"documentId": documentID,
			"markup":     committed,
			"changed":    false,
		}, nil
	}

	if author == "" {
		author = "editor"
	}
	if message == "" {
		message = "Publish document changes"
	}

	info, err := s.history.CommitPublished(documentID, committed, author, message)
	if err != nil {
		return nil, err
	}
	if err := s.data.InsertPublishLog(ctx, store.PublishLogEntry{
		DocumentID:  documentID,
		CommitHash:  info.Hash,
		PublishedBy: author,
		Message:     message,
	}); err != nil {
		s.logger.Warn().Err(err).Str("doc", documentID).Msg("publish log write failed")
	}

	merged, err := s.mappings.GetMerged(ctx, documentID)
	if err != nil {
		return nil, err
	}

	doc, err := s.data.GetDocument(ctx, documentID)
	if err == nil {
		doc.Status = store.StatusPublished
		doc.DiagramCount = len(merged)
		doc.UpdatedBy = author
		if err := s.data.UpsertDocument(ctx, doc); err != nil {
			s.logger.Warn().Err(err).Str("doc", documentID).Msg("metadata update failed")
		}
		s.indexDocument(documentID, doc.Title, store.StatusPublished, mappedRecords(documentID, merged))
	}

	return map[string]any{
		"documentId": documentID,
		"markup":     committed,
		"changed":    true,
		"commit":     info,
	}, nil
}

// DiagramImage serves the latest rendered image for a diagram in the open
// session.
func (s *Service) DiagramImage(documentID, diagramID string) ([]byte, error) {
	s.mu.Lock()
	sess := s.sessions[documentID]
	s.mu.Unlock()
	if sess == nil {
		return nil, domainError(http.StatusNotFound, "NO_SESSION", "No open editing session", nil)
	}
	img, ok := sess.Image(diagramID)
	if !ok {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Unknown diagram", nil)
	}
	return img, nil
}

func (s *Service) Documents(ctx context.Context) ([]store.Document, error) {
	return s.data.ListDocuments(ctx)
}

func (s *Service) Document(ctx context.Context, documentID string) (store.Document, error) {
	return s.data.GetDocument(ctx, documentID)
}

// History returns the published revisions of a document, newest first.
func (s *Service) History(ctx context.Context, documentID string, limit int) (map[string]any, error) {
	if _, err := s.data.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	commits, err := s.history.History(documentID, limit)
	if err != nil {
		return nil, err
	}
	entries, err := s.data.ListPublishLog(ctx, documentID, limit)
	if err != nil {
		s.logger.Warn().Err(err).Str("doc", documentID).Msg("publish log read failed")
		entries = nil
	}
	return map[string]any{
		"documentId": documentID,
		"commits":    commits,
		"publishLog": entries,
	}, nil
}

// HistoryContent returns the markup published at a given revision.
func (s *Service) HistoryContent(documentID, hash string) (map[string]any, error) {
	content, err := s.history.GetContentByHash(documentID, hash)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"documentId": documentID,
		"hash":       hash,
		"markup":     content,
	}, nil
}

func (s *Service) Search(q search.Query) search.Response {
	return s.search.Search(q)
}

func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.data.Ping(ctx); err != nil {
		return err
	}
	return s.content.Ping(ctx)
}

func (s *Service) indexDocument(documentID, title, status string, diagrams []search.DiagramRecord) {
	s.search.IndexDocument(search.DocumentRecord{ID: documentID, Title: title, Status: status})
	s.search.IndexDiagrams(diagrams)
}

func blocksToRecords(documentID string, blocks []markup.Block) []search.DiagramRecord {
	recs := make([]search.DiagramRecord, 0, len(blocks))
	for _, b := range blocks {
		recs = append(recs, search.DiagramRecord{
			ID:         documentID + "_" + b.ID,
			DiagramID:  b.ID,
			DocumentID: documentID,
			Label:      b.Label,
			SourceCode: b.SourceCode,
			Kind:       b.Kind,
		})
	}
	return recs
}

func mappedRecords(documentID string, merged map[string]mapping.Record) []search.DiagramRecord {
	recs := make([]search.DiagramRecord, 0, len(merged))
	for _, rec := range merged {
		recs = append(recs, search.DiagramRecord{
			ID:         documentID + "_" + rec.ID,
			DiagramID:  rec.ID,
			DocumentID: documentID,
			Label:      rec.Label,
			SourceCode: rec.SourceCode,
			Kind:       rec.Kind,
		})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs
}

func diagramPayload(merged map[string]mapping.Record) []map[string]any {
	items := make([]map[string]any, 0, len(merged))
	for _, rec := range merged {
		items = append(items, map[string]any{
			"id":         rec.ID,
			"sourceCode": rec.SourceCode,
			"kind":       rec.Kind,
			"label":      rec.Label,
		})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i]["id"].(string) < items[j]["id"].(string)
	})
	return items
}
