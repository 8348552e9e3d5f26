// Package syncer drives the extraction, render and commit flow for a
// document: it turns canonical markup into the editor view on open, folds
// diagram edits back into the draft, and promotes the draft on commit.
package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"diasync/api/internal/contentstore"
	"diasync/api/internal/mapping"
	"diasync/api/internal/markup"
	"diasync/api/internal/render"
	"diasync/api/internal/util"
)

var ErrDocumentMissing = errors.New("document has no stored content")

// Scheduler coalesces render work. Satisfied by render.Scheduler.
type Scheduler interface {
	Schedule(job render.Job)
	Suspend(docID string)
	Resume(docID string)
	Flush(docID string)
}

// Publisher pushes committed markup to the external page store.
type Publisher interface {
	Publish(ctx context.Context, docID, markup string) error
}

type Synchronizer struct {
	content   *contentstore.Store
	mappings  *mapping.Table
	sched     Scheduler
	publisher Publisher
	logger    zerolog.Logger
}

func New(content *contentstore.Store, mappings *mapping.Table, sched Scheduler, publisher Publisher, logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		content:   content,
		mappings:  mappings,
		sched:     sched,
		publisher: publisher,
		logger:    logger,
	}
}

func imageRef(docID, diagramID, source string) string {
	return fmt.Sprintf("/api/documents/%s/diagrams/%s/image?v=%s", docID, diagramID, mapping.SourceHash(source))
}

// Open loads a document for editing. The base content is the Draft when one
// survives from an earlier session, else the Backup, else the Original. The
// diagram blocks are extracted, registered in the mapping table and handed
// to the scheduler for rendering.
func (s *Synchronizer) Open(ctx context.Context, docID string) (*Session, error) {
	base, err := s.loadBase(ctx, docID)
	if err != nil {
		return nil, err
	}

	blocks := markup.Extract(base.Markup)
	recs := make([]mapping.Record, 0, len(blocks))
	for _, b := range blocks {
		recs = append(recs, mapping.Record{
			ID:           b.ID,
			SourceCode:   b.SourceCode,
			OriginMarkup: b.OriginMarkup,
			Kind:         b.Kind,
			Label:        b.Label,
		})
	}
	conflicts, err := s.mappings.RegisterExtracted(ctx, docID, recs)
	if err != nil {
		return nil, err
	}
	for _, id := range conflicts {
		s.logger.Warn().Str("doc", docID).Str("diagram", id).
			Msg("extracted source diverges from registered entry, keeping registered")
	}

	// The merged table is authoritative for rendering: a diagram edited in
	// a previous session renders from its edited source, not the extracted
	// one.
	merged, err := s.mappings.GetMerged(ctx, docID)
	if err != nil {
		return nil, err
	}

	view := markup.EmbedImages(base.Markup, func(b markup.Block) string {
		source := b.SourceCode
		if rec, ok := merged[b.ID]; ok {
			source = rec.SourceCode
		}
		return imageRef(docID, b.ID, source)
	})

	sess := newSession(docID, util.NewSessionToken(), base.Title, view)
	for id, rec := range merged {
		sess.sources[id] = rec.SourceCode
		s.scheduleRender(sess, id, rec.SourceCode)
	}
	return sess, nil
}

func (s *Synchronizer) loadBase(ctx context.Context, docID string) (contentstore.Version, error) {
	for _, role := range []contentstore.Role{contentstore.RoleDraft, contentstore.RoleBackup, contentstore.RoleOriginal} {
		v, err := s.content.Load(ctx, docID, role)
		if errors.Is(err, contentstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return contentstore.Version{}, err
		}
		if role == contentstore.RoleOriginal {
			// First open: seed the Backup so later commits never touch
			// the Original.
			if err := s.content.Save(ctx, docID, contentstore.RoleBackup, v); err != nil {
				return contentstore.Version{}, err
			}
		}
		return v, nil
	}
	return contentstore.Version{}, fmt.Errorf("%w: %s", ErrDocumentMissing, docID)
}

// EditDiagram replaces a diagram's source. The mapping Draft gets the new
// record, the content Draft is rebuilt from the session view, and a render
// is scheduled.
func (s *Synchronizer) EditDiagram(ctx context.Context, sess *Session, diagramID, source string) error {
	rec, err := s.mappings.Get(ctx, sess.DocID, diagramID)
	if err != nil {
		return err
	}

	rec.SourceCode = source
	rec.Kind = markup.KindOf(source)
	rec.OriginMarkup = markup.BuildMacro(source)
	rec.SourceHash = ""
	if err := s.mappings.Set(ctx, sess.DocID, rec); err != nil {
		return err
	}

	sess.mu.Lock()
	sess.sources[diagramID] = source
	sess.mu.Unlock()

	if err := s.persistDraft(ctx, sess); err != nil {
		return err
	}

	s.scheduleRender(sess, diagramID, source)
	return nil
}

// UpdateMarkup folds a prose edit from the editor into the session view and
// the content Draft. Diagram nodes inside the markup stay untouched.
func (s *Synchronizer) UpdateMarkup(ctx context.Context, sess *Session, edited string) error {
	sess.mu.Lock()
	sess.markup = edited
	sess.mu.Unlock()
	return s.persistDraft(ctx, sess)
}

// persistDraft rebuilds canonical markup from the session view and saves it
// as the content Draft, seeding the draft slot on first use.
func (s *Synchronizer) persistDraft(ctx context.Context, sess *Session) error {
	has, err := s.content.HasDraft(ctx, sess.DocID)
	if err != nil {
		return err
	}
	if !has {
		if _, err := s.content.CreateDraftFromBackup(ctx, sess.DocID); err != nil {
			return err
		}
	}

	canonical, err := s.canonicalMarkup(ctx, sess)
	if err != nil {
		return err
	}
	return s.content.Save(ctx, sess.DocID, contentstore.RoleDraft, contentstore.Version{
		Title:  sess.Title,
		Markup: canonical,
	})
}

func (s *Synchronizer) canonicalMarkup(ctx context.Context, sess *Session) (string, error) {
	merged, err := s.mappings.GetMerged(ctx, sess.DocID)
	if err != nil {
		return "", err
	}
	origin := make(map[string]string, len(merged))
	for id, rec := range merged {
		origin[id] = rec.OriginMarkup
	}
	return markup.SubstituteMarkup(sess.Markup(), origin), nil
}

func (s *Synchronizer) scheduleRender(sess *Session, diagramID, source string) {
	s.sched.Schedule(render.Job{
		DocID:     sess.DocID,
		DiagramID: diagramID,
		Source:    source,
		Apply: func(res render.Result) {
			s.applyRender(sess, diagramID, source, res)
		},
	})
}

// applyRender lands a render result in the session. Results for a closed
// session or for source that has been superseded meanwhile are dropped.
func (s *Synchronizer) applyRender(sess *Session, diagramID, source string, res render.Result) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return
	}
	if sess.sources[diagramID] != source {
		return
	}
	sess.images[diagramID] = res.Image
	sess.failed[diagramID] = res.Failed

	updated, changed := markup.UpdateImageRef(sess.markup, diagramID, imageRef(sess.DocID, diagramID, source))
	if changed {
		sess.markup = updated
	}
}

// Commit promotes the Draft: the editor markup is flushed into the session,
// folded back to canonical form, validated, then atomically promoted to
// Backup and the Draft mapping merged into Main. The bool reports whether
// anything was promoted; a session with no draft and no editor changes is a
// no-op returning the current Backup unchanged.
func (s *Synchronizer) Commit(ctx context.Context, sess *Session, editorMarkup string) (string, bool, error) {
	s.sched.Flush(sess.DocID)

	if editorMarkup != "" {
		sess.mu.Lock()
		sess.markup = editorMarkup
		sess.mu.Unlock()
	}

	canonical, err := s.canonicalMarkup(ctx, sess)
	if err != nil {
		return "", false, err
	}

	has, err := s.content.HasDraft(ctx, sess.DocID)
	if err != nil {
		return "", false, err
	}
	if !has {
		base, err := s.loadBase(ctx, sess.DocID)
		if err != nil {
			return "", false, err
		}
		if canonical == base.Markup {
			return base.Markup, false, nil
		}
		// Editor content handed straight to commit still counts as an
		// edit: it becomes the draft and goes through the normal
		// promotion below.
	}

	// Validation happens before any promotion so a failed commit leaves
	// Backup and the Main mapping untouched.
	if err := markup.ValidateDocument(canonical); err != nil {
		return "", false, err
	}

	if err := s.content.Save(ctx, sess.DocID, contentstore.RoleDraft, contentstore.Version{
		Title:  sess.Title,
		Markup: canonical,
	}); err != nil {
		return "", false, err
	}
	if _, err := s.content.CommitDraftToBackup(ctx, sess.DocID); err != nil {
		return "", false, err
	}
	if err := s.mappings.CommitDraftToMain(ctx, sess.DocID); err != nil {
		return "", false, err
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, sess.DocID, canonical); err != nil {
			// The local commit stands; the page store catches up on the
			// next successful publish.
			s.logger.Error().Err(err).Str("doc", sess.DocID).Msg("publish after commit failed")
		}
	}
	return canonical, true, nil
}

// Discard abandons the Draft: content and mapping draft state are dropped
// and the session is closed. Backup and the Main mapping stay as published.
func (s *Synchronizer) Discard(ctx context.Context, sess *Session) error {
	sess.Close()
	s.sched.Suspend(sess.DocID)
	defer s.sched.Resume(sess.DocID)

	if err := s.content.ClearDraft(ctx, sess.DocID); err != nil {
		return err
	}
	return s.mappings.DiscardDraft(ctx, sess.DocID)
}

// Suspend pauses rendering for the document, dropping queued work.
func (s *Synchronizer) Suspend(docID string) { s.sched.Suspend(docID) }

// Resume re-enables rendering for the document.
func (s *Synchronizer) Resume(docID string) { s.sched.Resume(docID) }
