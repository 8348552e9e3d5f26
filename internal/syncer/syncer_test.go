package syncer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"diasync/api/internal/contentstore"
	"diasync/api/internal/mapping"
	"diasync/api/internal/markup"
	"diasync/api/internal/render"
)

const docMarkup = `<p>Overview</p><ac:structured-macro ac:name="mermaid"><ac:plain-text-body><![CDATA[graph TD
A-->B]]></ac:plain-text-body></ac:structured-macro><p>Tail</p>`

type stubRenderer struct {
	mu      sync.Mutex
	calls   []string
	failFor string
}

func (r *stubRenderer) Render(_ context.Context, source string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, source)
	r.mu.Unlock()
	if source == r.failFor {
		return nil, errors.New("parse error")
	}
	return []byte("png:" + source), nil
}

// syncScheduler renders inline so tests observe results deterministically.
type syncScheduler struct {
	svc       *render.Service
	suspended map[string]bool
}

func newSyncScheduler(r render.Renderer) *syncScheduler {
	return &syncScheduler{
		svc:       render.NewService(r, nil, zerolog.Nop()),
		suspended: make(map[string]bool),
	}
}

func (s *syncScheduler) Schedule(job render.Job) {
	if s.suspended[job.DocID] {
		return
	}
	res := s.svc.Render(context.Background(), job.DiagramID, job.Source)
	if job.Apply != nil {
		job.Apply(res)
	}
}

func (s *syncScheduler) Suspend(docID string) { s.suspended[docID] = true }
func (s *syncScheduler) Resume(docID string)  { delete(s.suspended, docID) }
func (s *syncScheduler) Flush(string)         {}

type recordingPublisher struct {
	docID  string
	markup string
	calls  int
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, docID, markup string) error {
	p.calls++
	p.docID = docID
	p.markup = markup
	return p.err
}

type fixture struct {
	mr        *miniredis.Miniredis
	content   *contentstore.Store
	mappings  *mapping.Table
	renderer  *stubRenderer
	sched     *syncScheduler
	publisher *recordingPublisher
	sync      *Synchronizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	renderer := &stubRenderer{}
	sched := newSyncScheduler(renderer)
	publisher := &recordingPublisher{}
	content := contentstore.NewStoreWithClient(client)
	mappings := mapping.NewTableWithClient(client)

	return &fixture{
		mr:        mr,
		content:   content,
		mappings:  mappings,
		renderer:  renderer,
		sched:     sched,
		publisher: publisher,
		sync:      New(content, mappings, sched, publisher, zerolog.Nop()),
	}
}

func (f *fixture) seedOriginal(t *testing.T, docID string) {
	t.Helper()
	err := f.content.Save(context.Background(), docID, contentstore.RoleOriginal, contentstore.Version{
		Title:  "Sample",
		Markup: docMarkup,
	})
	if err != nil {
		t.Fatalf("seed original: %v", err)
	}
}

func TestOpenBuildsEditorView(t *testing.T) {
	f := newFixture(t)
	f.seedOriginal(t, "doc-1")
	ctx := context.Background()

	sess, err := f.sync.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if sess.Token == "" {
		t.Fatal("session token missing")
	}

	view := sess.Markup()
	if strings.Contains(view, "ac:structured-macro") {
		t.Fatal("macro not replaced in editor view")
	}
	if !strings.Contains(view, `data-diagram-id="diagram-block-0"`) {
		t.Fatalf("image node missing: %s", view)
	}
	if !strings.Contains(view, "<p>Overview</p>") || !strings.Contains(view, "<p>Tail</p>") {
		t.Fatal("surrounding markup lost")
	}

	img, ok := sess.Image("diagram-block-0")
	if !ok || string(img) != "png:graph TD\nA-->B" {
		t.Fatalf("rendered image not available: %q", img)
	}

	// The mapping table carries the extracted block.
	rec, err := f.mappings.Get(ctx, "doc-1", "diagram-block-0")
	if err != nil {
		t.Fatalf("mapping get: %v", err)
	}
	if rec.Kind != "graph" {
		t.Fatalf("unexpected kind %q", rec.Kind)
	}

	// Opening seeds the Backup from the Original.
	backup, err := f.content.Load(ctx, "doc-1", contentstore.RoleBackup)
	if err != nil {
		t.Fatalf("load backup: %v", err)
	}
	if backup.Markup != docMarkup {
		t.Fatal("backup differs from original")
	}
}

func TestOpenMissingDocument(t *testing.T) {
	f := newFixture(t)

	_, err := f.sync.Open(context.Background(), "doc-404")
	if !errors.Is(err, ErrDocumentMissing) {
		t.Fatalf("expected ErrDocumentMissing, got %v", err)
	}
}

func TestEditDiagramUpdatesDraftAndView(t *testing.T) {
	f := newFixture(t)
	f.seedOriginal(t, "doc-1")
	ctx := context.Background()

	sess, err := f.sync.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	oldView := sess.Markup()

	if err := f.sync.EditDiagram(ctx, sess, "diagram-block-0", "graph TD\nA-->C"); err != nil {
		t.Fatalf("edit: %v", err)
	}

	rec, err := f.mappings.Get(ctx, "doc-1", "diagram-block-0")
	if err != nil {
		t.Fatalf("mapping get: %v", err)
	}
	if rec.SourceCode != "graph TD\nA-->C" {
		t.Fatalf("mapping not updated: %q", rec.SourceCode)
	}

	draft, err := f.content.Load(ctx, "doc-1", contentstore.RoleDraft)
	if err != nil {
		t.Fatalf("load draft: %v", err)
	}
	if !strings.Contains(draft.Markup, "A--&gt;C") && !strings.Contains(draft.Markup, "A-->C") {
		t.Fatalf("draft missing edited source: %s", draft.Markup)
	}
	if !strings.Contains(draft.Markup, "ac:structured-macro") {
		t.Fatal("draft is not canonical markup")
	}

	// The image ref changed with the source hash, the node id did not.
	if sess.Markup() == oldView {
		t.Fatal("editor view unchanged after edit")
	}
	if !strings.Contains(sess.Markup(), `data-diagram-id="diagram-block-0"`) {
		t.Fatal("image node id changed")
	}
	img, _ := sess.Image("diagram-block-0")
	if string(img) != "png:graph TD\nA-->C" {
		t.Fatalf("image not re-rendered: %q", img)
	}

	// The Backup still holds the published source.
	backup, err := f.content.Load(ctx, "doc-1", contentstore.RoleBackup)
	if err != nil {
		t.Fatalf("load backup: %v", err)
	}
	if backup.Markup != docMarkup {
		t.Fatal("backup mutated by edit")
	}
}

func TestEditUnknownDiagram(t *testing.T) {
	f := newFixture(t)
	f.seedOriginal(t, "doc-1")
	ctx := context.Background()

	sess, err := f.sync.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	err = f.sync.EditDiagram(ctx, sess, "diagram-block-9", "graph TD\nX")
	if !errors.Is(err, mapping.ErrNotFound) {
		t.Fatalf("expected mapping.ErrNotFound, got %v", err)
	}
}

func TestReopenKeepsPendingEdit(t *testing.T) {
	f := newFixture(t)
	f.seedOriginal(t, "doc-1")
	ctx := context.Background()

	sess, err := f.sync.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.sync.EditDiagram(ctx, sess, "diagram-block-0", "graph TD\nA-->C"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	sess.Close()

	reopened, err := f.sync.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rec, err := f.mappings.Get(ctx, "doc-1", "diagram-block-0")
	if err != nil {
		t.Fatalf("mapping get: %v", err)
	}
	if rec.SourceCode != "graph TD\nA-->C" {
		t.Fatalf("re-extraction clobbered pending edit: %q", rec.SourceCode)
	}
	img, _ := reopened.Image("diagram-block-0")
	if string(img) != "png:graph TD\nA-->C" {
		t.Fatalf("reopened session renders stale source: %q", img)
	}
}

func TestCommitPromotesDraft(t *testing.T) {
	f := newFixture(t)
	f.seedOriginal(t, "doc-1")
	ctx := context.Background()

	sess, err := f.sync.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.sync.EditDiagram(ctx, sess, "diagram-block-0", "graph TD\nA-->C"); err != nil {
		t.Fatalf("edit: %v", err)
	}

	committed, changed, err := f.sync.Commit(ctx, sess, "")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !changed {
		t.Fatal("commit with a pending edit must report a change")
	}
	if !strings.Contains(committed, "ac:structured-macro") {
		t.Fatal("committed markup is not canonical")
	}
	if strings.Contains(committed, "data-diagram-id") {
		t.Fatal("committed markup still carries image nodes")
	}

	backup, err := f.content.Load(ctx, "doc-1", contentstore.RoleBackup)
	if err != nil {
		t.Fatalf("load backup: %v", err)
	}
	if backup.Markup != committed {
		t.Fatal("backup does not match committed markup")
	}

	if has, _ := f.content.HasDraft(ctx, "doc-1"); has {
		t.Fatal("draft survives commit")
	}

	rec, err := f.mappings.Get(ctx, "doc-1", "diagram-block-0")
	if err != nil {
		t.Fatalf("mapping get: %v", err)
	}
	if rec.SourceCode != "graph TD\nA-->C" {
		t.Fatalf("main mapping not updated: %q", rec.SourceCode)
	}

	// The Original is never touched.
	original, err := f.content.Load(ctx, "doc-1", contentstore.RoleOriginal)
	if err != nil {
		t.Fatalf("load original: %v", err)
	}
	if original.Markup != docMarkup {
		t.Fatal("original mutated by commit")
	}

	if f.publisher.calls != 1 || f.publisher.docID != "doc-1" || f.publisher.markup != committed {
		t.Fatalf("publisher not invoked with committed markup: %+v", f.publisher)
	}
}

func TestCommitWithoutEditsIsUnchanged(t *testing.T) {
	f := newFixture(t)
	f.seedOriginal(t, "doc-1")
	ctx := context.Background()

	sess, err := f.sync.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	before := f.mr.Dump()
	committed, changed, err := f.sync.Commit(ctx, sess, "")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if changed {
		t.Fatal("commit without edits must report no change")
	}
	if committed != docMarkup {
		t.Fatalf("commit without edits changed markup:\n%s", committed)
	}
	if after := f.mr.Dump(); after != before {
		t.Fatal("commit without edits changed storage")
	}
	if f.publisher.calls != 0 {
		t.Fatal("publisher invoked without edits")
	}
}

func TestCommitValidationFailureLeavesStateIntact(t *testing.T) {
	f := newFixture(t)
	f.seedOriginal(t, "doc-1")
	ctx := context.Background()

	sess, err := f.sync.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.sync.EditDiagram(ctx, sess, "diagram-block-0", "graph TD\nA-->C"); err != nil {
		t.Fatalf("edit: %v", err)
	}

	before := f.mr.Dump()
	_, _, err = f.sync.Commit(ctx, sess, "   ")
	if !errors.Is(err, markup.ErrInvalidDocument) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if after := f.mr.Dump(); after != before {
		t.Fatal("failed commit mutated storage")
	}
	if f.publisher.calls != 0 {
		t.Fatal("publisher invoked on failed commit")
	}
}

func TestCommitSurvivesPublishFailure(t *testing.T) {
	f := newFixture(t)
	f.seedOriginal(t, "doc-1")
	f.publisher.err = errors.New("page store down")
	ctx := context.Background()

	sess, err := f.sync.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.sync.EditDiagram(ctx, sess, "diagram-block-0", "graph TD\nA-->C"); err != nil {
		t.Fatalf("edit: %v", err)
	}

	committed, _, err := f.sync.Commit(ctx, sess, "")
	if err != nil {
		t.Fatalf("commit should stand despite publish failure: %v", err)
	}
	backup, err := f.content.Load(ctx, "doc-1", contentstore.RoleBackup)
	if err != nil {
		t.Fatalf("load backup: %v", err)
	}
	if backup.Markup != committed {
		t.Fatal("backup not promoted")
	}
}

func TestStaleRenderResultIsDropped(t *testing.T) {
	f := newFixture(t)
	f.seedOriginal(t, "doc-1")
	ctx := context.Background()

	sess, err := f.sync.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.sync.EditDiagram(ctx, sess, "diagram-block-0", "graph TD\nA-->C"); err != nil {
		t.Fatalf("edit: %v", err)
	}

	// A result for the superseded source arrives late.
	f.sync.applyRender(sess, "diagram-block-0", "graph TD\nA-->B", render.Result{
		DiagramID: "diagram-block-0",
		Image:     []byte("png:graph TD\nA-->B"),
	})
	img, _ := sess.Image("diagram-block-0")
	if string(img) != "png:graph TD\nA-->C" {
		t.Fatalf("stale render overwrote current image: %q", img)
	}
}

func TestRenderResultAfterCloseIsDropped(t *testing.T) {
	f := newFixture(t)
	f.seedOriginal(t, "doc-1")
	ctx := context.Background()

	sess, err := f.sync.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sess.Close()

	f.sync.applyRender(sess, "diagram-block-0", "graph TD\nA-->B", render.Result{
		DiagramID: "diagram-block-0",
		Image:     []byte("late"),
	})
	if img, _ := sess.Image("diagram-block-0"); string(img) == "late" {
		t.Fatal("result applied to closed session")
	}
}

func TestFailedRenderServesPlaceholder(t *testing.T) {
	f := newFixture(t)
	f.renderer.failFor = "graph TD\nbroken"
	f.seedOriginal(t, "doc-1")
	ctx := context.Background()

	sess, err := f.sync.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.sync.EditDiagram(ctx, sess, "diagram-block-0", "graph TD\nbroken"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if !sess.Failed("diagram-block-0") {
		t.Fatal("failure not recorded")
	}
	img, ok := sess.Image("diagram-block-0")
	if !ok || len(img) == 0 {
		t.Fatal("placeholder image missing")
	}
}

func TestDiscardDropsDraftState(t *testing.T) {
	f := newFixture(t)
	f.seedOriginal(t, "doc-1")
	ctx := context.Background()

	sess, err := f.sync.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.sync.EditDiagram(ctx, sess, "diagram-block-0", "graph TD\nA-->C"); err != nil {
		t.Fatalf("edit: %v", err)
	}

	if err := f.sync.Discard(ctx, sess); err != nil {
		t.Fatalf("discard: %v", err)
	}

	has, err := f.content.HasDraft(ctx, "doc-1")
	if err != nil {
		t.Fatalf("has draft: %v", err)
	}
	if has {
		t.Fatal("content draft must be cleared on discard")
	}

	reopened, err := f.sync.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	merged, err := f.mappings.GetMerged(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get merged: %v", err)
	}
	if merged["diagram-block-0"].SourceCode != "graph TD\nA-->B" {
		t.Fatalf("discarded edit survived: %+v", merged["diagram-block-0"])
	}
	if !strings.Contains(reopened.Markup(), `data-diagram-id="diagram-block-0"`) {
		t.Fatalf("reopened view lost diagram node: %s", reopened.Markup())
	}
}

func TestCommitFlushesEditorMarkup(t *testing.T) {
	f := newFixture(t)
	f.seedOriginal(t, "doc-1")
	ctx := context.Background()

	sess, err := f.sync.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// A prose edit handed straight to commit, with no draft persisted yet.
	edited := strings.Replace(sess.Markup(), "<p>Overview</p>", "<p>Edited overview</p>", 1)

	committed, changed, err := f.sync.Commit(ctx, sess, edited)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !changed {
		t.Fatal("prose edit at commit time must count as a change")
	}
	if !strings.Contains(committed, "<p>Edited overview</p>") {
		t.Fatalf("editor markup dropped by commit:\n%s", committed)
	}

	backup, err := f.content.Load(ctx, "doc-1", contentstore.RoleBackup)
	if err != nil {
		t.Fatalf("load backup: %v", err)
	}
	if !strings.Contains(backup.Markup, "<p>Edited overview</p>") {
		t.Fatal("backup missing the prose edit")
	}
	if has, _ := f.content.HasDraft(ctx, "doc-1"); has {
		t.Fatal("draft survives commit")
	}
	if f.publisher.calls != 1 {
		t.Fatalf("publisher calls = %d, want 1", f.publisher.calls)
	}
}
