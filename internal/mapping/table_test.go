package mapping

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewTableWithClient(client)
}

func TestGetMissing(t *testing.T) {
	tab := newTestTable(t)

	_, err := tab.Get(context.Background(), "doc-1", "diagram-block-0")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegisterAndGet(t *testing.T) {
	tab := newTestTable(t)
	ctx := context.Background()

	conflicts, err := tab.RegisterExtracted(ctx, "doc-1", []Record{
		{ID: "diagram-block-0", SourceCode: "graph TD\nA-->B", OriginMarkup: "<ac:structured-macro/>", Kind: "graph"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %v", conflicts)
	}

	rec, err := tab.Get(ctx, "doc-1", "diagram-block-0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.SourceCode != "graph TD\nA-->B" {
		t.Fatalf("unexpected source: %q", rec.SourceCode)
	}
	if rec.SourceHash != SourceHash("graph TD\nA-->B") {
		t.Fatalf("source hash not stamped: %q", rec.SourceHash)
	}
}

func TestRegisterNeverOverwritesExisting(t *testing.T) {
	tab := newTestTable(t)
	ctx := context.Background()

	if err := tab.Set(ctx, "doc-1", Record{ID: "diagram-block-0", SourceCode: "graph TD\nA-->C"}); err != nil {
		t.Fatalf("set draft: %v", err)
	}

	// A second extraction pass over the original document must not clobber
	// the pending edit under the same id.
	conflicts, err := tab.RegisterExtracted(ctx, "doc-1", []Record{
		{ID: "diagram-block-0", SourceCode: "graph TD\nA-->B"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0] != "diagram-block-0" {
		t.Fatalf("expected conflict on diagram-block-0, got %v", conflicts)
	}

	rec, err := tab.Get(ctx, "doc-1", "diagram-block-0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.SourceCode != "graph TD\nA-->C" {
		t.Fatalf("draft entry overwritten: %q", rec.SourceCode)
	}
}

func TestRegisterSameSourceIsNotAConflict(t *testing.T) {
	tab := newTestTable(t)
	ctx := context.Background()

	recs := []Record{{ID: "diagram-block-0", SourceCode: "pie\n\"a\": 1"}}
	if _, err := tab.RegisterExtracted(ctx, "doc-1", recs); err != nil {
		t.Fatalf("first register: %v", err)
	}
	conflicts, err := tab.RegisterExtracted(ctx, "doc-1", recs)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %v", conflicts)
	}
}

func TestDraftOverlaysMainInMergedView(t *testing.T) {
	tab := newTestTable(t)
	ctx := context.Background()

	if _, err := tab.RegisterExtracted(ctx, "doc-1", []Record{
		{ID: "diagram-block-0", SourceCode: "graph TD\nA-->B"},
		{ID: "diagram-block-1", SourceCode: "pie\n\"a\": 1"},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := tab.Set(ctx, "doc-1", Record{ID: "diagram-block-0", SourceCode: "graph TD\nA-->C"}); err != nil {
		t.Fatalf("set draft: %v", err)
	}

	merged, err := tab.GetMerged(ctx, "doc-1")
	if err != nil {
		t.Fatalf("merged: %v", err)
	}
	if len(merged) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(merged))
	}
	if merged["diagram-block-0"].SourceCode != "graph TD\nA-->C" {
		t.Fatalf("draft did not win: %q", merged["diagram-block-0"].SourceCode)
	}
	if merged["diagram-block-1"].SourceCode != "pie\n\"a\": 1" {
		t.Fatalf("main entry lost: %q", merged["diagram-block-1"].SourceCode)
	}
}

func TestCommitDraftToMain(t *testing.T) {
	tab := newTestTable(t)
	ctx := context.Background()

	if _, err := tab.RegisterExtracted(ctx, "doc-1", []Record{
		{ID: "diagram-block-0", SourceCode: "graph TD\nA-->B"},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := tab.Set(ctx, "doc-1", Record{ID: "diagram-block-0", SourceCode: "graph TD\nA-->C"}); err != nil {
		t.Fatalf("set draft: %v", err)
	}

	if err := tab.CommitDraftToMain(ctx, "doc-1"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rec, err := tab.Get(ctx, "doc-1", "diagram-block-0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.SourceCode != "graph TD\nA-->C" {
		t.Fatalf("main not updated after commit: %q", rec.SourceCode)
	}

	merged, err := tab.GetMerged(ctx, "doc-1")
	if err != nil {
		t.Fatalf("merged: %v", err)
	}
	// The draft was cleared; if it still existed and diverged, Get above
	// would have seen it first.
	if len(merged) != 1 {
		t.Fatalf("expected 1 entry after commit, got %d", len(merged))
	}
}

func TestCommitWithoutDraftIsNoOp(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	tab := NewTableWithClient(client)
	ctx := context.Background()

	if _, err := tab.RegisterExtracted(ctx, "doc-1", []Record{
		{ID: "diagram-block-0", SourceCode: "graph TD\nA-->B"},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	before := mr.Dump()
	if err := tab.CommitDraftToMain(ctx, "doc-1"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if after := mr.Dump(); after != before {
		t.Fatalf("no-op commit changed storage:\nbefore: %s\nafter: %s", before, after)
	}
}

func TestDiscardDraftKeepsMain(t *testing.T) {
	tab := newTestTable(t)
	ctx := context.Background()

	if _, err := tab.RegisterExtracted(ctx, "doc-1", []Record{
		{ID: "diagram-block-0", SourceCode: "graph TD\nA-->B", Kind: "graph"},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := tab.Set(ctx, "doc-1", Record{ID: "diagram-block-0", SourceCode: "graph TD\nA-->C"}); err != nil {
		t.Fatalf("set draft: %v", err)
	}

	if err := tab.DiscardDraft(ctx, "doc-1"); err != nil {
		t.Fatalf("discard: %v", err)
	}

	merged, err := tab.GetMerged(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get merged: %v", err)
	}
	if merged["diagram-block-0"].SourceCode != "graph TD\nA-->B" {
		t.Fatalf("main entry lost after discard: %+v", merged["diagram-block-0"])
	}
}

func TestDeleteDocumentRemovesBothOverlays(t *testing.T) {
	tab := newTestTable(t)
	ctx := context.Background()

	if _, err := tab.RegisterExtracted(ctx, "doc-1", []Record{
		{ID: "diagram-block-0", SourceCode: "graph TD\nA-->B"},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := tab.Set(ctx, "doc-1", Record{ID: "diagram-block-0", SourceCode: "graph TD\nA-->C"}); err != nil {
		t.Fatalf("set draft: %v", err)
	}

	if err := tab.DeleteDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	merged, err := tab.GetMerged(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get merged: %v", err)
	}
	if len(merged) != 0 {
		t.Fatalf("mappings survived delete: %v", merged)
	}
}
