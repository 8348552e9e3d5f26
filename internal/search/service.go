package search

import "log"

// Service is the facade that tries Meilisearch first and falls back to the
// in-memory index.
type Service struct {
	meili  *Meili
	memory *Memory
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili) *Service {
	return &Service{meili: meili, memory: NewMemory()}
}

// Search tries Meilisearch if healthy, otherwise the in-memory fallback.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to memory index: %v", err)
	}

	results, total, err := s.memory.Search(q)
	if err != nil {
		log.Printf("search: memory index error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDocument indexes a document. The Meilisearch write is fire-and-forget;
// the memory index is always kept current so the fallback can serve it.
func (s *Service) IndexDocument(doc DocumentRecord) {
	_ = s.memory.IndexDocument(doc)
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexDocument(doc); err != nil {
			log.Printf("search: index document %s: %v", doc.ID, err)
		}
	}()
}

// IndexDiagrams indexes a document's diagram blocks (fire-and-forget to
// Meilisearch).
func (s *Service) IndexDiagrams(diagrams []DiagramRecord) {
	_ = s.memory.IndexDiagrams(diagrams)
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexDiagrams(diagrams); err != nil {
			log.Printf("search: index diagrams: %v", err)
		}
	}()
}

// DeleteDocument removes a document and its diagrams from the search index
// (fire-and-forget to Meilisearch).
func (s *Service) DeleteDocument(id string) {
	_ = s.memory.DeleteDocument(id)
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteDocument(id); err != nil {
			log.Printf("search: delete document %s: %v", id, err)
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
