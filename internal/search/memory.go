package search

import (
	"sort"
	"strings"
	"sync"
)

// Memory is the fallback searcher used when Meilisearch is down. It holds
// the indexed records in memory and matches by case-insensitive substring.
// Document content lives in Redis rather than a relational store, so there
// is no database full-text index to fall back on.
type Memory struct {
	mu        sync.RWMutex
	documents map[string]DocumentRecord
	diagrams  map[string]DiagramRecord
}

func NewMemory() *Memory {
	return &Memory{
		documents: make(map[string]DocumentRecord),
		diagrams:  make(map[string]DiagramRecord),
	}
}

func (m *Memory) Healthy() bool { return true }

func (m *Memory) IndexDocument(doc DocumentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[doc.ID] = doc
	return nil
}

func (m *Memory) IndexDiagrams(diagrams []DiagramRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range diagrams {
		m.diagrams[d.ID] = d
	}
	return nil
}

func (m *Memory) DeleteDocument(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.documents, id)
	for key, d := range m.diagrams {
		if d.DocumentID == id {
			delete(m.diagrams, key)
		}
	}
	return nil
}

func (m *Memory) Search(q Query) ([]Result, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(q.Text))
	var results []Result

	if q.FilterType == "" || q.FilterType == ResultDocument {
		for _, doc := range m.documents {
			if needle != "" && !strings.Contains(strings.ToLower(doc.Title), needle) {
				continue
			}
			results = append(results, Result{
				Type:       ResultDocument,
				ID:         doc.ID,
				Title:      doc.Title,
				DocumentID: doc.ID,
			})
		}
	}

	if q.FilterType == "" || q.FilterType == ResultDiagram {
		for _, d := range m.diagrams {
			if q.FilterDocumentID != "" && d.DocumentID != q.FilterDocumentID {
				continue
			}
			if q.FilterKind != "" && d.Kind != q.FilterKind {
				continue
			}
			if needle != "" &&
				!strings.Contains(strings.ToLower(d.Label), needle) &&
				!strings.Contains(strings.ToLower(d.SourceCode), needle) {
				continue
			}
			results = append(results, Result{
				Type:       ResultDiagram,
				ID:         d.ID,
				Title:      d.Label,
				Snippet:    snippet(d.SourceCode, needle),
				DocumentID: d.DocumentID,
				Kind:       d.Kind,
			})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Type != results[j].Type {
			return results[i].Type == ResultDocument
		}
		return results[i].ID < results[j].ID
	})

	total := len(results)
	if q.Offset > 0 {
		if q.Offset >= len(results) {
			results = nil
		} else {
			results = results[q.Offset:]
		}
	}
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, total, nil
}

// snippet trims source around the first match so results stay short.
func snippet(source, needle string) string {
	const window = 80
	if needle == "" {
		if len(source) > window {
			return source[:window]
		}
		return source
	}
	idx := strings.Index(strings.ToLower(source), needle)
	if idx < 0 {
		idx = 0
	}
	start := idx - window/2
	if start < 0 {
		start = 0
	}
	end := start + window
	if end > len(source) {
		end = len(source)
	}
	return source[start:end]
}
