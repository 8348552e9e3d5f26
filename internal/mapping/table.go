// Package mapping maintains the diagram id to source/markup mapping table,
// with Draft and Main overlay variants per document.
//
// The subtle correctness property lives here: raw extraction only ever adds
// ids absent from the merged table. Re-opening the editor can never discard an
// in-progress edit; only the explicit edit path mutates an existing entry.
package mapping

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record is one mapping table entry.
type Record struct {
	ID           string `json:"id"`
	SourceCode   string `json:"sourceCode"`
	OriginMarkup string `json:"originMarkup"`
	Kind         string `json:"kind"`
	Label        string `json:"label"`
	SourceHash   string `json:"sourceHash,omitempty"`
}

var ErrNotFound = errors.New("diagram id not in mapping")

// Table is the Redis-backed mapping table.
type Table struct {
	client *redis.Client
}

func NewTable(redisURL string) (*Table, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewTableWithClient(client), nil
}

func NewTableWithClient(client *redis.Client) *Table {
	return &Table{client: client}
}

func draftKey(docID string) string { return "mapping:" + docID + ":draft" }
func mainKey(docID string) string  { return "mapping:" + docID + ":main" }

// SourceHash fingerprints diagram source so positional-id collisions between
// extraction passes can be detected instead of silently merged.
func SourceHash(source string) string {
	sum := sha1.Sum([]byte(source))
	return hex.EncodeToString(sum[:8])
}

// GetMerged returns the merged view: a Draft entry wins over a Main entry
// for the same id.
func (t *Table) GetMerged(ctx context.Context, docID string) (map[string]Record, error) {
	merged := make(map[string]Record)
	for _, key := range []string{mainKey(docID), draftKey(docID)} {
		fields, err := t.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("storage: read mapping %s: %w", key, err)
		}
		for id, payload := range fields {
			var rec Record
			if err := json.Unmarshal([]byte(payload), &rec); err != nil {
				return nil, fmt.Errorf("storage: decode mapping %s/%s: %w", key, id, err)
			}
			merged[id] = rec
		}
	}
	return merged, nil
}

// Get resolves one id against the merged view.
func (t *Table) Get(ctx context.Context, docID, id string) (Record, error) {
	for _, key := range []string{draftKey(docID), mainKey(docID)} {
		payload, err := t.client.HGet(ctx, key, id).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Record{}, fmt.Errorf("storage: read mapping %s/%s: %w", key, id, err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return Record{}, fmt.Errorf("storage: decode mapping %s/%s: %w", key, id, err)
		}
		return rec, nil
	}
	return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Set writes a record into the Draft mapping. This is the explicit edit path
// and the only way an existing entry's source or markup changes.
func (t *Table) Set(ctx context.Context, docID string, rec Record) error {
	if rec.SourceHash == "" {
		rec.SourceHash = SourceHash(rec.SourceCode)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: encode mapping %s: %w", rec.ID, err)
	}
	if err := t.client.HSet(ctx, draftKey(docID), rec.ID, payload).Err(); err != nil {
		return fmt.Errorf("storage: write draft mapping %s: %w", rec.ID, err)
	}
	return nil
}

// RegisterExtracted stores freshly extracted records into the Main mapping,
// adding only ids absent from the merged view. Existing entries are never
// overwritten. Returned conflicts are ids whose extracted source differs from
// the entry already registered under the same positional id.
func (t *Table) RegisterExtracted(ctx context.Context, docID string, recs []Record) (conflicts []string, err error) {
	merged, err := t.GetMerged(ctx, docID)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if existing, ok := merged[rec.ID]; ok {
			if existing.SourceHash != "" && existing.SourceHash != SourceHash(rec.SourceCode) {
				conflicts = append(conflicts, rec.ID)
			}
			continue
		}
		rec.SourceHash = SourceHash(rec.SourceCode)
		payload, marshalErr := json.Marshal(rec)
		if marshalErr != nil {
			return conflicts, fmt.Errorf("storage: encode mapping %s: %w", rec.ID, marshalErr)
		}
		if err := t.client.HSet(ctx, mainKey(docID), rec.ID, payload).Err(); err != nil {
			return conflicts, fmt.Errorf("storage: register mapping %s: %w", rec.ID, err)
		}
	}
	return conflicts, nil
}

// CommitDraftToMain overlays every Draft entry onto Main and clears Draft,
// atomically.
func (t *Table) CommitDraftToMain(ctx context.Context, docID string) error {
	fields, err := t.client.HGetAll(ctx, draftKey(docID)).Result()
	if err != nil {
		return fmt.Errorf("storage: read draft mapping %s: %w", docID, err)
	}
	if len(fields) == 0 {
		return nil
	}

	values := make([]any, 0, len(fields)*2)
	for id, payload := range fields {
		values = append(values, id, payload)
	}
	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, mainKey(docID), values...)
		pipe.Del(ctx, draftKey(docID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: commit mapping %s: %w", docID, err)
	}
	return nil
}

// DiscardDraft drops every Draft entry. Main is untouched.
func (t *Table) DiscardDraft(ctx context.Context, docID string) error {
	if err := t.client.Del(ctx, draftKey(docID)).Err(); err != nil {
		return fmt.Errorf("storage: discard draft mapping %s: %w", docID, err)
	}
	return nil
}

// DeleteDocument removes both mapping overlays for a document.
func (t *Table) DeleteDocument(ctx context.Context, docID string) error {
	if err := t.client.Del(ctx, draftKey(docID), mainKey(docID)).Err(); err != nil {
		return fmt.Errorf("storage: delete mappings %s: %w", docID, err)
	}
	return nil
}

func (t *Table) Close() error {
	return t.client.Close()
}

func (t *Table) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}
