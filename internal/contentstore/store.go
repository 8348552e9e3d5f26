// Package contentstore persists the Original/Backup/Draft content versions
// for each document in Redis. Every write is a single atomic key replacement,
// so a reader never observes a partially written version.
package contentstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Role names one of the three content version slots per document.
type Role string

const (
	RoleOriginal Role = "original"
	RoleBackup   Role = "backup"
	RoleDraft    Role = "draft"
)

// Version is one persisted content snapshot.
type Version struct {
	Title   string    `json:"title"`
	Markup  string    `json:"markup"`
	SavedAt time.Time `json:"savedAt"`
}

var ErrNotFound = errors.New("content version not found")

// Store is the Redis-backed content store.
type Store struct {
	client *redis.Client
	prefix string
}

func NewStore(redisURL string) (*Store, error) {
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

	return NewStoreWithClient(client), nil
}

func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client, prefix: "page:"}
}

func (s *Store) key(docID string, role Role) string {
	return s.prefix + docID + ":" + string(role)
}

// Load reads one content version. ErrNotFound when the slot is empty.
func (s *Store) Load(ctx context.Context, docID string, role Role) (Version, error) {
	payload, err := s.client.Get(ctx, s.key(docID, role)).Result()
	if errors.Is(err, redis.Nil) {
		return Version{}, fmt.Errorf("%w: %s/%s", ErrNotFound, docID, role)
	}
	if err != nil {
		return Version{}, fmt.Errorf("storage: load %s/%s: %w", docID, role, err)
	}

	var v Version
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return Version{}, fmt.Errorf("storage: decode %s/%s: %w", docID, role, err)
	}
	return v, nil
}

// Save replaces one content version in a single atomic write.
func (s *Store) Save(ctx context.Context, docID string, role Role, v Version) error {
	if v.SavedAt.IsZero() {
		v.SavedAt = time.Now()
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %s/%s: %w", docID, role, err)
	}
	if err := s.client.Set(ctx, s.key(docID, role), payload, 0).Err(); err != nil {
		return fmt.Errorf("storage: save %s/%s: %w", docID, role, err)
	}
	return nil
}

// CreateDraftFromBackup seeds the draft slot from Backup if present, else
// Original. Returns nil when neither exists.
func (s *Store) CreateDraftFromBackup(ctx context.Context, docID string) (*Version, error) {
	v, err := s.Load(ctx, docID, RoleBackup)
	if errors.Is(err, ErrNotFound) {
		v, err = s.Load(ctx, docID, RoleOriginal)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
	}
	if err != nil {
		return nil, err
	}
	if err := s.Save(ctx, docID, RoleDraft, v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) HasDraft(ctx context.Context, docID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(docID, RoleDraft)).Result()
	if err != nil {
		return false, fmt.Errorf("storage: draft exists %s: %w", docID, err)
	}
	return n > 0, nil
}

func (s *Store) ClearDraft(ctx context.Context, docID string) error {
	if err := s.client.Del(ctx, s.key(docID, RoleDraft)).Err(); err != nil {
		return fmt.Errorf("storage: clear draft %s: %w", docID, err)
	}
	return nil
}

// CommitDraftToBackup atomically replaces Backup with Draft and clears Draft.
// False when no draft exists; Backup is untouched in that case.
func (s *Store) CommitDraftToBackup(ctx context.Context, docID string) (bool, error) {
	draft, err := s.Load(ctx, docID, RoleDraft)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	payload, err := json.Marshal(draft)
	if err != nil {
		return false, fmt.Errorf("storage: encode backup %s: %w", docID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(docID, RoleBackup), payload, 0)
		pipe.Del(ctx, s.key(docID, RoleDraft))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("storage: commit draft %s: %w", docID, err)
	}
	return true, nil
}

// Delete removes every content version of a document.
func (s *Store) Delete(ctx context.Context, docID string) error {
	keys := []string{
		s.key(docID, RoleOriginal),
		s.key(docID, RoleBackup),
		s.key(docID, RoleDraft),
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("storage: delete document %s: %w", docID, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
