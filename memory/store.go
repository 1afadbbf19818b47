// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memory captures and recalls agent memories. Durable rows live in
// the storage backend; an optional embedded vector index adds semantic
// recall over the same entries.
package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"

	"github.com/magsag/magsag/storage"
)

const indexCollection = "memories"

// RecallResult is one semantic recall hit.
type RecallResult struct {
	MemoryID   string            `json:"memory_id"`
	Content    string            `json:"content"`
	Similarity float32           `json:"similarity"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Store persists memory entries and serves scoped queries.
type Store struct {
	backend storage.Storage
	db      *chromem.DB
	col     *chromem.Collection
}

// StoreOption configures a Store.
type StoreOption func(*Store) error

// WithEmbedding attaches an in-process vector index using embed for both
// capture and recall. Entries with string values are indexed; everything
// else stays durable-only.
func WithEmbedding(embed chromem.EmbeddingFunc) StoreOption {
	return func(s *Store) error {
		db := chromem.NewDB()
		col, err := db.GetOrCreateCollection(indexCollection, nil, embed)
		if err != nil {
			return fmt.Errorf("memory: create index collection: %w", err)
		}
		s.db = db
		s.col = col
		return nil
	}
}

// NewStore creates a memory store over backend.
func NewStore(backend storage.Storage, opts ...StoreOption) (*Store, error) {
	s := &Store{backend: backend}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Capture validates and persists one entry, assigning a memory ID when the
// caller left it empty. Indexing failures are logged, never fatal: the
// durable row is the source of truth.
func (s *Store) Capture(ctx context.Context, entry *storage.MemoryEntry) error {
	if entry.MemoryID == "" {
		entry.MemoryID = uuid.NewString()
	}
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	if err := s.backend.PutMemory(ctx, entry); err != nil {
		return fmt.Errorf("memory: persist entry: %w", err)
	}
	s.index(ctx, entry)
	return nil
}

// List returns durable entries matching the filter.
func (s *Store) List(ctx context.Context, f storage.MemoryFilter) ([]*storage.MemoryEntry, error) {
	return s.backend.ListMemory(ctx, f)
}

// Recall runs a semantic query over indexed entries, optionally scoped to
// one agent. Without an index it returns nothing.
func (s *Store) Recall(ctx context.Context, query string, agentSlug string, topK int) ([]RecallResult, error) {
	if s.col == nil {
		return nil, nil
	}
	count := s.col.Count()
	if count == 0 {
		return nil, nil
	}
	if topK <= 0 || topK > count {
		topK = count
	}
	var where map[string]string
	if agentSlug != "" {
		where = map[string]string{"agent_slug": agentSlug}
	}
	hits, err := s.col.Query(ctx, query, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: recall: %w", err)
	}
	out := make([]RecallResult, 0, len(hits))
	for _, hit := range hits {
		out = append(out, RecallResult{
			MemoryID:   hit.ID,
			Content:    hit.Content,
			Similarity: hit.Similarity,
			Metadata:   hit.Metadata,
		})
	}
	return out, nil
}

func (s *Store) index(ctx context.Context, entry *storage.MemoryEntry) {
	if s.col == nil {
		return
	}
	content, ok := entry.Value.(string)
	if !ok || content == "" {
		return
	}
	doc := chromem.Document{
		ID:      entry.MemoryID,
		Content: content,
		Metadata: map[string]string{
			"agent_slug": entry.AgentSlug,
			"scope":      string(entry.Scope),
			"run_id":     entry.RunID,
			"key":        entry.Key,
		},
		Embedding: entry.Embedding,
	}
	if err := s.col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		slog.Warn("Memory entry not indexed", "memory_id", entry.MemoryID, "error", err)
	}
}
