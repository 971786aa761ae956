package models

import (
	"fmt"
	"time"
)

// EmbeddingRecord is one chunk of a vectorized source document. Identity is
// (SourceTable, SourceID, ChunkIndex); re-embedding the same tuple updates
// the record in place, which makes the vectorization pipeline re-runnable.
type EmbeddingRecord struct {
	Key string `json:"-" badgerhold:"key"`

	SourceTable string                 `json:"source_table"`
	SourceID    string                 `json:"source_id" badgerholdIndex:"SourceID"`
	ChunkIndex  int                    `json:"chunk_index"`
	ChunkText   string                 `json:"chunk_text"`
	Embedding   []float32              `json:"embedding"`
	Metadata    map[string]interface{} `json:"metadata"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// EmbeddingKey builds the composite upsert key for a chunk
func EmbeddingKey(sourceTable, sourceID string, chunkIndex int) string {
	return fmt.Sprintf("%s|%s|%d", sourceTable, sourceID, chunkIndex)
}

// SearchMatch is one nearest-neighbor result with its cosine distance
type SearchMatch struct {
	SourceTable string                 `json:"source_table"`
	SourceID    string                 `json:"source_id"`
	ChunkIndex  int                    `json:"chunk_index"`
	ChunkText   string                 `json:"chunk_text"`
	Metadata    map[string]interface{} `json:"metadata"`
	Distance    float64                `json:"distance"`
}

// ClientSecret is a read-only client-scoped credential row. Per-client
// database URLs live under SecretKey "database_url".
type ClientSecret struct {
	Key string `json:"-" badgerhold:"key"`

	ClientID    string    `json:"client_id" badgerholdIndex:"ClientID"`
	SecretKey   string    `json:"secret_key"`
	SecretValue string    `json:"secret_value"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SecretStorageKey builds the composite key for a (client, key) pair
func SecretStorageKey(clientID, secretKey string) string {
	return fmt.Sprintf("%s|%s", clientID, secretKey)
}
