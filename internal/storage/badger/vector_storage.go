package badger

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/sparkjar/crew-api/internal/interfaces"
	"github.com/sparkjar/crew-api/internal/models"
)

// VectorStorage holds the single logical embedding collection. Search is a
// brute-force cosine scan, which is proportionate to the per-job scale of the
// corpus (tens to low thousands of chunks).
type VectorStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewVectorStorage creates a new VectorStorage instance
func NewVectorStorage(db *BadgerDB, logger arbor.ILogger) interfaces.VectorStorage {
	return &VectorStorage{
		db:     db,
		logger: logger,
	}
}

func (s *VectorStorage) UpsertEmbedding(ctx context.Context, rec *models.EmbeddingRecord) error {
	if rec.SourceTable == "" || rec.SourceID == "" {
		return models.NewCrewError(models.ErrValidation, "embedding record requires source_table and source_id")
	}
	rec.Key = models.EmbeddingKey(rec.SourceTable, rec.SourceID, rec.ChunkIndex)
	rec.UpdatedAt = time.Now().UTC()

	if err := s.db.Store().Upsert(rec.Key, rec); err != nil {
		return models.WrapCrewError(models.ErrStoreUnavailable, "failed to upsert embedding", err)
	}
	return nil
}

func (s *VectorStorage) GetBySource(ctx context.Context, sourceTable, sourceID string) ([]*models.EmbeddingRecord, error) {
	var records []models.EmbeddingRecord
	err := s.db.Store().Find(&records,
		badgerhold.Where("SourceID").Eq(sourceID).And("SourceTable").Eq(sourceTable))
	if err != nil {
		return nil, models.WrapCrewError(models.ErrStoreUnavailable, "failed to query embeddings", err)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ChunkIndex < records[j].ChunkIndex })

	result := make([]*models.EmbeddingRecord, len(records))
	for i := range records {
		result[i] = &records[i]
	}
	return result, nil
}

func (s *VectorStorage) CountBySource(ctx context.Context, sourceTable, sourceID string) (int, error) {
	count, err := s.db.Store().Count(&models.EmbeddingRecord{},
		badgerhold.Where("SourceID").Eq(sourceID).And("SourceTable").Eq(sourceTable))
	if err != nil {
		return 0, models.WrapCrewError(models.ErrStoreUnavailable, "failed to count embeddings", err)
	}
	return int(count), nil
}

func (s *VectorStorage) Search(ctx context.Context, vector []float32, topK int, filters map[string]string) ([]*models.SearchMatch, error) {
	if topK <= 0 {
		topK = 10
	}

	var records []models.EmbeddingRecord
	if err := s.db.Store().Find(&records, nil); err != nil {
		return nil, models.WrapCrewError(models.ErrStoreUnavailable, "failed to scan embeddings", err)
	}

	matches := make([]*models.SearchMatch, 0, len(records))
	for i := range records {
		rec := &records[i]
		if !matchesFilters(rec.Metadata, filters) {
			continue
		}
		matches = append(matches, &models.SearchMatch{
			SourceTable: rec.SourceTable,
			SourceID:    rec.SourceID,
			ChunkIndex:  rec.ChunkIndex,
			ChunkText:   rec.ChunkText,
			Metadata:    rec.Metadata,
			Distance:    CosineDistance(vector, rec.Embedding),
		})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func matchesFilters(metadata map[string]interface{}, filters map[string]string) bool {
	for key, want := range filters {
		// A chunk can cover several events, so event_type matches against
		// the comma-joined event_types list.
		if key == "event_type" {
			types, _ := metadata["event_types"].(string)
			if !listContains(types, want) {
				return false
			}
			continue
		}
		got, ok := metadata[key]
		if !ok {
			return false
		}
		str, ok := got.(string)
		if !ok || str != want {
			return false
		}
	}
	return true
}

func listContains(list, want string) bool {
	for _, item := range strings.Split(list, ",") {
		if item == want {
			return true
		}
	}
	return false
}

// CosineDistance returns 1 - cosine similarity. A zero vector on either side
// has no direction, so distance degrades to the maximum 1.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
