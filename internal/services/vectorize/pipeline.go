package vectorize

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/sparkjar/crew-api/internal/common"
	"github.com/sparkjar/crew-api/internal/interfaces"
	"github.com/sparkjar/crew-api/internal/metrics"
	"github.com/sparkjar/crew-api/internal/models"
)

// SourceTable is the logical source of job event documents in the vector
// collection.
const SourceTable = "crew_job_event"

// Pipeline turns a job's event log into embedded chunks. The document build
// is deterministic and upserts are keyed by chunk index, so running the
// pipeline twice over the same events changes nothing. When the embedding
// service stays down past the retry budget, chunks are stored with a zero
// vector and flagged degraded instead of failing the pipeline; a later run
// repairs them.
type Pipeline struct {
	storage   interfaces.StorageManager
	embedder  interfaces.EmbeddingClient
	logger    arbor.ILogger
	chunkSize int
	overlap   int
	valueCap  int
	batchSize int
}

// NewPipeline creates the vectorization pipeline
func NewPipeline(logger arbor.ILogger, config *common.Config, storage interfaces.StorageManager, embedder interfaces.EmbeddingClient) *Pipeline {
	batchSize := config.Embedding.BatchSize
	if batchSize < 1 {
		batchSize = 16
	}
	return &Pipeline{
		storage:   storage,
		embedder:  embedder,
		logger:    logger,
		chunkSize: config.Vectorize.ChunkSize,
		overlap:   config.Vectorize.ChunkOverlap,
		valueCap:  config.Vectorize.ValueCap,
		batchSize: batchSize,
	}
}

// VectorizeJob processes all events of one job and returns the chunk count
func (p *Pipeline) VectorizeJob(ctx context.Context, jobID string) (int, error) {
	job, err := p.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}

	eventLog, err := p.storage.EventStorage().ListEvents(ctx, jobID, 0)
	if err != nil {
		return 0, err
	}

	document, spans := buildDocumentSpans(job, eventLog, p.valueCap)
	chunks := chunkSpans(document, p.chunkSize, p.overlap)
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}

	for start := 0; start < len(chunks); start += p.batchSize {
		end := start + p.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		vectors, embedErr := p.embedder.EmbedBatch(ctx, texts[start:end])
		degraded := false
		if embedErr != nil {
			p.logger.Warn().
				Err(embedErr).
				Str("job_id", jobID).
				Int("batch_start", start).
				Msg("Embedding unavailable, storing zero vectors")
			degraded = true
			vectors = make([][]float32, len(batch))
			for i := range vectors {
				vectors[i] = make([]float32, p.embedder.Dimension())
			}
		}

		for i, chunk := range batch {
			metadata := map[string]interface{}{
				"job_id":     job.ID,
				"job_key":    job.JobKey,
				"client_id":  job.ClientID,
				"actor_type": string(job.ActorType),
				"model":      p.embedder.Model(),
			}
			if types := eventTypesIn(spans, chunk.Start, chunk.Start+len(chunk.Text)); types != "" {
				metadata["event_types"] = types
			}
			if degraded {
				metadata["embedding_degraded"] = true
			}

			record := &models.EmbeddingRecord{
				SourceTable: SourceTable,
				SourceID:    job.ID,
				ChunkIndex:  start + i,
				ChunkText:   chunk.Text,
				Embedding:   vectors[i],
				Metadata:    metadata,
			}
			if err := p.storage.VectorStorage().UpsertEmbedding(ctx, record); err != nil {
				return 0, err
			}
		}
	}

	metrics.ChunksVectorized.Add(float64(len(chunks)))
	p.logger.Info().
		Str("job_id", jobID).
		Int("chunks", len(chunks)).
		Int("events", len(eventLog)).
		Msg("Job vectorized")
	return len(chunks), nil
}

// Search embeds the query text and returns the nearest chunks
func (p *Pipeline) Search(ctx context.Context, queryText string, topK int, filters map[string]string) ([]*models.SearchMatch, error) {
	if queryText == "" {
		return nil, models.NewCrewError(models.ErrValidation, "query text is required")
	}

	vectors, err := p.embedder.EmbedBatch(ctx, []string{queryText})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, models.NewCrewError(models.ErrRemoteUnavailable, "embedding service returned no query vector")
	}

	return p.storage.VectorStorage().Search(ctx, vectors[0], topK, filters)
}
