package worker

import (
	"context"

	"github.com/sievelab/refinery/internal/model"
)

// ChunkProcessor runs one chunk through the pipeline stages.
type ChunkProcessor interface {
	Process(ctx context.Context, chunk model.Chunk) error
}

// ChunkJob carries one chunk through a pool worker.
type ChunkJob struct {
	Chunk     model.Chunk
	Processor ChunkProcessor
}

// Execute executes the chunk job
func (j *ChunkJob) Execute(ctx context.Context) Result {
	return &ChunkResult{
		Chunk: j.Chunk,
		Error: j.Processor.Process(ctx, j.Chunk),
	}
}

// ChunkResult is the outcome of one chunk dispatch.
type ChunkResult struct {
	Chunk model.Chunk
	Error error
}

// GetError returns the error from the chunk result
func (r *ChunkResult) GetError() error {
	return r.Error
}

// Dispatcher fans chunks out over a bounded worker pool. Chunks are
// independent; per-source ordering is enforced downstream by the queue and
// bundle completion checks, not here.
type Dispatcher struct {
	processor   ChunkProcessor
	concurrency int
}

// NewDispatcher creates a chunk dispatcher.
func NewDispatcher(processor ChunkProcessor, concurrency int) *Dispatcher {
	return &Dispatcher{processor: processor, concurrency: concurrency}
}

// Process runs all chunks concurrently and returns one result per chunk.
func (d *Dispatcher) Process(ctx context.Context, chunks []model.Chunk) []*ChunkResult {
	if len(chunks) == 0 {
		return []*ChunkResult{}
	}

	pool := NewPoolWithContext(ctx, d.concurrency)
	pool.Start()

	for _, chunk := range chunks {
		pool.Submit(&ChunkJob{Chunk: chunk, Processor: d.processor})
	}

	results := pool.Wait()

	chunkResults := make([]*ChunkResult, 0, len(results))
	for _, result := range results {
		chunkResults = append(chunkResults, result.(*ChunkResult))
	}
	return chunkResults
}
