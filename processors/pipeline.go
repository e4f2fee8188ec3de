package processors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"videorag/core"
	"videorag/storage"
)

// Pipeline exposes the indexing and query operations to the surrounding
// application. Everything above it is transport; everything below it is
// a provider or the store.
type Pipeline struct {
	store       storage.AspectStore
	embedder    storage.EmbeddingGateway
	engine      *RAGEngine
	coordinator *BatchCoordinator
	logger      *zap.Logger
}

// NewPipeline wires the pipeline. coordinator may be nil when no analysis
// provider is configured; IndexVideoFromFrames then reports unavailable.
func NewPipeline(store storage.AspectStore, embedder storage.EmbeddingGateway, generator TextGenerator, coordinator *BatchCoordinator, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:       store,
		embedder:    embedder,
		engine:      NewRAGEngine(store, embedder, generator, logger),
		coordinator: coordinator,
		logger:      logger,
	}
}

// IndexVideo turns one analysis result into a video record plus its
// aspect records. The operation is atomic from the caller's perspective:
// a reported failure guarantees nothing durable, and the dedup check plus
// the store's uniqueness on source uri reject a second index attempt.
func (p *Pipeline) IndexVideo(ctx context.Context, sourceURI, title string, analysis *core.AnalysisResult) (core.IndexResult, error) {
	start := time.Now()
	fail := func(err error) (core.IndexResult, error) {
		return core.IndexResult{
			DurationMs: time.Since(start).Milliseconds(),
			Error:      err.Error(),
		}, err
	}

	if sourceURI == "" {
		return fail(fmt.Errorf("source uri is required: %w", core.ErrInvalidInput))
	}
	if analysis == nil || len(analysis.Frames) == 0 {
		return fail(fmt.Errorf("analysis result has no frame observations: %w", core.ErrInvalidInput))
	}
	if !p.store.Ready() {
		return fail(fmt.Errorf("aspect store: %w", core.ErrUpstreamUnavailable))
	}

	indexed, err := p.store.IsIndexed(ctx, sourceURI)
	if err != nil {
		return fail(fmt.Errorf("dedup check: %w", err))
	}
	if indexed {
		return fail(fmt.Errorf("source %q: %w", sourceURI, core.ErrConflict))
	}

	videoID := uuid.NewString()
	var drafts []AspectDraft
	var maxSeconds float64
	for i, frame := range analysis.Frames {
		frameDrafts, err := ExtractAspects(frame)
		if err != nil {
			// One malformed observation is skipped, not fatal.
			p.logger.Warn("skipping malformed frame observation",
				zap.String("video_id", videoID), zap.Int("frame", i), zap.Error(err))
			continue
		}
		drafts = append(drafts, frameDrafts...)
		if s := core.ParseTimestampSeconds(frame.Timestamp); s > maxSeconds {
			maxSeconds = s
		}
	}

	records := make([]core.AspectRecord, len(drafts))
	if len(drafts) > 0 {
		contents := make([]string, len(drafts))
		for i, d := range drafts {
			contents[i] = d.Content
		}
		vectors, err := p.embedder.EmbedBatch(ctx, contents)
		if err != nil {
			return fail(fmt.Errorf("embed aspect contents: %w", err))
		}
		for i, d := range drafts {
			records[i] = core.AspectRecord{
				ID:               uuid.NewString(),
				VideoID:          videoID,
				Timestamp:        d.Timestamp,
				TimestampSeconds: d.TimestampSeconds,
				AspectType:       d.AspectType,
				Content:          d.Content,
				Vector:           vectors[i],
				Metadata:         d.Metadata,
			}
		}
	}

	video := core.VideoRecord{
		ID:                videoID,
		SourceURI:         sourceURI,
		Title:             title,
		Duration:          maxSeconds,
		FullSummary:       analysis.Summary,
		Confidence:        analysis.Confidence,
		IndexedAt:         time.Now().UTC(),
		AspectRecordCount: len(records),
	}
	// Video first: the registry row is where a concurrent double-index
	// resolves, before any aspect record lands.
	if err := p.store.InsertVideo(ctx, video); err != nil {
		return fail(err)
	}
	if err := p.store.InsertAspectRecords(ctx, records); err != nil {
		// Roll the registry row back so a failed index leaves nothing.
		if delErr := p.store.DeleteVideo(ctx, videoID); delErr != nil && !errors.Is(delErr, core.ErrNotFound) {
			p.logger.Error("cleanup after failed index also failed",
				zap.String("video_id", videoID), zap.Error(delErr))
		}
		return fail(fmt.Errorf("insert aspect records: %w", err))
	}

	p.logger.Info("indexed video",
		zap.String("video_id", videoID),
		zap.String("source", sourceURI),
		zap.Int("records", len(records)),
		zap.Int("frames", len(analysis.Frames)))
	return core.IndexResult{
		VideoID:     videoID,
		RecordCount: len(records),
		DurationMs:  time.Since(start).Milliseconds(),
		Success:     true,
	}, nil
}

// IndexVideoFromFrames analyzes extracted frames through the batch
// coordinator, then indexes the merged result.
func (p *Pipeline) IndexVideoFromFrames(ctx context.Context, sourceURI, title string, frames []core.FrameRef) (core.IndexResult, error) {
	if p.coordinator == nil {
		err := fmt.Errorf("analysis provider not configured: %w", core.ErrUpstreamUnavailable)
		return core.IndexResult{Error: err.Error()}, err
	}
	analysis, err := p.coordinator.Analyze(ctx, sourceURI, frames)
	if err != nil {
		return core.IndexResult{Error: err.Error()}, err
	}
	return p.IndexVideo(ctx, sourceURI, title, analysis)
}

func (p *Pipeline) Answer(ctx context.Context, videoID, query string, topK int) (*core.RAGResponse, error) {
	return p.engine.Answer(ctx, videoID, query, topK)
}

func (p *Pipeline) GlobalSearch(ctx context.Context, query string, topK int) (*core.GlobalSearchResponse, error) {
	return p.engine.GlobalSearch(ctx, query, topK)
}

func (p *Pipeline) GetVideo(ctx context.Context, videoID string) (core.VideoRecord, error) {
	return p.store.GetVideo(ctx, videoID)
}

func (p *Pipeline) ListVideos(ctx context.Context) ([]core.VideoRecord, error) {
	return p.store.ListVideos(ctx)
}

func (p *Pipeline) DeleteVideo(ctx context.Context, videoID string) error {
	return p.store.DeleteVideo(ctx, videoID)
}

func (p *Pipeline) Stats(ctx context.Context) (core.StoreStats, error) {
	return p.store.Stats(ctx)
}

func (p *Pipeline) Ready() bool {
	return p.store.Ready()
}
