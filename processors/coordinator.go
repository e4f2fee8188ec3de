package processors

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"videorag/config"
	"videorag/core"
)

// BatchCoordinator splits a large frame set into fixed-size batches so
// every provider call stays inside token and latency limits, runs the
// batches in bounded-concurrency groups, and merges the results
// deterministically.
type BatchCoordinator struct {
	provider       AnalysisProvider
	framesPerBatch int
	maxConcurrent  int
	logger         *zap.Logger
}

func NewBatchCoordinator(provider AnalysisProvider, cfg *config.Config, logger *zap.Logger) *BatchCoordinator {
	return &BatchCoordinator{
		provider:       provider,
		framesPerBatch: cfg.FramesPerBatch,
		maxConcurrent:  cfg.MaxConcurrentBatches,
		logger:         logger,
	}
}

// Analyze runs the provider over every batch and merges per MergeResults.
// One failed batch is logged and skipped; the operation only fails when
// no batch succeeds.
func (c *BatchCoordinator) Analyze(ctx context.Context, videoRef string, frames []core.FrameRef) (*core.AnalysisResult, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames to analyze: %w", core.ErrInvalidInput)
	}

	var batches [][]core.FrameRef
	for start := 0; start < len(frames); start += c.framesPerBatch {
		end := start + c.framesPerBatch
		if end > len(frames) {
			end = len(frames)
		}
		batches = append(batches, frames[start:end])
	}
	c.logger.Info("analyzing frames in batches",
		zap.String("video", videoRef),
		zap.Int("frames", len(frames)),
		zap.Int("batches", len(batches)),
		zap.Int("max_in_flight", c.maxConcurrent))

	results := make([]*core.AnalysisResult, len(batches))
	errs := make([]error, len(batches))

	// Groups of at most maxConcurrent batches run together; the next
	// group starts only once the whole group finishes.
	for start := 0; start < len(batches); start += c.maxConcurrent {
		end := start + c.maxConcurrent
		if end > len(batches) {
			end = len(batches)
		}
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = c.provider.AnalyzeFrames(ctx, videoRef, batches[i])
			}(i)
		}
		wg.Wait()
	}

	var succeeded []*core.AnalysisResult
	for i, err := range errs {
		if err != nil {
			c.logger.Warn("analysis batch failed",
				zap.String("video", videoRef), zap.Int("batch", i), zap.Error(err))
			continue
		}
		succeeded = append(succeeded, results[i])
	}
	if len(succeeded) == 0 {
		return nil, fmt.Errorf("all %d analysis batches failed: %w", len(batches), errs[0])
	}
	return MergeResults(succeeded), nil
}

// MergeResults combines per-batch analysis results into one. Frames are
// concatenated and re-sorted by parsed timestamp, since concurrent batches
// finish in no particular order. Aggregate confidence is the lowest batch
// confidence. Summaries concatenate in batch order; token usage sums.
func MergeResults(batches []*core.AnalysisResult) *core.AnalysisResult {
	if len(batches) == 0 {
		return &core.AnalysisResult{}
	}
	merged := &core.AnalysisResult{Confidence: batches[0].Confidence}
	var summaries []string
	for _, b := range batches {
		merged.Frames = append(merged.Frames, b.Frames...)
		merged.Confidence = core.MinConfidence(merged.Confidence, b.Confidence)
		if s := strings.TrimSpace(b.Summary); s != "" {
			summaries = append(summaries, s)
		}
		if b.Usage != nil {
			if merged.Usage == nil {
				merged.Usage = &core.TokenUsage{}
			}
			merged.Usage.Add(b.Usage)
		}
	}
	sort.SliceStable(merged.Frames, func(i, j int) bool {
		return core.ParseTimestampSeconds(merged.Frames[i].Timestamp) <
			core.ParseTimestampSeconds(merged.Frames[j].Timestamp)
	})
	merged.Summary = strings.Join(summaries, " ")
	return merged
}
