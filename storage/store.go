package storage

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"videorag/config"
	"videorag/core"
)

// AspectStore is the storage backend contract. It covers both the video
// registry and the aspect records so that deleting a video and its records
// stays one operation against one backend.
//
// Filter semantics for Search: VideoID, when set, is an equality filter;
// AspectTypes, when non-empty, is an OR over aspect-type equality; both
// are ANDed when both present. An absent filter never means "match none".
type AspectStore interface {
	InsertVideo(ctx context.Context, video core.VideoRecord) error
	InsertAspectRecords(ctx context.Context, records []core.AspectRecord) error

	GetVideo(ctx context.Context, videoID string) (core.VideoRecord, error)
	ListVideos(ctx context.Context) ([]core.VideoRecord, error)
	IsIndexed(ctx context.Context, sourceURI string) (bool, error)

	// DeleteVideo removes the video and every record that references it,
	// legacy frame records included. No orphans survive.
	DeleteVideo(ctx context.Context, videoID string) error

	Search(ctx context.Context, vector []float32, filter core.SearchFilter) ([]core.SearchHit, error)

	// SearchLegacyFrames queries the undifferentiated frame records kept
	// by the pre-aspect schema. Used only as a retrieval fallback.
	SearchLegacyFrames(ctx context.Context, vector []float32, videoID string, limit int) ([]core.SearchHit, error)

	Stats(ctx context.Context) (core.StoreStats, error)

	// Ready reports whether the backend can serve reads. Read paths check
	// this before use instead of discovering a dead connection mid-query.
	Ready() bool
	Close(ctx context.Context) error
}

// Open constructs the backend selected by cfg.Store.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (AspectStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Store)) {
	case "", "memory":
		logger.Info("using in-memory aspect store")
		return NewMemoryStore(cfg.EmbeddingDim), nil
	case "pgvector":
		return OpenPgVectorStore(ctx, cfg, logger)
	case "milvus":
		return OpenMilvusStore(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}
