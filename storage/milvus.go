package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"videorag/config"
	"videorag/core"
)

const legacyFrameCollection = "frame_records"

// MilvusStore is the Milvus-backed AspectStore. Aspect records live in one
// collection with an HNSW/COSINE index; the video registry lives in a
// companion scalar collection (Milvus requires a vector field, so it
// carries a two-dimensional placeholder).
type MilvusStore struct {
	mc        client.Client
	coll      string
	videoColl string
	dim       int
	location  string
	logger    *zap.Logger
	closed    bool
}

func OpenMilvusStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*MilvusStore, error) {
	mc, err := client.NewClient(ctx, client.Config{
		Address:  cfg.MilvusAddr,
		Username: cfg.MilvusUsername,
		Password: cfg.MilvusPassword,
		APIKey:   cfg.MilvusAPIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w: %v", core.ErrUpstreamUnavailable, err)
	}
	s := &MilvusStore{
		mc:        mc,
		coll:      cfg.MilvusCollection,
		videoColl: cfg.MilvusCollection + "_videos",
		dim:       cfg.EmbeddingDim,
		location:  cfg.MilvusAddr,
		logger:    logger,
	}
	if err := s.ensureCollections(ctx); err != nil {
		mc.Close()
		return nil, err
	}
	logger.Info("milvus store ready",
		zap.String("collection", s.coll), zap.Int("dim", s.dim))
	return s, nil
}

func (s *MilvusStore) ensureCollections(ctx context.Context) error {
	has, err := s.mc.HasCollection(ctx, s.coll)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if !has {
		schema := entity.NewSchema().WithName(s.coll)
		schema.WithField(entity.NewField().WithName("id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(64).WithIsPrimaryKey(true))
		schema.WithField(entity.NewField().WithName("video_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(64))
		schema.WithField(entity.NewField().WithName("ts").WithDataType(entity.FieldTypeVarChar).WithMaxLength(32))
		schema.WithField(entity.NewField().WithName("ts_seconds").WithDataType(entity.FieldTypeDouble))
		schema.WithField(entity.NewField().WithName("aspect_type").WithDataType(entity.FieldTypeVarChar).WithMaxLength(16))
		schema.WithField(entity.NewField().WithName("content").WithDataType(entity.FieldTypeVarChar).WithMaxLength(8192))
		schema.WithField(entity.NewField().WithName("metadata").WithDataType(entity.FieldTypeVarChar).WithMaxLength(16384))
		schema.WithField(entity.NewField().WithName("vector").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(s.dim)))
		if err := s.mc.CreateCollection(ctx, schema, 2); err != nil {
			return fmt.Errorf("create aspect collection: %w", err)
		}
	}
	idx, err := entity.NewIndexHNSW(entity.COSINE, 8, 200)
	if err != nil {
		return fmt.Errorf("new hnsw index: %w", err)
	}
	if err := s.mc.CreateIndex(ctx, s.coll, "vector", idx, false, client.WithIndexName("idx_vector")); err != nil {
		return fmt.Errorf("create vector index: %w", err)
	}
	if err := s.mc.LoadCollection(ctx, s.coll, false); err != nil {
		return fmt.Errorf("load aspect collection: %w", err)
	}

	hasVideos, err := s.mc.HasCollection(ctx, s.videoColl)
	if err != nil {
		return fmt.Errorf("check video collection: %w", err)
	}
	if !hasVideos {
		schema := entity.NewSchema().WithName(s.videoColl)
		schema.WithField(entity.NewField().WithName("id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(64).WithIsPrimaryKey(true))
		schema.WithField(entity.NewField().WithName("source_uri").WithDataType(entity.FieldTypeVarChar).WithMaxLength(2048))
		schema.WithField(entity.NewField().WithName("title").WithDataType(entity.FieldTypeVarChar).WithMaxLength(1024))
		schema.WithField(entity.NewField().WithName("duration").WithDataType(entity.FieldTypeDouble))
		schema.WithField(entity.NewField().WithName("full_summary").WithDataType(entity.FieldTypeVarChar).WithMaxLength(16384))
		schema.WithField(entity.NewField().WithName("confidence").WithDataType(entity.FieldTypeVarChar).WithMaxLength(16))
		schema.WithField(entity.NewField().WithName("indexed_at").WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("record_count").WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("placeholder").WithDataType(entity.FieldTypeFloatVector).WithDim(2))
		if err := s.mc.CreateCollection(ctx, schema, 1); err != nil {
			return fmt.Errorf("create video collection: %w", err)
		}
	}
	flat, err := entity.NewIndexFlat(entity.COSINE)
	if err != nil {
		return fmt.Errorf("new flat index: %w", err)
	}
	if err := s.mc.CreateIndex(ctx, s.videoColl, "placeholder", flat, false, client.WithIndexName("idx_placeholder")); err != nil {
		return fmt.Errorf("create placeholder index: %w", err)
	}
	if err := s.mc.LoadCollection(ctx, s.videoColl, false); err != nil {
		return fmt.Errorf("load video collection: %w", err)
	}
	return nil
}

func (s *MilvusStore) InsertVideo(ctx context.Context, video core.VideoRecord) error {
	// Pre-write existence check; Milvus has no unique constraint on
	// source_uri, so a concurrent double-index race stays possible.
	exists, err := s.IsIndexed(ctx, video.SourceURI)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("source %q: %w", video.SourceURI, core.ErrConflict)
	}
	_, err = s.mc.Insert(ctx, s.videoColl, "",
		entity.NewColumnVarChar("id", []string{video.ID}),
		entity.NewColumnVarChar("source_uri", []string{video.SourceURI}),
		entity.NewColumnVarChar("title", []string{video.Title}),
		entity.NewColumnDouble("duration", []float64{video.Duration}),
		entity.NewColumnVarChar("full_summary", []string{video.FullSummary}),
		entity.NewColumnVarChar("confidence", []string{string(video.Confidence)}),
		entity.NewColumnInt64("indexed_at", []int64{video.IndexedAt.Unix()}),
		entity.NewColumnInt64("record_count", []int64{int64(video.AspectRecordCount)}),
		entity.NewColumnFloatVector("placeholder", 2, [][]float32{{0, 1}}),
	)
	if err != nil {
		return fmt.Errorf("insert video: %w", err)
	}
	// Flush so the dedup check sees this row immediately.
	if err := s.mc.Flush(ctx, s.videoColl, false); err != nil {
		return fmt.Errorf("flush video collection: %w", err)
	}
	return nil
}

func (s *MilvusStore) InsertAspectRecords(ctx context.Context, records []core.AspectRecord) error {
	if len(records) == 0 {
		return nil
	}
	ids := make([]string, 0, len(records))
	videoIDs := make([]string, 0, len(records))
	timestamps := make([]string, 0, len(records))
	seconds := make([]float64, 0, len(records))
	aspects := make([]string, 0, len(records))
	contents := make([]string, 0, len(records))
	metadatas := make([]string, 0, len(records))
	vectors := make([][]float32, 0, len(records))

	for _, r := range records {
		if len(r.Vector) != s.dim {
			return fmt.Errorf("record %s: vector dimension %d, store has %d: %w",
				r.ID, len(r.Vector), s.dim, core.ErrInvalidInput)
		}
		meta := ""
		if r.Metadata != nil {
			b, err := json.Marshal(r.Metadata)
			if err != nil {
				return fmt.Errorf("record %s: marshal metadata: %w", r.ID, err)
			}
			meta = string(b)
		}
		ids = append(ids, r.ID)
		videoIDs = append(videoIDs, r.VideoID)
		timestamps = append(timestamps, r.Timestamp)
		seconds = append(seconds, r.TimestampSeconds)
		aspects = append(aspects, string(r.AspectType))
		contents = append(contents, r.Content)
		metadatas = append(metadatas, meta)
		vectors = append(vectors, r.Vector)
	}

	_, err := s.mc.Insert(ctx, s.coll, "",
		entity.NewColumnVarChar("id", ids),
		entity.NewColumnVarChar("video_id", videoIDs),
		entity.NewColumnVarChar("ts", timestamps),
		entity.NewColumnDouble("ts_seconds", seconds),
		entity.NewColumnVarChar("aspect_type", aspects),
		entity.NewColumnVarChar("content", contents),
		entity.NewColumnVarChar("metadata", metadatas),
		entity.NewColumnFloatVector("vector", s.dim, vectors),
	)
	if err != nil {
		return fmt.Errorf("insert aspect records: %w", err)
	}
	return nil
}

func (s *MilvusStore) queryVideos(ctx context.Context, expr string) ([]core.VideoRecord, error) {
	rs, err := s.mc.Query(ctx, s.videoColl, nil, expr,
		[]string{"id", "source_uri", "title", "duration", "full_summary", "confidence", "indexed_at", "record_count"})
	if err != nil {
		return nil, fmt.Errorf("query videos: %w", err)
	}
	cols := map[string]entity.Column{}
	n := 0
	for _, c := range rs {
		cols[c.Name()] = c
		if c.Len() > n {
			n = c.Len()
		}
	}
	out := make([]core.VideoRecord, 0, n)
	for i := 0; i < n; i++ {
		v := core.VideoRecord{
			ID:          varcharAt(cols, "id", i),
			SourceURI:   varcharAt(cols, "source_uri", i),
			Title:       varcharAt(cols, "title", i),
			Duration:    doubleAt(cols, "duration", i),
			FullSummary: varcharAt(cols, "full_summary", i),
			Confidence:  core.Confidence(varcharAt(cols, "confidence", i)),
			IndexedAt:   time.Unix(int64At(cols, "indexed_at", i), 0),
		}
		v.AspectRecordCount = int(int64At(cols, "record_count", i))
		out = append(out, v)
	}
	return out, nil
}

func (s *MilvusStore) GetVideo(ctx context.Context, videoID string) (core.VideoRecord, error) {
	videos, err := s.queryVideos(ctx, fmt.Sprintf(`id == %s`, quoteExpr(videoID)))
	if err != nil {
		return core.VideoRecord{}, err
	}
	if len(videos) == 0 {
		return core.VideoRecord{}, fmt.Errorf("video %q: %w", videoID, core.ErrNotFound)
	}
	return videos[0], nil
}

func (s *MilvusStore) ListVideos(ctx context.Context) ([]core.VideoRecord, error) {
	videos, err := s.queryVideos(ctx, `id != ""`)
	if err != nil {
		return nil, err
	}
	sort.Slice(videos, func(i, j int) bool { return videos[i].IndexedAt.Before(videos[j].IndexedAt) })
	return videos, nil
}

func (s *MilvusStore) IsIndexed(ctx context.Context, sourceURI string) (bool, error) {
	videos, err := s.queryVideos(ctx, fmt.Sprintf(`source_uri == %s`, quoteExpr(sourceURI)))
	if err != nil {
		return false, err
	}
	return len(videos) > 0, nil
}

func (s *MilvusStore) DeleteVideo(ctx context.Context, videoID string) error {
	if _, err := s.GetVideo(ctx, videoID); err != nil {
		return err
	}
	expr := fmt.Sprintf(`video_id == %s`, quoteExpr(videoID))
	if err := s.mc.Delete(ctx, s.coll, "", expr); err != nil {
		return fmt.Errorf("delete aspect records: %w", err)
	}
	if hasLegacy, _ := s.mc.HasCollection(ctx, legacyFrameCollection); hasLegacy {
		if err := s.mc.Delete(ctx, legacyFrameCollection, "", expr); err != nil {
			return fmt.Errorf("delete legacy frame records: %w", err)
		}
	}
	if err := s.mc.Delete(ctx, s.videoColl, "", fmt.Sprintf(`id == %s`, quoteExpr(videoID))); err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	if err := s.mc.Flush(ctx, s.videoColl, false); err != nil {
		return fmt.Errorf("flush video collection: %w", err)
	}
	return nil
}

func (s *MilvusStore) Search(ctx context.Context, vector []float32, filter core.SearchFilter) ([]core.SearchHit, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 5
	}
	var parts []string
	if filter.VideoID != "" {
		parts = append(parts, fmt.Sprintf(`video_id == %s`, quoteExpr(filter.VideoID)))
	}
	if len(filter.AspectTypes) > 0 {
		quoted := make([]string, len(filter.AspectTypes))
		for i, a := range filter.AspectTypes {
			quoted[i] = quoteExpr(string(a))
		}
		parts = append(parts, fmt.Sprintf(`aspect_type in [%s]`, strings.Join(quoted, ", ")))
	}
	expr := strings.Join(parts, " and ")

	sp, _ := entity.NewIndexHNSWSearchParam(74)
	res, err := s.mc.Search(ctx, s.coll, nil, expr,
		[]string{"id", "video_id", "ts", "ts_seconds", "aspect_type", "content", "metadata"},
		[]entity.Vector{entity.FloatVector(vector)}, "vector", entity.COSINE, limit, sp)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	var hits []core.SearchHit
	for _, r := range res {
		cols := map[string]entity.Column{}
		for _, c := range r.Fields {
			cols[c.Name()] = c
		}
		for i := 0; i < r.ResultCount; i++ {
			h := core.SearchHit{Score: float64(r.Scores[i])}
			h.Record.ID = varcharAt(cols, "id", i)
			h.Record.VideoID = varcharAt(cols, "video_id", i)
			h.Record.Timestamp = varcharAt(cols, "ts", i)
			h.Record.TimestampSeconds = doubleAt(cols, "ts_seconds", i)
			h.Record.AspectType = core.AspectType(varcharAt(cols, "aspect_type", i))
			h.Record.Content = varcharAt(cols, "content", i)
			if meta := varcharAt(cols, "metadata", i); meta != "" {
				_ = json.Unmarshal([]byte(meta), &h.Record.Metadata)
			}
			hits = append(hits, h)
		}
	}
	return hits, nil
}

func (s *MilvusStore) SearchLegacyFrames(ctx context.Context, vector []float32, videoID string, limit int) ([]core.SearchHit, error) {
	hasLegacy, err := s.mc.HasCollection(ctx, legacyFrameCollection)
	if err != nil || !hasLegacy {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}
	expr := ""
	if videoID != "" {
		expr = fmt.Sprintf(`video_id == %s`, quoteExpr(videoID))
	}
	sp, _ := entity.NewIndexHNSWSearchParam(74)
	res, err := s.mc.Search(ctx, legacyFrameCollection, nil, expr,
		[]string{"video_id", "ts", "ts_seconds", "content"},
		[]entity.Vector{entity.FloatVector(vector)}, "vector", entity.COSINE, limit, sp)
	if err != nil {
		return nil, fmt.Errorf("legacy frame search: %w", err)
	}
	var hits []core.SearchHit
	for _, r := range res {
		cols := map[string]entity.Column{}
		for _, c := range r.Fields {
			cols[c.Name()] = c
		}
		for i := 0; i < r.ResultCount; i++ {
			h := core.SearchHit{Score: float64(r.Scores[i])}
			h.Record.VideoID = varcharAt(cols, "video_id", i)
			h.Record.Timestamp = varcharAt(cols, "ts", i)
			h.Record.TimestampSeconds = doubleAt(cols, "ts_seconds", i)
			h.Record.AspectType = core.AspectScene
			h.Record.Content = varcharAt(cols, "content", i)
			hits = append(hits, h)
		}
	}
	return hits, nil
}

func (s *MilvusStore) Stats(ctx context.Context) (core.StoreStats, error) {
	stats := core.StoreStats{DBLocation: s.location}
	videoStats, err := s.mc.GetCollectionStatistics(ctx, s.videoColl)
	if err != nil {
		return stats, fmt.Errorf("video collection statistics: %w", err)
	}
	stats.VideoCount = rowCount(videoStats)
	recordStats, err := s.mc.GetCollectionStatistics(ctx, s.coll)
	if err != nil {
		return stats, fmt.Errorf("aspect collection statistics: %w", err)
	}
	stats.RecordCount = rowCount(recordStats)
	return stats, nil
}

func (s *MilvusStore) Ready() bool { return !s.closed }

func (s *MilvusStore) Close(context.Context) error {
	s.closed = true
	return s.mc.Close()
}

func rowCount(stats map[string]string) int {
	n, _ := strconv.Atoi(stats["row_count"])
	return n
}

func quoteExpr(v string) string {
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}

func varcharAt(cols map[string]entity.Column, name string, i int) string {
	if c, ok := cols[name].(*entity.ColumnVarChar); ok {
		data := c.Data()
		if i < len(data) {
			return data[i]
		}
	}
	return ""
}

func doubleAt(cols map[string]entity.Column, name string, i int) float64 {
	if c, ok := cols[name].(*entity.ColumnDouble); ok {
		data := c.Data()
		if i < len(data) {
			return data[i]
		}
	}
	return 0
}

func int64At(cols map[string]entity.Column, name string, i int) int64 {
	if c, ok := cols[name].(*entity.ColumnInt64); ok {
		data := c.Data()
		if i < len(data) {
			return data[i]
		}
	}
	return 0
}
