package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"videorag/config"
	"videorag/core"
)

// PgVectorStore keeps the registry and the aspect records in Postgres with
// the pgvector extension. Below indexThreshold records pgvector falls back
// to an exact scan, which is still correct, so the ivfflat index is only
// built once the record count crosses the threshold.
type PgVectorStore struct {
	mu             sync.Mutex
	conn           *pgx.Conn
	dim            int
	indexThreshold int
	indexBuilt     bool
	location       string
	logger         *zap.Logger
}

func OpenPgVectorStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*PgVectorStore, error) {
	conn, err := pgx.Connect(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w: %v", core.ErrUpstreamUnavailable, err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("ping postgres: %w: %v", core.ErrUpstreamUnavailable, err)
	}
	s := &PgVectorStore{
		conn:           conn,
		dim:            cfg.EmbeddingDim,
		indexThreshold: cfg.IndexBuildThreshold,
		location:       cfg.PostgresURL,
		logger:         logger,
	}
	if err := s.ensureTables(ctx); err != nil {
		conn.Close(ctx)
		return nil, err
	}
	logger.Info("pgvector store ready", zap.Int("dim", s.dim))
	return s, nil
}

func (s *PgVectorStore) ensureTables(ctx context.Context) error {
	if _, err := s.conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector;"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS videos (
			id VARCHAR(64) PRIMARY KEY,
			source_uri TEXT UNIQUE NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			duration FLOAT NOT NULL DEFAULT 0,
			full_summary TEXT NOT NULL DEFAULT '',
			confidence VARCHAR(16) NOT NULL DEFAULT 'low',
			indexed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			record_count INT NOT NULL DEFAULT 0
		);`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS aspect_records (
			id VARCHAR(64) PRIMARY KEY,
			video_id VARCHAR(64) NOT NULL,
			ts VARCHAR(32) NOT NULL,
			ts_seconds FLOAT NOT NULL,
			aspect_type VARCHAR(16) NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB,
			embedding vector(%d)
		);`, s.dim),
		`CREATE INDEX IF NOT EXISTS idx_aspect_records_video_id ON aspect_records(video_id);`,
		`CREATE INDEX IF NOT EXISTS idx_aspect_records_aspect_type ON aspect_records(video_id, aspect_type);`,
	}
	for _, q := range stmts {
		if _, err := s.conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("ensure tables: %w", err)
		}
	}
	return nil
}

func (s *PgVectorStore) InsertVideo(ctx context.Context, video core.VideoRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO videos (id, source_uri, title, duration, full_summary, confidence, indexed_at, record_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, video.ID, video.SourceURI, video.Title, video.Duration, video.FullSummary,
		string(video.Confidence), video.IndexedAt, video.AspectRecordCount)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505: unique violation on source_uri. Two indexers racing past
		// the pre-write check resolve here, loser gets the conflict.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("source %q: %w", video.SourceURI, core.ErrConflict)
		}
		return fmt.Errorf("insert video: %w", err)
	}
	return nil
}

func (s *PgVectorStore) InsertAspectRecords(ctx context.Context, records []core.AspectRecord) error {
	for _, r := range records {
		if len(r.Vector) != s.dim {
			return fmt.Errorf("record %s: vector dimension %d, store has %d: %w",
				r.ID, len(r.Vector), s.dim, core.ErrInvalidInput)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		var meta []byte
		if r.Metadata != nil {
			b, err := json.Marshal(r.Metadata)
			if err != nil {
				return fmt.Errorf("record %s: marshal metadata: %w", r.ID, err)
			}
			meta = b
		}
		_, err := s.conn.Exec(ctx, `
			INSERT INTO aspect_records (id, video_id, ts, ts_seconds, aspect_type, content, metadata, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, r.ID, r.VideoID, r.Timestamp, r.TimestampSeconds, string(r.AspectType),
			r.Content, meta, pgvector.NewVector(r.Vector))
		if err != nil {
			return fmt.Errorf("insert aspect record %s: %w", r.ID, err)
		}
	}
	return s.maybeBuildIndex(ctx)
}

// maybeBuildIndex creates the ivfflat index once the record count crosses
// the threshold. List count follows the pgvector guidance of roughly one
// list per hundred vectors.
func (s *PgVectorStore) maybeBuildIndex(ctx context.Context) error {
	if s.indexBuilt {
		return nil
	}
	var count int
	if err := s.conn.QueryRow(ctx, "SELECT COUNT(*) FROM aspect_records").Scan(&count); err != nil {
		return fmt.Errorf("count aspect records: %w", err)
	}
	if count < s.indexThreshold {
		return nil
	}
	lists := count / 100
	if lists < 10 {
		lists = 10
	}
	if lists > 1000 {
		lists = 1000
	}
	q := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_aspect_records_embedding
		ON aspect_records USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = %d);
	`, lists)
	if _, err := s.conn.Exec(ctx, q); err != nil {
		return fmt.Errorf("create vector index: %w", err)
	}
	s.logger.Info("built aspect record vector index",
		zap.Int("records", count), zap.Int("lists", lists))
	s.indexBuilt = true
	return nil
}

func (s *PgVectorStore) GetVideo(ctx context.Context, videoID string) (core.VideoRecord, error) {
	row := s.conn.QueryRow(ctx, `
		SELECT id, source_uri, title, duration, full_summary, confidence, indexed_at, record_count
		FROM videos WHERE id = $1
	`, videoID)
	return scanVideo(row, videoID)
}

func scanVideo(row pgx.Row, videoID string) (core.VideoRecord, error) {
	var v core.VideoRecord
	var confidence string
	err := row.Scan(&v.ID, &v.SourceURI, &v.Title, &v.Duration, &v.FullSummary,
		&confidence, &v.IndexedAt, &v.AspectRecordCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.VideoRecord{}, fmt.Errorf("video %q: %w", videoID, core.ErrNotFound)
	}
	if err != nil {
		return core.VideoRecord{}, fmt.Errorf("scan video: %w", err)
	}
	v.Confidence = core.Confidence(confidence)
	return v, nil
}

func (s *PgVectorStore) ListVideos(ctx context.Context) ([]core.VideoRecord, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, source_uri, title, duration, full_summary, confidence, indexed_at, record_count
		FROM videos ORDER BY indexed_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	defer rows.Close()
	var out []core.VideoRecord
	for rows.Next() {
		var v core.VideoRecord
		var confidence string
		if err := rows.Scan(&v.ID, &v.SourceURI, &v.Title, &v.Duration, &v.FullSummary,
			&confidence, &v.IndexedAt, &v.AspectRecordCount); err != nil {
			return nil, fmt.Errorf("scan video row: %w", err)
		}
		v.Confidence = core.Confidence(confidence)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PgVectorStore) IsIndexed(ctx context.Context, sourceURI string) (bool, error) {
	var exists bool
	err := s.conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM videos WHERE source_uri = $1)", sourceURI).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check indexed: %w", err)
	}
	return exists, nil
}

func (s *PgVectorStore) DeleteVideo(ctx context.Context, videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM aspect_records WHERE video_id = $1", videoID); err != nil {
		return fmt.Errorf("delete aspect records: %w", err)
	}
	// The pre-aspect schema kept one row per frame; drop those too so a
	// video indexed under either schema leaves nothing behind.
	if legacyExists, _ := s.legacyTableExists(ctx); legacyExists {
		if _, err := tx.Exec(ctx, "DELETE FROM frame_records WHERE video_id = $1", videoID); err != nil {
			return fmt.Errorf("delete legacy frame records: %w", err)
		}
	}
	tag, err := tx.Exec(ctx, "DELETE FROM videos WHERE id = $1", videoID)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("video %q: %w", videoID, core.ErrNotFound)
	}
	return tx.Commit(ctx)
}

func (s *PgVectorStore) legacyTableExists(ctx context.Context) (bool, error) {
	var exists bool
	err := s.conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables WHERE table_name = 'frame_records'
		)`).Scan(&exists)
	return exists, err
}

func (s *PgVectorStore) Search(ctx context.Context, vector []float32, filter core.SearchFilter) ([]core.SearchHit, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 5
	}
	vec := pgvector.NewVector(vector)

	where := []string{}
	args := []interface{}{vec}
	if filter.VideoID != "" {
		args = append(args, filter.VideoID)
		where = append(where, fmt.Sprintf("video_id = $%d", len(args)))
	}
	if len(filter.AspectTypes) > 0 {
		types := make([]string, len(filter.AspectTypes))
		for i, a := range filter.AspectTypes {
			types[i] = string(a)
		}
		args = append(args, types)
		where = append(where, fmt.Sprintf("aspect_type = ANY($%d)", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
		SELECT id, video_id, ts, ts_seconds, aspect_type, content, metadata,
		       1 - (embedding <=> $1) AS similarity
		FROM aspect_records
		%s
		ORDER BY embedding <=> $1
		LIMIT $%d
	`, clause, len(args))

	rows, err := s.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var hits []core.SearchHit
	for rows.Next() {
		var h core.SearchHit
		var aspectType string
		var meta []byte
		if err := rows.Scan(&h.Record.ID, &h.Record.VideoID, &h.Record.Timestamp,
			&h.Record.TimestampSeconds, &aspectType, &h.Record.Content, &meta, &h.Score); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		h.Record.AspectType = core.AspectType(aspectType)
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &h.Record.Metadata)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *PgVectorStore) SearchLegacyFrames(ctx context.Context, vector []float32, videoID string, limit int) ([]core.SearchHit, error) {
	exists, err := s.legacyTableExists(ctx)
	if err != nil || !exists {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}
	vec := pgvector.NewVector(vector)
	q := `
		SELECT video_id, ts, ts_seconds, content, 1 - (embedding <=> $1) AS similarity
		FROM frame_records
	`
	args := []interface{}{vec}
	if videoID != "" {
		q += " WHERE video_id = $2 ORDER BY embedding <=> $1 LIMIT $3"
		args = append(args, videoID, limit)
	} else {
		q += " ORDER BY embedding <=> $1 LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("legacy frame search: %w", err)
	}
	defer rows.Close()

	var hits []core.SearchHit
	for rows.Next() {
		var h core.SearchHit
		if err := rows.Scan(&h.Record.VideoID, &h.Record.Timestamp,
			&h.Record.TimestampSeconds, &h.Record.Content, &h.Score); err != nil {
			return nil, fmt.Errorf("scan legacy row: %w", err)
		}
		h.Record.AspectType = core.AspectScene
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *PgVectorStore) Stats(ctx context.Context) (core.StoreStats, error) {
	stats := core.StoreStats{
		RecordsByAspect: map[core.AspectType]int{},
		DBLocation:      s.location,
	}
	if err := s.conn.QueryRow(ctx, "SELECT COUNT(*) FROM videos").Scan(&stats.VideoCount); err != nil {
		return stats, fmt.Errorf("count videos: %w", err)
	}
	rows, err := s.conn.Query(ctx, "SELECT aspect_type, COUNT(*) FROM aspect_records GROUP BY aspect_type")
	if err != nil {
		return stats, fmt.Errorf("count aspect records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var aspect string
		var n int
		if err := rows.Scan(&aspect, &n); err != nil {
			return stats, err
		}
		stats.RecordsByAspect[core.AspectType(aspect)] = n
		stats.RecordCount += n
	}
	return stats, rows.Err()
}

func (s *PgVectorStore) Ready() bool {
	return s.conn != nil && !s.conn.IsClosed()
}

func (s *PgVectorStore) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}
