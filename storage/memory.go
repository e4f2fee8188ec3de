package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"videorag/core"
)

// MemoryStore is the exact-scan fallback backend. It ranks with the same
// cosine ordering as the indexed backends, so correctness is identical
// and only speed differs. It is also what tests run against.
type MemoryStore struct {
	mu           sync.RWMutex
	dim          int
	videos       map[string]core.VideoRecord // video id -> record
	bySource     map[string]string           // source uri -> video id
	records      map[string][]core.AspectRecord
	legacyFrames map[string][]legacyFrame
	closed       bool
}

// legacyFrame mirrors the pre-aspect schema: one undifferentiated record
// per frame. Kept so fallback search and cascade delete can be exercised.
type legacyFrame struct {
	VideoID          string
	Timestamp        string
	TimestampSeconds float64
	Content          string
	Vector           []float32
}

func NewMemoryStore(dim int) *MemoryStore {
	return &MemoryStore{
		dim:          dim,
		videos:       map[string]core.VideoRecord{},
		bySource:     map[string]string{},
		records:      map[string][]core.AspectRecord{},
		legacyFrames: map[string][]legacyFrame{},
	}
}

func (s *MemoryStore) InsertVideo(_ context.Context, video core.VideoRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bySource[video.SourceURI]; exists {
		return fmt.Errorf("source %q: %w", video.SourceURI, core.ErrConflict)
	}
	s.videos[video.ID] = video
	s.bySource[video.SourceURI] = video.ID
	return nil
}

func (s *MemoryStore) InsertAspectRecords(_ context.Context, records []core.AspectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if len(r.Vector) != s.dim {
			return fmt.Errorf("record %s: vector dimension %d, store has %d: %w",
				r.ID, len(r.Vector), s.dim, core.ErrInvalidInput)
		}
	}
	for _, r := range records {
		s.records[r.VideoID] = append(s.records[r.VideoID], r)
	}
	return nil
}

// InsertLegacyFrame seeds a pre-aspect frame record. Only the legacy
// migration path and tests write these.
func (s *MemoryStore) InsertLegacyFrame(videoID, timestamp, content string, vector []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legacyFrames[videoID] = append(s.legacyFrames[videoID], legacyFrame{
		VideoID:          videoID,
		Timestamp:        timestamp,
		TimestampSeconds: core.ParseTimestampSeconds(timestamp),
		Content:          content,
		Vector:           vector,
	})
}

func (s *MemoryStore) GetVideo(_ context.Context, videoID string) (core.VideoRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.videos[videoID]
	if !ok {
		return core.VideoRecord{}, fmt.Errorf("video %q: %w", videoID, core.ErrNotFound)
	}
	return v, nil
}

func (s *MemoryStore) ListVideos(_ context.Context) ([]core.VideoRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.VideoRecord, 0, len(s.videos))
	for _, v := range s.videos {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IndexedAt.Before(out[j].IndexedAt) })
	return out, nil
}

func (s *MemoryStore) IsIndexed(_ context.Context, sourceURI string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bySource[sourceURI]
	return ok, nil
}

func (s *MemoryStore) DeleteVideo(_ context.Context, videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[videoID]
	if !ok {
		return fmt.Errorf("video %q: %w", videoID, core.ErrNotFound)
	}
	delete(s.videos, videoID)
	delete(s.bySource, v.SourceURI)
	delete(s.records, videoID)
	delete(s.legacyFrames, videoID)
	return nil
}

func (s *MemoryStore) Search(_ context.Context, vector []float32, filter core.SearchFilter) ([]core.SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := map[core.AspectType]bool{}
	for _, a := range filter.AspectTypes {
		wanted[a] = true
	}

	var hits []core.SearchHit
	for videoID, recs := range s.records {
		if filter.VideoID != "" && filter.VideoID != videoID {
			continue
		}
		for _, r := range recs {
			if len(wanted) > 0 && !wanted[r.AspectType] {
				continue
			}
			hits = append(hits, core.SearchHit{Record: r, Score: cosineSimilarity(vector, r.Vector)})
		}
	}
	return rankHits(hits, filter.Limit), nil
}

func (s *MemoryStore) SearchLegacyFrames(_ context.Context, vector []float32, videoID string, limit int) ([]core.SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []core.SearchHit
	for vid, frames := range s.legacyFrames {
		if videoID != "" && videoID != vid {
			continue
		}
		for _, f := range frames {
			hits = append(hits, core.SearchHit{
				Record: core.AspectRecord{
					VideoID:          f.VideoID,
					Timestamp:        f.Timestamp,
					TimestampSeconds: f.TimestampSeconds,
					AspectType:       core.AspectScene,
					Content:          f.Content,
				},
				Score: cosineSimilarity(vector, f.Vector),
			})
		}
	}
	return rankHits(hits, limit), nil
}

func (s *MemoryStore) Stats(_ context.Context) (core.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := core.StoreStats{
		VideoCount:      len(s.videos),
		RecordsByAspect: map[core.AspectType]int{},
		DBLocation:      "memory",
	}
	for _, recs := range s.records {
		stats.RecordCount += len(recs)
		for _, r := range recs {
			stats.RecordsByAspect[r.AspectType]++
		}
	}
	return stats, nil
}

func (s *MemoryStore) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

func (s *MemoryStore) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func rankHits(hits []core.SearchHit, limit int) []core.SearchHit {
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit <= 0 {
		limit = 5
	}
	if limit > len(hits) {
		limit = len(hits)
	}
	return hits[:limit]
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	// Vectors from the gateway are unit length, so the dot product is
	// already the cosine.
	return dot
}
