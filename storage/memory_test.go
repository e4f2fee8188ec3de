package storage

import (
	"context"
	"errors"
	"testing"

	"videorag/core"
)

const testDim = 32

func seedStore(t *testing.T) (*MemoryStore, *MockEmbedder) {
	t.Helper()
	store := NewMemoryStore(testDim)
	embedder := NewMockEmbedder(testDim)
	ctx := context.Background()

	for _, v := range []core.VideoRecord{
		{ID: "v1", SourceURI: "file:///one.mp4", Title: "One"},
		{ID: "v2", SourceURI: "file:///two.mp4", Title: "Two"},
	} {
		if err := store.InsertVideo(ctx, v); err != nil {
			t.Fatalf("InsertVideo(%s): %v", v.ID, err)
		}
	}

	records := []core.AspectRecord{
		{ID: "r1", VideoID: "v1", AspectType: core.AspectPeople, Timestamp: "00:00", Content: "a masked man at the counter"},
		{ID: "r2", VideoID: "v1", AspectType: core.AspectAudio, Timestamp: "00:05", Content: "someone shouts get down"},
		{ID: "r3", VideoID: "v2", AspectType: core.AspectPeople, Timestamp: "00:10", Content: "a masked man runs outside"},
		{ID: "r4", VideoID: "v2", AspectType: core.AspectScene, Timestamp: "00:15", Content: "a parking lot at night"},
	}
	for i := range records {
		vec, err := embedder.Embed(ctx, records[i].Content)
		if err != nil {
			t.Fatalf("Embed: %v", err)
		}
		records[i].Vector = vec
	}
	if err := store.InsertAspectRecords(ctx, records); err != nil {
		t.Fatalf("InsertAspectRecords: %v", err)
	}
	return store, embedder
}

func hitIDs(hits []core.SearchHit) map[string]bool {
	ids := map[string]bool{}
	for _, h := range hits {
		ids[h.Record.ID] = true
	}
	return ids
}

func TestSearchFilterSemantics(t *testing.T) {
	store, embedder := seedStore(t)
	ctx := context.Background()
	query, _ := embedder.Embed(ctx, "a masked man")

	// No filter means the whole corpus is in scope.
	hits, err := store.Search(ctx, query, core.SearchFilter{Limit: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 4 {
		t.Fatalf("unfiltered search returned %d hits, want 4", len(hits))
	}

	// Video filter restricts by exact id.
	hits, _ = store.Search(ctx, query, core.SearchFilter{VideoID: "v1", Limit: 10})
	ids := hitIDs(hits)
	if len(hits) != 2 || !ids["r1"] || !ids["r2"] {
		t.Errorf("video filter hits = %v, want r1 and r2", ids)
	}

	// Aspect filter is an OR over the listed types.
	hits, _ = store.Search(ctx, query, core.SearchFilter{
		AspectTypes: []core.AspectType{core.AspectPeople, core.AspectScene},
		Limit:       10,
	})
	ids = hitIDs(hits)
	if len(hits) != 3 || !ids["r1"] || !ids["r3"] || !ids["r4"] {
		t.Errorf("aspect filter hits = %v, want r1, r3, r4", ids)
	}

	// Both filters combine with AND.
	hits, _ = store.Search(ctx, query, core.SearchFilter{
		VideoID:     "v2",
		AspectTypes: []core.AspectType{core.AspectPeople},
		Limit:       10,
	})
	ids = hitIDs(hits)
	if len(hits) != 1 || !ids["r3"] {
		t.Errorf("combined filter hits = %v, want only r3", ids)
	}
}

func TestSearchRankingAndLimit(t *testing.T) {
	store, embedder := seedStore(t)
	ctx := context.Background()
	query, _ := embedder.Embed(ctx, "a masked man at the counter")

	hits, err := store.Search(ctx, query, core.SearchFilter{Limit: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("limit not applied, got %d hits", len(hits))
	}
	if hits[0].Record.ID != "r1" {
		t.Errorf("top hit = %s, want the exact-content record r1", hits[0].Record.ID)
	}
	if hits[0].Score < hits[1].Score {
		t.Errorf("hits not sorted by score descending: %v then %v", hits[0].Score, hits[1].Score)
	}

	// Limit of zero falls back to the default of five.
	hits, _ = store.Search(ctx, query, core.SearchFilter{})
	if len(hits) != 4 {
		t.Errorf("default limit returned %d hits, want all 4", len(hits))
	}
}

func TestInsertAspectRecordsDimensionMismatch(t *testing.T) {
	store := NewMemoryStore(testDim)
	err := store.InsertAspectRecords(context.Background(), []core.AspectRecord{
		{ID: "bad", VideoID: "v1", Vector: make([]float32, testDim+1)},
	})
	if !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestInsertVideoConflictOnSource(t *testing.T) {
	store := NewMemoryStore(testDim)
	ctx := context.Background()
	if err := store.InsertVideo(ctx, core.VideoRecord{ID: "a", SourceURI: "file:///same.mp4"}); err != nil {
		t.Fatalf("InsertVideo: %v", err)
	}
	err := store.InsertVideo(ctx, core.VideoRecord{ID: "b", SourceURI: "file:///same.mp4"})
	if !errors.Is(err, core.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	indexed, err := store.IsIndexed(ctx, "file:///same.mp4")
	if err != nil || !indexed {
		t.Errorf("IsIndexed = %v, %v, want true", indexed, err)
	}
	indexed, _ = store.IsIndexed(ctx, "file:///other.mp4")
	if indexed {
		t.Errorf("IsIndexed reports an unknown source as indexed")
	}
}

func TestDeleteVideoCascades(t *testing.T) {
	store, embedder := seedStore(t)
	ctx := context.Background()
	vec, _ := embedder.Embed(ctx, "legacy content")
	store.InsertLegacyFrame("v1", "00:30", "legacy content", vec)

	if err := store.DeleteVideo(ctx, "v1"); err != nil {
		t.Fatalf("DeleteVideo: %v", err)
	}

	if _, err := store.GetVideo(ctx, "v1"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetVideo err = %v, want ErrNotFound", err)
	}
	hits, _ := store.Search(ctx, vec, core.SearchFilter{VideoID: "v1", Limit: 10})
	if len(hits) != 0 {
		t.Errorf("aspect records survived delete: %d hits", len(hits))
	}
	legacy, _ := store.SearchLegacyFrames(ctx, vec, "v1", 10)
	if len(legacy) != 0 {
		t.Errorf("legacy frames survived delete: %d hits", len(legacy))
	}

	// The source uri frees up for re-indexing.
	indexed, _ := store.IsIndexed(ctx, "file:///one.mp4")
	if indexed {
		t.Errorf("source still marked indexed after delete")
	}

	// The other video is untouched.
	if _, err := store.GetVideo(ctx, "v2"); err != nil {
		t.Errorf("GetVideo(v2) after deleting v1: %v", err)
	}

	if err := store.DeleteVideo(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("delete of unknown video err = %v, want ErrNotFound", err)
	}
}

func TestStatsCountsByAspect(t *testing.T) {
	store, _ := seedStore(t)
	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.VideoCount != 2 || stats.RecordCount != 4 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.RecordsByAspect[core.AspectPeople] != 2 ||
		stats.RecordsByAspect[core.AspectAudio] != 1 ||
		stats.RecordsByAspect[core.AspectScene] != 1 {
		t.Errorf("by-aspect counts = %+v", stats.RecordsByAspect)
	}
}

func TestCloseMarksNotReady(t *testing.T) {
	store := NewMemoryStore(testDim)
	if !store.Ready() {
		t.Fatal("fresh store not ready")
	}
	if err := store.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if store.Ready() {
		t.Error("store still ready after close")
	}
}
