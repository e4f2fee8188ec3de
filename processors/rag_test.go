package processors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"

	"videorag/core"
	"videorag/storage"
)

// recordingStore wraps the memory store and keeps the filters of every
// similarity search, so tests can assert which fallback stages ran.
type recordingStore struct {
	*storage.MemoryStore
	searches       []core.SearchFilter
	legacySearches int
}

func (r *recordingStore) Search(ctx context.Context, vector []float32, filter core.SearchFilter) ([]core.SearchHit, error) {
	r.searches = append(r.searches, filter)
	return r.MemoryStore.Search(ctx, vector, filter)
}

func (r *recordingStore) SearchLegacyFrames(ctx context.Context, vector []float32, videoID string, limit int) ([]core.SearchHit, error) {
	r.legacySearches++
	return r.MemoryStore.SearchLegacyFrames(ctx, vector, videoID, limit)
}

// countingGenerator fails the test if generation runs without context.
type countingGenerator struct {
	calls int
}

func (g *countingGenerator) Generate(_ context.Context, _, prompt string, _ GenerateOptions) (GenerateResult, error) {
	g.calls++
	return GenerateResult{
		Text:  "Answer grounded in:\n" + prompt,
		Usage: &core.TokenUsage{TotalTokens: 10},
	}, nil
}

const testDim = 64

func indexTestVideo(t *testing.T, store storage.AspectStore, sourceURI string, frames []core.FrameObservation) (*Pipeline, core.IndexResult) {
	t.Helper()
	embedder := storage.NewMockEmbedder(testDim)
	p := NewPipeline(store, embedder, &countingGenerator{}, nil, zap.NewNop())
	result, err := p.IndexVideo(context.Background(), sourceURI, "Test Video", &core.AnalysisResult{
		Summary:    "test video",
		Confidence: core.ConfidenceHigh,
		Frames:     frames,
	})
	if err != nil {
		t.Fatalf("IndexVideo: %v", err)
	}
	return p, result
}

func TestAnswerUnknownVideo(t *testing.T) {
	store := storage.NewMemoryStore(testDim)
	engine := NewRAGEngine(store, storage.NewMockEmbedder(testDim), &countingGenerator{}, zap.NewNop())
	_, err := engine.Answer(context.Background(), "nope", "what happened", 5)
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAnswerFallsBackToUnfilteredSearch(t *testing.T) {
	rec := &recordingStore{MemoryStore: storage.NewMemoryStore(testDim)}
	// The video has only scene data; an audio-flavored question filters
	// to aspects holding nothing.
	_, result := indexTestVideo(t, rec, "file:///a.mp4", []core.FrameObservation{
		{Timestamp: "00:00", Scene: &core.SceneDescriptor{LocationType: "parking lot", TimeOfDay: "night"}},
	})

	gen := &countingGenerator{}
	engine := NewRAGEngine(rec, storage.NewMockEmbedder(testDim), gen, zap.NewNop())
	resp, err := engine.Answer(context.Background(), result.VideoID, "what was said in the conversation", 5)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if len(rec.searches) < 2 {
		t.Fatalf("got %d searches, want the aspect-filtered search plus the unfiltered fallback", len(rec.searches))
	}
	first, second := rec.searches[len(rec.searches)-2], rec.searches[len(rec.searches)-1]
	if len(first.AspectTypes) == 0 {
		t.Errorf("first search had no aspect filter: %+v", first)
	}
	if len(second.AspectTypes) != 0 {
		t.Errorf("fallback search still had an aspect filter: %+v", second)
	}
	if second.VideoID != result.VideoID {
		t.Errorf("fallback search lost the video filter: %+v", second)
	}
	if len(resp.Sources) == 0 || resp.Sources[0].AspectType != core.AspectScene {
		t.Errorf("sources = %+v, want the scene record via fallback", resp.Sources)
	}
	if gen.calls != 1 {
		t.Errorf("generator called %d times, want 1", gen.calls)
	}
}

func TestAnswerFallsBackToLegacyFrames(t *testing.T) {
	rec := &recordingStore{MemoryStore: storage.NewMemoryStore(testDim)}
	embedder := storage.NewMockEmbedder(testDim)

	// A video indexed under the old schema: registry row plus legacy
	// frame records, no aspect records at all.
	video := core.VideoRecord{ID: "legacy-1", SourceURI: "file:///old.mp4", Title: "Old"}
	if err := rec.InsertVideo(context.Background(), video); err != nil {
		t.Fatalf("InsertVideo: %v", err)
	}
	vec, _ := embedder.Embed(context.Background(), "a man walks through the door")
	rec.InsertLegacyFrame("legacy-1", "00:20", "a man walks through the door", vec)

	gen := &countingGenerator{}
	engine := NewRAGEngine(rec, embedder, gen, zap.NewNop())
	resp, err := engine.Answer(context.Background(), "legacy-1", "who walks in", 5)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if rec.legacySearches != 1 {
		t.Errorf("legacy searches = %d, want 1", rec.legacySearches)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].Timestamp != "00:20" {
		t.Errorf("sources = %+v", resp.Sources)
	}
}

// failingEmbedder simulates the embedding provider being down.
type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("embedding request: %w", core.ErrUpstreamUnavailable)
}

func (failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("embedding request: %w", core.ErrUpstreamUnavailable)
}

func (failingEmbedder) Dimension() int { return testDim }

func TestAnswerEmbeddingFailurePropagates(t *testing.T) {
	store := storage.NewMemoryStore(testDim)
	_, result := indexTestVideo(t, store, "file:///up.mp4", []core.FrameObservation{
		{Timestamp: "00:00", Scene: &core.SceneDescriptor{LocationType: "office"}},
	})

	// A query vector is a precondition for every retrieval stage, so the
	// failure surfaces instead of degrading to the fixed refusal.
	gen := &countingGenerator{}
	engine := NewRAGEngine(store, failingEmbedder{}, gen, zap.NewNop())
	_, err := engine.Answer(context.Background(), result.VideoID, "what is in the office", 5)
	if !errors.Is(err, core.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
	if gen.calls != 0 {
		t.Errorf("generator called %d times, want 0", gen.calls)
	}
}

func TestAnswerEmptyContextSkipsGeneration(t *testing.T) {
	rec := &recordingStore{MemoryStore: storage.NewMemoryStore(testDim)}
	video := core.VideoRecord{ID: "v1", SourceURI: "file:///empty.mp4"}
	if err := rec.InsertVideo(context.Background(), video); err != nil {
		t.Fatalf("InsertVideo: %v", err)
	}

	gen := &countingGenerator{}
	engine := NewRAGEngine(rec, storage.NewMockEmbedder(testDim), gen, zap.NewNop())
	resp, err := engine.Answer(context.Background(), "v1", "anything at all", 5)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if resp.Answer != NoContentAnswer {
		t.Errorf("answer = %q, want the fixed no-content answer", resp.Answer)
	}
	if len(resp.Sources) != 0 {
		t.Errorf("sources = %+v, want empty", resp.Sources)
	}
	if gen.calls != 0 {
		t.Errorf("generator called %d times on empty context, want 0", gen.calls)
	}
	if rec.legacySearches != 1 {
		t.Errorf("legacy fallback attempted %d times, want 1", rec.legacySearches)
	}
}

func TestAnswerEndToEnd(t *testing.T) {
	store := storage.NewMemoryStore(testDim)
	p, result := indexTestVideo(t, store, "file:///robbery.mp4", []core.FrameObservation{
		{Timestamp: "00:00", Scene: &core.SceneDescriptor{LocationType: "convenience store", Lighting: "dim"}},
		{Timestamp: "00:01", Audio: &core.AudioObservation{Speech: []core.SpeechEvent{{Speaker: "Person 1", Text: "hello"}}}},
		{Timestamp: "00:02", People: []core.PersonDescriptor{{Role: "perpetrator", Gender: "male", Clothing: "ski mask"}}},
	})
	if result.RecordCount != 3 {
		t.Fatalf("record count = %d, want 3", result.RecordCount)
	}

	resp, err := p.Answer(context.Background(), result.VideoID, "who was the perpetrator", 5)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if resp.Answer == "" || resp.Answer == NoContentAnswer {
		t.Fatalf("answer = %q, want a grounded non-empty answer", resp.Answer)
	}
	if !strings.Contains(resp.Answer, "00:02") {
		t.Errorf("answer does not cite the perpetrator frame timestamp: %q", resp.Answer)
	}
	var foundPeople bool
	for _, src := range resp.Sources {
		if src.AspectType == core.AspectPeople && src.Timestamp == "00:02" {
			foundPeople = true
		}
	}
	if !foundPeople {
		t.Errorf("sources = %+v, want the 00:02 people record", resp.Sources)
	}
	if resp.LatencyMs < 0 {
		t.Errorf("latency = %d", resp.LatencyMs)
	}
}

func TestGlobalSearchHistogramAndTitles(t *testing.T) {
	store := storage.NewMemoryStore(testDim)
	embedder := storage.NewMockEmbedder(testDim)
	gen := &countingGenerator{}
	p := NewPipeline(store, embedder, gen, nil, zap.NewNop())

	for _, v := range []struct{ uri, title, speech string }{
		{"file:///a.mp4", "Video A", "the password is swordfish"},
		{"file:///b.mp4", "Video B", "the password is tuna"},
	} {
		_, err := p.IndexVideo(context.Background(), v.uri, v.title, &core.AnalysisResult{
			Confidence: core.ConfidenceMedium,
			Frames: []core.FrameObservation{
				{Timestamp: "00:00", Audio: &core.AudioObservation{Speech: []core.SpeechEvent{{Speaker: "Speaker", Text: v.speech}}}},
			},
		})
		if err != nil {
			t.Fatalf("IndexVideo(%s): %v", v.uri, err)
		}
	}

	resp, err := p.GlobalSearch(context.Background(), "what password was said", 10)
	if err != nil {
		t.Fatalf("GlobalSearch: %v", err)
	}
	if resp.AspectHistogram[core.AspectAudio] != 2 {
		t.Errorf("histogram = %+v, want 2 audio hits", resp.AspectHistogram)
	}
	titles := map[string]bool{}
	for _, src := range resp.Sources {
		if src.VideoTitle == "" {
			t.Errorf("source missing video title: %+v", src)
		}
		titles[src.VideoTitle] = true
	}
	if !titles["Video A"] || !titles["Video B"] {
		t.Errorf("titles = %v, want both videos represented", titles)
	}
}

func TestBuildContextGroupsAndSorts(t *testing.T) {
	hits := []core.SearchHit{
		{Record: core.AspectRecord{AspectType: core.AspectAudio, Timestamp: "00:30", TimestampSeconds: 30, Content: "late speech"}, Score: 0.9},
		{Record: core.AspectRecord{AspectType: core.AspectAudio, Timestamp: "00:10", TimestampSeconds: 10, Content: "early speech"}, Score: 0.5},
		{Record: core.AspectRecord{AspectType: core.AspectPeople, Timestamp: "00:20", TimestampSeconds: 20, Content: "a person"}, Score: 0.7},
	}
	text := BuildContext(hits)
	if !strings.Contains(text, "=== PEOPLE ===") || !strings.Contains(text, "=== AUDIO & SPEECH ===") {
		t.Fatalf("context missing section labels:\n%s", text)
	}
	// Within a section, timestamp order wins over relevance order.
	early := strings.Index(text, "early speech")
	late := strings.Index(text, "late speech")
	if early == -1 || late == -1 || early > late {
		t.Errorf("audio section not in timestamp order:\n%s", text)
	}
	if !strings.Contains(text, "(relevance 0.90)") {
		t.Errorf("context lines missing relevance scores:\n%s", text)
	}
}
