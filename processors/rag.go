package processors

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"videorag/core"
	"videorag/storage"
)

// NoContentAnswer is returned when every retrieval stage comes back empty.
// Generation is never invoked without context, so this exact sentence is
// the only possible answer for an unanswerable question.
const NoContentAnswer = "No relevant content was found in the indexed video for this question."

const groundingInstruction = `You answer questions about indexed video content. Rules:
- Answer ONLY from the provided context sections. Do not use outside knowledge.
- If the context does not contain the information asked for, say so explicitly.
- Cite the timestamps of the context lines your answer relies on.`

// RAGEngine composes classification, embedding, cascading search and
// grounded synthesis into the end-to-end query operation.
type RAGEngine struct {
	store     storage.AspectStore
	embedder  storage.EmbeddingGateway
	generator TextGenerator
	logger    *zap.Logger
}

func NewRAGEngine(store storage.AspectStore, embedder storage.EmbeddingGateway, generator TextGenerator, logger *zap.Logger) *RAGEngine {
	return &RAGEngine{store: store, embedder: embedder, generator: generator, logger: logger}
}

// Answer runs the full pipeline against one video.
func (e *RAGEngine) Answer(ctx context.Context, videoID, query string, topK int) (*core.RAGResponse, error) {
	start := time.Now()
	if !e.store.Ready() {
		return nil, fmt.Errorf("aspect store: %w", core.ErrUpstreamUnavailable)
	}
	if _, err := e.store.GetVideo(ctx, videoID); err != nil {
		return nil, err
	}

	hits, err := e.retrieve(ctx, videoID, query, topK)
	if err != nil {
		return nil, err
	}
	resp, err := e.synthesize(ctx, query, hits, nil)
	if err != nil {
		return nil, err
	}
	resp.LatencyMs = time.Since(start).Milliseconds()
	return resp, nil
}

// GlobalSearch runs the same pipeline across all indexed videos and
// annotates each source with its owning video's title.
func (e *RAGEngine) GlobalSearch(ctx context.Context, query string, topK int) (*core.GlobalSearchResponse, error) {
	start := time.Now()
	if !e.store.Ready() {
		return nil, fmt.Errorf("aspect store: %w", core.ErrUpstreamUnavailable)
	}

	hits, err := e.retrieve(ctx, "", query, topK)
	if err != nil {
		return nil, err
	}

	// Title lookups are cached per call; several hits usually share a video.
	titles := map[string]string{}
	titleOf := func(videoID string) string {
		if t, ok := titles[videoID]; ok {
			return t
		}
		t := ""
		if v, err := e.store.GetVideo(ctx, videoID); err == nil {
			t = v.Title
		}
		titles[videoID] = t
		return t
	}

	histogram := map[core.AspectType]int{}
	for _, h := range hits {
		histogram[h.Record.AspectType]++
	}

	resp, err := e.synthesize(ctx, query, hits, titleOf)
	if err != nil {
		return nil, err
	}
	resp.LatencyMs = time.Since(start).Milliseconds()
	return &core.GlobalSearchResponse{RAGResponse: *resp, AspectHistogram: histogram}, nil
}

// retrieve is the cascading search: aspect-filtered first, then
// unfiltered, then the legacy frame records. Store errors on the read
// path degrade to an empty stage result rather than failing the query.
func (e *RAGEngine) retrieve(ctx context.Context, videoID, query string, topK int) ([]core.SearchHit, error) {
	classification := ClassifyQuery(query)
	e.logger.Debug("classified query",
		zap.String("query", query),
		zap.Any("aspects", classification.Aspects),
		zap.Float64("confidence", classification.Confidence))

	vector, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := e.store.Search(ctx, vector, core.SearchFilter{
		VideoID:     videoID,
		AspectTypes: classification.Aspects,
		Limit:       topK,
	})
	if err != nil {
		e.logger.Warn("aspect-filtered search failed, degrading", zap.Error(err))
	}
	if len(hits) > 0 {
		return hits, nil
	}

	hits, err = e.store.Search(ctx, vector, core.SearchFilter{VideoID: videoID, Limit: topK})
	if err != nil {
		e.logger.Warn("unfiltered search failed, degrading", zap.Error(err))
	}
	if len(hits) > 0 {
		return hits, nil
	}

	hits, err = e.store.SearchLegacyFrames(ctx, vector, videoID, topK)
	if err != nil {
		e.logger.Warn("legacy frame search failed, degrading", zap.Error(err))
	}
	return hits, nil
}

// synthesize builds the labeled context and invokes generation, or
// returns the fixed refusal when there is nothing to ground on.
func (e *RAGEngine) synthesize(ctx context.Context, query string, hits []core.SearchHit, titleOf func(string) string) (*core.RAGResponse, error) {
	if len(hits) == 0 {
		return &core.RAGResponse{Answer: NoContentAnswer, Sources: []core.Source{}}, nil
	}

	contextText := BuildContext(hits)
	prompt := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", contextText, query)
	result, err := e.generator.Generate(ctx, groundingInstruction, prompt, GenerateOptions{
		MaxTokens:   1000,
		Temperature: 0.3,
	})
	if err != nil {
		return nil, err
	}

	sources := make([]core.Source, 0, len(hits))
	for _, h := range hits {
		src := core.Source{
			Timestamp:      h.Record.Timestamp,
			Content:        h.Record.Content,
			AspectType:     h.Record.AspectType,
			RelevanceScore: h.Score,
		}
		if titleOf != nil {
			src.VideoID = h.Record.VideoID
			src.VideoTitle = titleOf(h.Record.VideoID)
		}
		sources = append(sources, src)
	}
	return &core.RAGResponse{
		Answer:  strings.TrimSpace(result.Text),
		Sources: sources,
		Usage:   result.Usage,
	}, nil
}

var aspectSectionLabels = map[core.AspectType]string{
	core.AspectPeople:  "PEOPLE",
	core.AspectObjects: "OBJECTS",
	core.AspectScene:   "SCENE",
	core.AspectAudio:   "AUDIO & SPEECH",
	core.AspectAction:  "ACTIONS",
	core.AspectText:    "ON-SCREEN TEXT",
}

// BuildContext renders hits as one labeled section per aspect type
// present, each section in timestamp order with relevance scores.
func BuildContext(hits []core.SearchHit) string {
	grouped := map[core.AspectType][]core.SearchHit{}
	for _, h := range hits {
		grouped[h.Record.AspectType] = append(grouped[h.Record.AspectType], h)
	}

	var b strings.Builder
	for _, aspect := range core.AllAspectTypes() {
		group, ok := grouped[aspect]
		if !ok {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Record.TimestampSeconds < group[j].Record.TimestampSeconds
		})
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("=== " + aspectSectionLabels[aspect] + " ===\n")
		for _, h := range group {
			fmt.Fprintf(&b, "[%s] (relevance %.2f) %s\n", h.Record.Timestamp, h.Score, h.Record.Content)
		}
	}
	return b.String()
}
