package processors

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"videorag/config"
	"videorag/core"
)

// AnalysisProvider converts a batch of extracted frames into structured
// per-timestamp observations. Implementations are selected by explicit
// configuration at startup.
type AnalysisProvider interface {
	AnalyzeFrames(ctx context.Context, videoRef string, frames []core.FrameRef) (*core.AnalysisResult, error)
}

// NewAnalysisProvider builds the backend named by cfg.AnalysisProvider.
func NewAnalysisProvider(cfg *config.Config, logger *zap.Logger) (AnalysisProvider, error) {
	switch cfg.AnalysisProvider {
	case "openai":
		return NewOpenAIAnalyzer(cfg, logger)
	case "ark":
		return NewArkAnalyzer(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown analysis provider %q", cfg.AnalysisProvider)
	}
}

const analysisSystemPrompt = `You analyze video surveillance and media frames. For the supplied frames, respond with ONLY a JSON object of this shape, no prose and no code fences:
{
  "summary": "one-paragraph summary of what these frames show",
  "confidence": "low" | "medium" | "high",
  "frames": [
    {
      "timestamp": "MM:SS (echo the timestamp given with each frame)",
      "people": [{"role": "", "threat_level": "", "gender": "", "age_bracket": "", "ethnicity": "", "physique": "", "distinguishing_features": "", "clothing": "", "facial_expression": "", "emotion": "", "body_language": "", "action": "", "interaction_target": "", "frame_position": ""}],
      "objects": [{"name": "", "color": "", "brand": "", "state": "", "description": ""}],
      "scene": {"location_type": "", "specific_location": "", "lighting": "", "weather": "", "time_of_day": "", "camera_angle": "", "mood": ""},
      "audio": {"speech": [{"speaker": "", "text": "", "tone": ""}], "music_description": "", "sound_effects": []},
      "text_on_screen": [{"type": "", "text": "", "position": ""}],
      "action_description": ""
    }
  ]
}
Omit any field or category you cannot observe. Never invent placeholder values.`

// visionAnalyzer is the shared mechanics behind both chat-vision backends:
// frames go up as data-URL image parts, the response comes back as the
// strict JSON schema above.
type visionAnalyzer struct {
	cli    *openai.Client
	model  string
	logger *zap.Logger
}

// OpenAIAnalyzer targets the OpenAI API (or any compatible endpoint).
type OpenAIAnalyzer struct {
	visionAnalyzer
}

func NewOpenAIAnalyzer(cfg *config.Config, logger *zap.Logger) (*OpenAIAnalyzer, error) {
	if !cfg.HasValidAPI() {
		return nil, fmt.Errorf("analysis provider: %w: api key or base url missing", core.ErrUpstreamUnavailable)
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = cfg.BaseURL
	return &OpenAIAnalyzer{visionAnalyzer{
		cli:    openai.NewClientWithConfig(clientConfig),
		model:  cfg.VisionModel,
		logger: logger,
	}}, nil
}

// ArkAnalyzer targets the Volcengine Ark endpoint with a doubao vision
// model. Same protocol, different host and model naming.
type ArkAnalyzer struct {
	visionAnalyzer
}

func NewArkAnalyzer(cfg *config.Config, logger *zap.Logger) (*ArkAnalyzer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("ark analysis provider: %w: api key missing", core.ErrUpstreamUnavailable)
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = "https://ark.cn-beijing.volces.com/api/v3"
	model := cfg.VisionModel
	if !strings.HasPrefix(model, "doubao") {
		model = "doubao-1.5-vision-pro-32k"
	}
	return &ArkAnalyzer{visionAnalyzer{
		cli:    openai.NewClientWithConfig(clientConfig),
		model:  model,
		logger: logger,
	}}, nil
}

func (a *visionAnalyzer) AnalyzeFrames(ctx context.Context, videoRef string, frames []core.FrameRef) (*core.AnalysisResult, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames in batch: %w", core.ErrInvalidInput)
	}

	parts := []openai.ChatMessagePart{{
		Type: openai.ChatMessagePartTypeText,
		Text: fmt.Sprintf("Video %q, %d frames follow. Frame timestamps in order: %s",
			videoRef, len(frames), timestampList(frames)),
	}}
	for _, f := range frames {
		dataURL, err := frameDataURL(f.Path)
		if err != nil {
			// A single unreadable frame should not sink the batch.
			a.logger.Warn("skipping unreadable frame",
				zap.String("path", f.Path), zap.Error(err))
			continue
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    dataURL,
				Detail: openai.ImageURLDetailLow,
			},
		})
	}
	if len(parts) == 1 {
		return nil, fmt.Errorf("no readable frames in batch: %w", core.ErrInvalidInput)
	}

	resp, err := a.cli.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: analysisSystemPrompt},
			{Role: openai.ChatMessageRoleUser, MultiContent: parts},
		},
		MaxTokens:   4000,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis request: %w: %v", core.ErrUpstreamUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("analysis response has no choices")
	}

	result, err := decodeAnalysis(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	result.Usage = &core.TokenUsage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	return result, nil
}

func decodeAnalysis(content string) (*core.AnalysisResult, error) {
	content = strings.TrimSpace(content)
	// Models occasionally fence the JSON despite instructions.
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	}
	var result core.AnalysisResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("decode analysis response: %w", err)
	}
	result.Confidence = core.Confidence(strings.ToLower(string(result.Confidence)))
	switch result.Confidence {
	case core.ConfidenceLow, core.ConfidenceMedium, core.ConfidenceHigh:
	default:
		result.Confidence = core.ConfidenceLow
	}
	return &result, nil
}

func timestampList(frames []core.FrameRef) string {
	ts := make([]string, len(frames))
	for i, f := range frames {
		ts[i] = f.Timestamp
	}
	return strings.Join(ts, ", ")
}

func frameDataURL(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	mime := "image/jpeg"
	if strings.EqualFold(filepath.Ext(path), ".png") {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
