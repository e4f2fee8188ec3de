package core

import (
	"time"
)

// AspectType is one category of observation extracted from a video frame.
type AspectType string

const (
	AspectPeople  AspectType = "people"
	AspectObjects AspectType = "objects"
	AspectScene   AspectType = "scene"
	AspectAudio   AspectType = "audio"
	AspectAction  AspectType = "action"
	AspectText    AspectType = "text"
)

// AllAspectTypes returns every aspect type in a stable order.
func AllAspectTypes() []AspectType {
	return []AspectType{AspectPeople, AspectObjects, AspectScene, AspectAudio, AspectAction, AspectText}
}

func (a AspectType) Valid() bool {
	switch a {
	case AspectPeople, AspectObjects, AspectScene, AspectAudio, AspectAction, AspectText:
		return true
	}
	return false
}

// Confidence is the analysis provider's self-reported result quality.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// rank orders confidences Low < Medium < High. Unknown values rank lowest
// so a malformed batch never raises aggregate confidence.
func (c Confidence) rank() int {
	switch c {
	case ConfidenceLow:
		return 1
	case ConfidenceMedium:
		return 2
	case ConfidenceHigh:
		return 3
	}
	return 0
}

// MinConfidence returns the lower of two confidence levels.
func MinConfidence(a, b Confidence) Confidence {
	if a.rank() <= b.rank() {
		return a
	}
	return b
}

// VideoRecord is the registry entry for one indexed video.
type VideoRecord struct {
	ID                string     `json:"id"`
	SourceURI         string     `json:"source_uri"`
	Title             string     `json:"title"`
	Duration          float64    `json:"duration,omitempty"`
	FullSummary       string     `json:"full_summary"`
	Confidence        Confidence `json:"confidence"`
	IndexedAt         time.Time  `json:"indexed_at"`
	AspectRecordCount int        `json:"aspect_record_count"`
}

// AspectRecord is the atomic unit of retrieval: one embeddable description
// tied to a video, a timestamp and an aspect type.
type AspectRecord struct {
	ID               string                 `json:"id"`
	VideoID          string                 `json:"video_id"`
	Timestamp        string                 `json:"timestamp"`
	TimestampSeconds float64                `json:"timestamp_seconds"`
	AspectType       AspectType             `json:"aspect_type"`
	Content          string                 `json:"content"`
	Vector           []float32              `json:"-"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// ========== Analysis provider output ==========

type PersonDescriptor struct {
	Role                   string `json:"role,omitempty"`
	ThreatLevel            string `json:"threat_level,omitempty"`
	Gender                 string `json:"gender,omitempty"`
	AgeBracket             string `json:"age_bracket,omitempty"`
	Ethnicity              string `json:"ethnicity,omitempty"`
	Physique               string `json:"physique,omitempty"`
	DistinguishingFeatures string `json:"distinguishing_features,omitempty"`
	Clothing               string `json:"clothing,omitempty"`
	FacialExpression       string `json:"facial_expression,omitempty"`
	Emotion                string `json:"emotion,omitempty"`
	BodyLanguage           string `json:"body_language,omitempty"`
	Action                 string `json:"action,omitempty"`
	InteractionTarget      string `json:"interaction_target,omitempty"`
	FramePosition          string `json:"frame_position,omitempty"`
}

type ObjectDescriptor struct {
	Name        string `json:"name"`
	Color       string `json:"color,omitempty"`
	Brand       string `json:"brand,omitempty"`
	State       string `json:"state,omitempty"`
	Description string `json:"description,omitempty"`
}

type SceneDescriptor struct {
	LocationType     string `json:"location_type,omitempty"`
	SpecificLocation string `json:"specific_location,omitempty"`
	Lighting         string `json:"lighting,omitempty"`
	Weather          string `json:"weather,omitempty"`
	TimeOfDay        string `json:"time_of_day,omitempty"`
	CameraAngle      string `json:"camera_angle,omitempty"`
	Mood             string `json:"mood,omitempty"`
}

type SpeechEvent struct {
	Speaker string `json:"speaker,omitempty"`
	Text    string `json:"text"`
	Tone    string `json:"tone,omitempty"`
}

type AudioObservation struct {
	Speech           []SpeechEvent `json:"speech,omitempty"`
	MusicDescription string        `json:"music_description,omitempty"`
	SoundEffects     []string      `json:"sound_effects,omitempty"`
}

type OnScreenText struct {
	Type     string `json:"type,omitempty"`
	Text     string `json:"text"`
	Position string `json:"position,omitempty"`
}

// FrameObservation is one per-timestamp observation from the analysis
// provider. Absent categories stay nil/empty; the extractor never treats
// absence as data.
type FrameObservation struct {
	Timestamp         string             `json:"timestamp"`
	People            []PersonDescriptor `json:"people,omitempty"`
	Objects           []ObjectDescriptor `json:"objects,omitempty"`
	Scene             *SceneDescriptor   `json:"scene,omitempty"`
	Audio             *AudioObservation  `json:"audio,omitempty"`
	TextOnScreen      []OnScreenText     `json:"text_on_screen,omitempty"`
	ActionDescription string             `json:"action_description,omitempty"`
}

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage into u.
func (u *TokenUsage) Add(other *TokenUsage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// FrameRef points the analysis provider at one extracted frame.
type FrameRef struct {
	Timestamp string `json:"timestamp"`
	Path      string `json:"path"`
}

// AnalysisResult is the analysis provider's structured output for one video
// (or one batch of frames).
type AnalysisResult struct {
	Summary    string             `json:"summary"`
	Confidence Confidence         `json:"confidence"`
	Frames     []FrameObservation `json:"frames"`
	Usage      *TokenUsage        `json:"usage,omitempty"`
}

// ========== Exposed operation results ==========

type IndexResult struct {
	VideoID     string `json:"video_id"`
	RecordCount int    `json:"record_count"`
	DurationMs  int64  `json:"duration_ms"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// Source is one retrieved record cited by an answer.
type Source struct {
	Timestamp      string     `json:"timestamp"`
	Content        string     `json:"content"`
	AspectType     AspectType `json:"aspect_type"`
	RelevanceScore float64    `json:"relevance_score"`
	VideoID        string     `json:"video_id,omitempty"`
	VideoTitle     string     `json:"video_title,omitempty"`
}

type RAGResponse struct {
	Answer    string      `json:"answer"`
	Sources   []Source    `json:"sources"`
	Usage     *TokenUsage `json:"token_usage,omitempty"`
	LatencyMs int64       `json:"latency_ms"`
}

// GlobalSearchResponse extends RAGResponse with the per-aspect result
// histogram reported by cross-video search.
type GlobalSearchResponse struct {
	RAGResponse
	AspectHistogram map[AspectType]int `json:"aspect_histogram"`
}

type StoreStats struct {
	VideoCount      int                `json:"video_count"`
	RecordCount     int                `json:"record_count"`
	RecordsByAspect map[AspectType]int `json:"records_by_aspect,omitempty"`
	DBLocation      string             `json:"db_location"`
}

// ========== Search ==========

// SearchFilter restricts a similarity search. A zero VideoID or empty
// AspectTypes means no restriction on that dimension.
type SearchFilter struct {
	VideoID     string
	AspectTypes []AspectType
	Limit       int
}

// SearchHit is one ranked search result. Score is cosine similarity,
// higher is more relevant.
type SearchHit struct {
	Record AspectRecord
	Score  float64
}
