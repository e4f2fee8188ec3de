// Package processors hosts the indexing and retrieval logic: aspect
// extraction, query classification, batched analysis coordination and the
// retrieval-augmented answer engine.
package processors

import (
	"fmt"
	"strings"

	"videorag/core"
)

// AspectDraft is an aspect record before embedding: the searchable content
// plus the raw structured fields it was built from.
type AspectDraft struct {
	AspectType       core.AspectType
	Timestamp        string
	TimestampSeconds float64
	Content          string
	Metadata         map[string]interface{}
}

// ExtractAspects turns one frame observation into zero or more drafts, one
// per non-empty aspect category. A category the frame does not carry
// contributes nothing; no placeholder content is ever fabricated.
func ExtractAspects(frame core.FrameObservation) ([]AspectDraft, error) {
	if strings.TrimSpace(frame.Timestamp) == "" {
		return nil, fmt.Errorf("frame observation has no timestamp: %w", core.ErrInvalidInput)
	}
	seconds := core.ParseTimestampSeconds(frame.Timestamp)
	draft := func(aspect core.AspectType, content string, meta map[string]interface{}) AspectDraft {
		return AspectDraft{
			AspectType:       aspect,
			Timestamp:        frame.Timestamp,
			TimestampSeconds: seconds,
			Content:          content,
			Metadata:         meta,
		}
	}

	var drafts []AspectDraft
	if content := peopleContent(frame.Timestamp, frame.People); content != "" {
		drafts = append(drafts, draft(core.AspectPeople, content,
			map[string]interface{}{"people": frame.People}))
	}
	if content := objectsContent(frame.Objects); content != "" {
		drafts = append(drafts, draft(core.AspectObjects, content,
			map[string]interface{}{"objects": frame.Objects}))
	}
	if frame.Scene != nil {
		if content := sceneContent(*frame.Scene); content != "" {
			drafts = append(drafts, draft(core.AspectScene, content,
				map[string]interface{}{"scene": frame.Scene}))
		}
	}
	if frame.Audio != nil {
		if content := audioContent(*frame.Audio); content != "" {
			drafts = append(drafts, draft(core.AspectAudio, content,
				map[string]interface{}{"audio": frame.Audio}))
		}
	}
	if content := onScreenTextContent(frame.TextOnScreen); content != "" {
		drafts = append(drafts, draft(core.AspectText, content,
			map[string]interface{}{"text_on_screen": frame.TextOnScreen}))
	}
	if action := strings.TrimSpace(frame.ActionDescription); action != "" {
		drafts = append(drafts, draft(core.AspectAction,
			fmt.Sprintf("At %s: %s", frame.Timestamp, action),
			map[string]interface{}{"action_description": action}))
	}
	return drafts, nil
}

func peopleContent(timestamp string, people []core.PersonDescriptor) string {
	var entries []string
	for _, p := range people {
		var parts []string
		add := func(s string) {
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
		}
		if role := strings.TrimSpace(p.Role); role != "" && !strings.EqualFold(role, "unknown") {
			parts = append(parts, "["+strings.ToUpper(role)+"]")
		}
		if threat := strings.TrimSpace(p.ThreatLevel); threat != "" && !strings.EqualFold(threat, "none") {
			parts = append(parts, threat+" threat")
		}
		add(p.Gender)
		add(p.AgeBracket)
		add(p.Ethnicity)
		add(p.Physique)
		add(p.DistinguishingFeatures)
		if c := strings.TrimSpace(p.Clothing); c != "" {
			parts = append(parts, "wearing "+c)
		}
		if f := strings.TrimSpace(p.FacialExpression); f != "" {
			parts = append(parts, f+" expression")
		}
		add(p.Emotion)
		add(p.BodyLanguage)
		add(p.Action)
		if t := strings.TrimSpace(p.InteractionTarget); t != "" {
			parts = append(parts, "interacting with "+t)
		}
		add(p.FramePosition)
		if len(parts) == 0 {
			continue
		}
		entries = append(entries, strings.Join(parts, ", "))
	}
	if len(entries) == 0 {
		return ""
	}
	return fmt.Sprintf("At %s: %s", timestamp, strings.Join(entries, ". "))
}

func objectsContent(objects []core.ObjectDescriptor) string {
	var entries []string
	for _, o := range objects {
		var parts []string
		if name := strings.TrimSpace(o.Name); name != "" {
			parts = append(parts, name)
		}
		if color := strings.TrimSpace(o.Color); color != "" {
			parts = append(parts, color)
		}
		if brand := strings.TrimSpace(o.Brand); brand != "" {
			if len(parts) > 0 {
				parts[len(parts)-1] += " (" + brand + ")"
			} else {
				parts = append(parts, "("+brand+")")
			}
		}
		if state := strings.TrimSpace(o.State); state != "" {
			parts = append(parts, state)
		}
		if desc := strings.TrimSpace(o.Description); desc != "" {
			parts = append(parts, desc)
		}
		if len(parts) == 0 {
			continue
		}
		entries = append(entries, strings.Join(parts, ", "))
	}
	return strings.Join(entries, ", ")
}

func sceneContent(scene core.SceneDescriptor) string {
	var parts []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	add(scene.LocationType)
	add(scene.SpecificLocation)
	if l := strings.TrimSpace(scene.Lighting); l != "" {
		parts = append(parts, l+" lighting")
	}
	add(scene.Weather)
	add(scene.TimeOfDay)
	if c := strings.TrimSpace(scene.CameraAngle); c != "" {
		parts = append(parts, c+" shot")
	}
	if m := strings.TrimSpace(scene.Mood); m != "" {
		parts = append(parts, m+" atmosphere")
	}
	return strings.Join(parts, ", ")
}

func audioContent(audio core.AudioObservation) string {
	var parts []string
	for _, ev := range audio.Speech {
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			continue
		}
		speaker := strings.TrimSpace(ev.Speaker)
		if speaker == "" {
			speaker = "Unknown speaker"
		}
		line := fmt.Sprintf("%s says: %q", speaker, text)
		if tone := strings.TrimSpace(ev.Tone); tone != "" {
			line += " (" + tone + ")"
		}
		parts = append(parts, line)
	}
	if music := strings.TrimSpace(audio.MusicDescription); music != "" {
		parts = append(parts, "Music: "+music)
	}
	if len(audio.SoundEffects) > 0 {
		parts = append(parts, "Sounds: "+strings.Join(audio.SoundEffects, ", "))
	}
	return strings.Join(parts, ". ")
}

func onScreenTextContent(items []core.OnScreenText) string {
	var parts []string
	for _, item := range items {
		text := strings.TrimSpace(item.Text)
		if text == "" {
			continue
		}
		kind := strings.TrimSpace(item.Type)
		if kind == "" {
			kind = "text"
		}
		line := fmt.Sprintf("%s: %q", kind, text)
		if pos := strings.TrimSpace(item.Position); pos != "" {
			line += " (" + pos + ")"
		}
		parts = append(parts, line)
	}
	return strings.Join(parts, "; ")
}
