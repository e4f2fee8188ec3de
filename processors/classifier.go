package processors

import (
	"strings"

	"videorag/core"
)

// Classification is a weighted multi-label routing decision: the aspect
// types a question concerns plus a confidence in [0, 1].
type Classification struct {
	Aspects    []core.AspectType
	Confidence float64
}

// aspectKeywords routes question vocabulary to aspect types. Matching is
// case-insensitive substring containment, so entries stay lowercase and
// specific enough not to fire on unrelated words.
var aspectKeywords = map[core.AspectType][]string{
	core.AspectPeople: {
		"person", "people", "man", "woman", "men", "women", "guy", "girl", "boy",
		"child", "kid", "face", "wearing", "clothes", "clothing", "dressed",
		"how many", "count", "crowd", "group",
		"who", "someone", "anybody", "anyone",
		"robber", "thief", "perpetrator", "suspect", "victim", "employee",
		"customer", "officer", "guard", "bystander",
		"age", "gender", "tall", "short", "hair", "beard", "tattoo",
	},
	core.AspectAudio: {
		"say", "said", "says", "saying", "speak", "spoke", "spoken", "talk",
		"conversation", "voice", "shout", "yell", "scream", "whisper",
		"hear", "heard", "audio", "sound", "music", "song", "noise", "quiet", "loud",
	},
	core.AspectObjects: {
		"object", "item", "weapon", "gun", "pistol", "rifle", "knife", "bag",
		"backpack", "phone", "car", "vehicle", "truck", "money", "cash",
		"register", "mask", "helmet", "bottle", "tool", "holding", "carrying", "brand",
	},
	core.AspectScene: {
		"where", "location", "place", "room", "building", "store", "shop",
		"street", "outside", "inside", "indoor", "outdoor", "background",
		"lighting", "dark", "bright", "weather", "rain", "night", "day",
		"camera", "angle", "view", "setting", "environment",
	},
	core.AspectText: {
		"text", "sign", "written", "writing", "caption", "subtitle", "label",
		"read", "reads", "screen text", "words on", "banner", "logo",
	},
	core.AspectAction: {
		"happen", "happened", "happening", "doing", "action", "activity",
		"event", "moment", "running", "walking", "fighting", "enter", "entered",
		"leave", "left the", "exit", "grab", "steal", "stole", "attack", "chase",
		"when did", "what did", "movement",
	},
}

// ClassifyQuery maps a free-text question to the aspect types likely to
// hold its answer. A query matching nothing routes to every aspect type at
// low confidence; retrieval must never be narrowed to an empty set.
func ClassifyQuery(query string) Classification {
	lowered := strings.ToLower(query)

	var matched []core.AspectType
	total := 0
	for _, aspect := range core.AllAspectTypes() {
		count := 0
		for _, kw := range aspectKeywords[aspect] {
			if strings.Contains(lowered, kw) {
				count++
			}
		}
		if count > 0 {
			matched = append(matched, aspect)
			total += count
		}
	}

	if len(matched) == 0 {
		return Classification{Aspects: core.AllAspectTypes(), Confidence: 0.3}
	}

	confidence := float64(total) / 3.0
	if confidence > 1.0 {
		confidence = 1.0
	}
	return Classification{Aspects: matched, Confidence: confidence}
}
