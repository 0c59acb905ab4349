package core

import (
	"fmt"
	"math"
)

// Personality is the immutable behavioral tag of an agent: a template name
// selecting the prompt strategy plus Big Five trait values in [0, 1].
type Personality struct {
	Template          string  `json:"template"`
	Openness          float64 `json:"openness"`
	Conscientiousness float64 `json:"conscientiousness"`
	Extraversion      float64 `json:"extraversion"`
	Agreeableness     float64 `json:"agreeableness"`
	Neuroticism       float64 `json:"neuroticism"`
}

// Known personality templates.
const (
	PersonalityFriendly = "friendly"
	PersonalityCurious  = "curious"
	PersonalityCautious = "cautious"
	PersonalityBalanced = "balanced"
)

// PersonalityFromTemplate resolves a template name. Unknown names fall back to
// the balanced profile.
func PersonalityFromTemplate(name string) Personality {
	switch name {
	case PersonalityFriendly:
		return Personality{Template: name, Openness: 0.6, Conscientiousness: 0.7, Extraversion: 0.8, Agreeableness: 0.9, Neuroticism: 0.3}
	case PersonalityCurious:
		return Personality{Template: name, Openness: 0.9, Conscientiousness: 0.5, Extraversion: 0.6, Agreeableness: 0.7, Neuroticism: 0.4}
	case PersonalityCautious:
		return Personality{Template: name, Openness: 0.4, Conscientiousness: 0.8, Extraversion: 0.3, Agreeableness: 0.6, Neuroticism: 0.7}
	default:
		return Personality{Template: PersonalityBalanced, Openness: 0.5, Conscientiousness: 0.5, Extraversion: 0.5, Agreeableness: 0.5, Neuroticism: 0.5}
	}
}

// Describe renders the trait values on a 0-10 scale.
func (p Personality) Describe() string {
	return fmt.Sprintf(
		"openness %d/10, conscientiousness %d/10, extraversion %d/10, agreeableness %d/10, neuroticism %d/10",
		scale(p.Openness), scale(p.Conscientiousness), scale(p.Extraversion),
		scale(p.Agreeableness), scale(p.Neuroticism),
	)
}

func scale(v float64) int { return int(math.Round(v * 10)) }
