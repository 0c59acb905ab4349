package agent

import "math"

// EnergyPolicy holds the energy accounting constants.
type EnergyPolicy struct {
	// MaxEnergy caps regeneration.
	MaxEnergy float64 `json:"max_energy" yaml:"max_energy"`
	// SpeakCost is charged on Thinking→Speaking.
	SpeakCost float64 `json:"speak_cost" yaml:"speak_cost"`
	// ActivityCost is charged on every tick spent Thinking or Speaking.
	ActivityCost float64 `json:"activity_cost" yaml:"activity_cost"`
	// IdleRegen is added on every tick spent Idle.
	IdleRegen float64 `json:"idle_regen" yaml:"idle_regen"`
	// DormantRegen is added on every tick spent Dormant.
	DormantRegen float64 `json:"dormant_regen" yaml:"dormant_regen"`
	// WakeThreshold wakes a Dormant agent once its energy reaches it.
	// Zero keeps Dormant agents asleep until an explicit wake.
	WakeThreshold float64 `json:"wake_threshold" yaml:"wake_threshold"`
	// FailurePenalty is charged when the gateway exhausts its attempts.
	FailurePenalty float64 `json:"failure_penalty" yaml:"failure_penalty"`
	// MaxConsecutiveFailures sends an agent Dormant after that many
	// exhausted requests in a row. Zero disables the rule.
	MaxConsecutiveFailures int `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`
}

// DefaultEnergyPolicy charges 1.0 per utterance and regenerates 0.1 per
// resting tick, capped at 100.
var DefaultEnergyPolicy = EnergyPolicy{
	MaxEnergy:    100,
	SpeakCost:    1.0,
	ActivityCost: 0.1,
	IdleRegen:    0.1,
	DormantRegen: 0.1,
}

// clamp bounds v to [0, max]. NaN collapses to zero.
func (p EnergyPolicy) clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if p.MaxEnergy > 0 && v > p.MaxEnergy {
		return p.MaxEnergy
	}
	return v
}

// adjust applies delta to e within bounds.
func (p EnergyPolicy) adjust(e, delta float64) float64 {
	return p.clamp(e + delta)
}
