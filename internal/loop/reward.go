package loop

import "github.com/xkilldash9x/sentient-cli/internal/config"

const (
	minReward = -2.0
	maxReward = 2.0
)

// Reward computes the terminal training signal of a run. Non-terminal states
// score zero before penalties.
func Reward(cfg config.RewardConfig, status State, totalSteps, replans, violations int) float64 {
	var r float64
	switch status {
	case StateSucceeded:
		r = cfg.Success
	case StateFailed, StateError:
		r = cfg.PenaltyFailure
	case StateHalted:
		r = cfg.PenaltyTimeout
	}
	if cfg.ExcessiveStepsThreshold > 0 && totalSteps > cfg.ExcessiveStepsThreshold {
		r += cfg.PenaltyExcessiveSteps
	}
	r -= cfg.PenaltyPerReplan * float64(replans)
	r -= cfg.PenaltyPerViolation * float64(violations)
	return min(max(r, minReward), maxReward)
}
