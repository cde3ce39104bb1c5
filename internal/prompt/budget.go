package prompt

import (
	"fmt"
	"math"

	"docbatch/pkg/contract"
)

// MakeEstimator 返回一个近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 当 bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// Budget: 单次运行的 token 预算输入。
type Budget struct {
	MaxTotalTokens      int
	MaxOutputTokens     int
	SafetyMargin        float64 // [0,1)
	OutputTokensPerItem int
}

// EffectiveLimits 扣除固定提示开销与安全边际后得到打包上限：
//
//	maxInput  = floor((MaxTotal − MaxOutput − overhead) × (1 − margin))
//	maxOutput = floor(MaxOutput × (1 − margin))
//
// maxInput<=0 时返回 ErrBudgetExceeded。
func EffectiveLimits(b Budget, overhead int) (contract.Limits, error) {
	if b.MaxTotalTokens <= 0 || b.MaxOutputTokens <= 0 || b.OutputTokensPerItem <= 0 {
		return contract.Limits{}, fmt.Errorf("prompt: budget values must be > 0: %w", contract.ErrInvalidInput)
	}
	if b.SafetyMargin < 0 || b.SafetyMargin >= 1 {
		return contract.Limits{}, fmt.Errorf("prompt: safety margin %.3f out of [0,1): %w", b.SafetyMargin, contract.ErrInvalidInput)
	}
	keep := 1 - b.SafetyMargin
	in := int(math.Floor(float64(b.MaxTotalTokens-b.MaxOutputTokens-overhead) * keep))
	out := int(math.Floor(float64(b.MaxOutputTokens) * keep))
	if in <= 0 {
		return contract.Limits{}, fmt.Errorf("prompt: overhead %d leaves no input budget (total=%d output=%d): %w",
			overhead, b.MaxTotalTokens, b.MaxOutputTokens, contract.ErrBudgetExceeded)
	}
	if out <= 0 {
		return contract.Limits{}, fmt.Errorf("prompt: no output budget: %w", contract.ErrBudgetExceeded)
	}
	return contract.Limits{MaxInputTokens: in, MaxOutputTokens: out, OutputTokensPerItem: b.OutputTokensPerItem}, nil
}

// EstimateSeconds 估算单批耗时（秒，向上取整），仅用于进度提示。
func EstimateSeconds(b contract.Batch, overhead int, tokensPerSecond int) float64 {
	if tokensPerSecond <= 0 {
		return 0
	}
	total := overhead + b.InputTokens + b.OutputTokens
	return math.Ceil(float64(total) / float64(tokensPerSecond))
}
