package contract

import "errors"

// 最小错误分类（用于上层策略判定）。
var (
	// ErrRateLimited: 上游限流（HTTP 429 / rate_limit_exceeded）。致命：整次运行中止。
	ErrRateLimited = errors.New("rate limited")
	// ErrRequestTooLarge: 请求超出模型上下文或输出上限。致命：整次运行中止。
	ErrRequestTooLarge = errors.New("request too large")
	// ErrResponseInvalid: 响应无法解析，仅影响当前批。
	ErrResponseInvalid = errors.New("response invalid")
	ErrInvalidInput    = errors.New("invalid input")
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrBudgetExceeded: 预算不足（如固定提示词已占满 token 预算）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)

// IsFatal 判断错误是否需要中止整次运行。
func IsFatal(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrRequestTooLarge)
}
