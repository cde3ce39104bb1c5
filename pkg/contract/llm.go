package contract

import "context"

// Raw: LLM 客户端返回的原始文本载荷与计量。
// 约束：Text 原样返回，不做清洗/截断/归一化。
type Raw struct {
	Text  string
	Usage Usage
}

// LLMClient: 以 Batch+Prompt 为单位与大模型交互，返回原始文本 Raw。
// 单次调用、同步返回；应尊重 ctx 取消/超时并及时释放资源。
// 限流与上下文超限须分别包装 ErrRateLimited / ErrRequestTooLarge。
type LLMClient interface {
	Invoke(ctx context.Context, b Batch, p Prompt) (Raw, error)
}
