package contract

import "context"

// Limits: 打包所需的预算（均已扣除安全边际）。
type Limits struct {
	// MaxInputTokens: 每批输入 token 上限。必须为正数。
	MaxInputTokens int
	// MaxOutputTokens: 每批预计输出 token 上限。必须为正数。
	MaxOutputTokens int
	// OutputTokensPerItem: 每个条目预计产生的输出 token。必须为正数。
	OutputTokensPerItem int
}

// Batcher: 将有序 Item 切分为若干 Batch。
// 约束：
//  1. 不重排、不丢失；
//  2. 遵循输入与输出两个上限，超限单条目独立成批；
//  3. 每个 Batch 赋予单调递增的 Index（0..n-1），批内 Item.ID 为 1..N。
type Batcher interface {
	Make(ctx context.Context, items []Item, lim Limits) ([]Batch, error)
}
