package greedy

import (
	"context"
	"fmt"

	"docbatch/pkg/contract"
)

// Options 为贪心打包器的可选配置（最小必要）。
type Options struct {
	// ExtraTokensPerItem: 每个条目在 Prompt 包装中产生的额外 token（如 "Document i - label" 行）。
	// 仅用于预算估算，不影响实际内容；<=0 表示不额外加成。
	ExtraTokensPerItem int `json:"extra_tokens_per_item"`
}

// Batcher 按文档序贪心装批：输入预算或预计输出任一将超限即封批。
type Batcher struct {
	extraPerItem int
}

// New 创建贪心 Batcher。
func New(opts *Options) *Batcher {
	extra := 0
	if opts != nil && opts.ExtraTokensPerItem > 0 {
		extra = opts.ExtraTokensPerItem
	}
	return &Batcher{extraPerItem: extra}
}

// Make 返回全部批次（Stream 的物化形式）。
func (b *Batcher) Make(ctx context.Context, items []contract.Item, lim contract.Limits) ([]contract.Batch, error) {
	var out []contract.Batch
	err := b.Stream(ctx, items, lim, func(bt contract.Batch) bool {
		out = append(out, bt)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stream 逐批产出；yield 返回 false 时提前停止（不视为错误）。
// 规则（逐条，保持输入顺序）：
//   - 预计输出 = OutputTokensPerItem × (当前条数+1)；
//   - 当前批非空，且 输入累计+本条 > MaxInputTokens 或 预计输出 > MaxOutputTokens 时先封批；
//   - 再将本条加入当前批。
//
// 单条超限的条目落入独立批，不丢弃。
func (b *Batcher) Stream(ctx context.Context, items []contract.Item, lim contract.Limits, yield func(contract.Batch) bool) error {
	if lim.MaxInputTokens <= 0 || lim.MaxOutputTokens <= 0 || lim.OutputTokensPerItem <= 0 {
		return fmt.Errorf("batcher: limits must be > 0 (in=%d out=%d per_item=%d): %w",
			lim.MaxInputTokens, lim.MaxOutputTokens, lim.OutputTokensPerItem, contract.ErrInvalidInput)
	}
	var (
		cur     []contract.Item
		running int
		idx     int64
	)
	seal := func() bool {
		bt := contract.Batch{Index: idx, Items: cur, InputTokens: running, OutputTokens: lim.OutputTokensPerItem * len(cur)}
		for i := range bt.Items {
			bt.Items[i].ID = i + 1
		}
		idx++
		cur = nil
		running = 0
		return yield(bt)
	}
	for i, it := range items {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		if it.Tokens < 0 {
			return fmt.Errorf("batcher: item at index %d has negative tokens: %w", i, contract.ErrInvalidInput)
		}
		cost := it.Tokens + b.extraPerItem
		projected := lim.OutputTokensPerItem * (len(cur) + 1)
		if len(cur) > 0 && (running+cost > lim.MaxInputTokens || projected > lim.MaxOutputTokens) {
			if !seal() {
				return nil
			}
		}
		cur = append(cur, it)
		running += cost
	}
	if len(cur) > 0 {
		seal()
	}
	return nil
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

var _ contract.Batcher = (*Batcher)(nil)
