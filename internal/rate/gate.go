package rate

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"docbatch/pkg/contract"
)

// Limits: 单次运行的准入配置。0 表示该维度不启用。
type Limits struct {
	MaxPerWindow    int           // 窗口内最多发起的请求数
	Window          time.Duration // 窗口长度（默认 1 分钟）
	TPM             int           // tokens per minute
	MaxTokensPerReq int           // 单次请求 token 上限（含输入+预期输出），0 表示不限制
}

// Ask: 一次放行申请。
type Ask struct {
	Requests int // 默认为 1；必须 >=1
	Tokens   int // 预计 token （>=0）
}

// RunGate: 请求维度为滑动窗口，token 维度为令牌桶（x/time/rate）。
type RunGate struct {
	lim Limits
	win *Window
	tok *rate.Limiter
}

// NewGate 从静态配置构造闸门；窗口补给协程随 ctx 结束或 Close 退出。
func NewGate(ctx context.Context, lim Limits) *RunGate {
	if lim.Window <= 0 {
		lim.Window = time.Minute
	}
	g := &RunGate{lim: lim, win: NewWindow(ctx, lim.MaxPerWindow, lim.Window)}
	if lim.TPM > 0 {
		g.tok = rate.NewLimiter(rate.Limit(float64(lim.TPM)/60.0), lim.TPM)
	}
	return g
}

// clampTokens: 单次申请超过桶容量时按容量计，等待一个完整周期而非永久拒绝。
func (g *RunGate) clampTokens(n int) int {
	if g.tok == nil {
		return 0
	}
	if n > g.tok.Burst() {
		return g.tok.Burst()
	}
	return n
}

func (g *RunGate) check(a Ask) error {
	if a.Requests <= 0 || a.Tokens < 0 {
		return contract.ErrInvalidInput
	}
	if g.lim.MaxTokensPerReq > 0 && a.Tokens > g.lim.MaxTokensPerReq {
		return fmt.Errorf("rate: ask of %d tokens exceeds per-request cap %d: %w", a.Tokens, g.lim.MaxTokensPerReq, contract.ErrRequestTooLarge)
	}
	return nil
}

// Wait 阻塞直到额度可用或 ctx 取消；超出单请求上限时快速失败（ErrRequestTooLarge）。
func (g *RunGate) Wait(ctx context.Context, a Ask) error {
	if err := g.check(a); err != nil {
		return err
	}
	if g.tok != nil && a.Tokens > 0 {
		if err := g.tok.WaitN(ctx, g.clampTokens(a.Tokens)); err != nil {
			// WaitN 在 deadline 不足时直接报错；统一为 ctx 语义
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
	// 窗口额度最后取，使取用时刻紧贴请求发起时刻
	for i := 0; i < a.Requests; i++ {
		if err := g.win.Acquire(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close 释放窗口补给协程。
func (g *RunGate) Close() { g.win.Close() }
