// Package usage 汇总单次运行的 token 计量并计算费用。
package usage

import (
	"context"
	"fmt"
	"math"
	"sync"

	"docbatch/internal/diag"
	"docbatch/pkg/contract"
)

// Accumulator: 单次运行的计量汇总。Record 是唯一写入口，单互斥保护。
// 每次运行显式构造并传入调度器，不做进程级共享。
type Accumulator struct {
	mu    sync.Mutex
	u     contract.Usage
	calls int64
}

// New 构造空汇总。
func New() *Accumulator { return &Accumulator{} }

// Record 累加一次成功调用的计量。
func (a *Accumulator) Record(u contract.Usage) {
	a.mu.Lock()
	a.u = a.u.Add(u)
	a.calls++
	a.mu.Unlock()
	diag.AddTokens(u.TotalTokens, u.InputTokens, u.OutputTokens)
}

// Snapshot 返回一致性快照。
func (a *Accumulator) Snapshot() contract.Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.u
}

// Calls 返回已记录的成功调用次数。
func (a *Accumulator) Calls() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Pricing: 每 1K token 的美元单价与目标币种。
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
	// Currency: 换算目标币种（如 EUR）；为空或 USD 时不换算。
	Currency string
}

// CostReport: 费用报告。Rate 为 1 单位目标币种折合的美元数。
type CostReport struct {
	Usage     contract.Usage
	USD       float64
	Currency  string
	Rate      float64
	Converted float64
	// RateOK: 汇率可用且已换算。
	RateOK bool
}

// Cost 纯函数：usd = in/1000×单价 + out/1000×单价；converted = usd ÷ rate（保留 3 位小数）。
func Cost(u contract.Usage, p Pricing, rate float64) CostReport {
	usd := float64(u.InputTokens)/1000*p.InputPer1K + float64(u.OutputTokens)/1000*p.OutputPer1K
	r := CostReport{Usage: u, USD: round3(usd), Currency: p.Currency, Rate: rate}
	if p.Currency == "" || p.Currency == "USD" {
		r.Currency = "USD"
		r.Rate = 1
		r.Converted = r.USD
		r.RateOK = true
		return r
	}
	if rate > 0 && !math.IsInf(rate, 0) && !math.IsNaN(rate) {
		r.Converted = round3(usd / rate)
		r.RateOK = true
	}
	return r
}

// String 输出单行摘要；汇率不可用时仅给出美元。
func (r CostReport) String() string {
	if r.RateOK {
		if r.Currency == "USD" {
			return fmt.Sprintf("%.3f USD", r.USD)
		}
		return fmt.Sprintf("%.3f %s (%.3f USD)", r.Converted, r.Currency, r.USD)
	}
	return fmt.Sprintf("%.3f USD (%s unavailable)", r.USD, r.Currency)
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

// RateSource: 汇率来源（1 单位目标币种折合的美元数）。
type RateSource interface {
	Rate(ctx context.Context) (float64, error)
}

// StaticRate: 固定汇率。
type StaticRate float64

func (s StaticRate) Rate(context.Context) (float64, error) {
	if s <= 0 {
		return 0, fmt.Errorf("usage: static rate must be > 0: %w", contract.ErrInvalidInput)
	}
	return float64(s), nil
}

// CachedRate: 单次运行内只查询一次（成功或失败均缓存）。
type CachedRate struct {
	src  RateSource
	once sync.Once
	v    float64
	err  error
}

// NewCachedRate 包装任意来源。
func NewCachedRate(src RateSource) *CachedRate { return &CachedRate{src: src} }

func (c *CachedRate) Rate(ctx context.Context) (float64, error) {
	c.once.Do(func() { c.v, c.err = c.src.Rate(ctx) })
	return c.v, c.err
}

// Report 组合快照、单价与汇率来源；汇率失败时报告仍可用（RateOK=false）。
func Report(ctx context.Context, a *Accumulator, p Pricing, src RateSource) (CostReport, error) {
	var rate float64
	var err error
	if src != nil && p.Currency != "" && p.Currency != "USD" {
		rate, err = src.Rate(ctx)
	}
	return Cost(a.Snapshot(), p, rate), err
}
