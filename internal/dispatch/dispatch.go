package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"docbatch/internal/diag"
	"docbatch/internal/rate"
	"docbatch/pkg/contract"
)

// Options: 两个相互独立的准入控制。
type Options struct {
	// MaxConcurrent: 同时在途的提交上限（并发天花板）。<=0 取 1。
	MaxConcurrent int
	// MaxPerWindow/Window: 任意 Window 时长内至多发起 MaxPerWindow 次提交；0 表示不限。
	MaxPerWindow int
	Window       time.Duration
	// TokensPerMinute: 可选的 token 速率（按批预计 token 计费）；0 表示不限。
	TokensPerMinute int
	// MaxTokensPerReq: 单批预计 token 上限；超出时不发起并按致命错误中止。0 表示不限。
	MaxTokensPerReq int
}

// SubmitFunc: 单批远端调用（构造提示词 → 调用 → 解码 → 对齐）。
// 返回致命错误（contract.IsFatal）时整次调度中止。
type SubmitFunc func(ctx context.Context, b contract.Batch) ([]contract.Record, contract.Usage, error)

// UsageRecorder: 成功调用的计量落点（usage.Accumulator）。
type UsageRecorder interface {
	Record(u contract.Usage)
}

// Dispatcher: 并发受限、速率受限的批提交器。无重试。
type Dispatcher struct {
	opts  Options
	log   *diag.Logger
	usage UsageRecorder
}

// New 构造调度器；log/usage 可为 nil。
func New(opts Options, log *diag.Logger, usage UsageRecorder) *Dispatcher {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if log == nil {
		log = diag.NewNop()
	}
	return &Dispatcher{opts: opts, log: log, usage: usage}
}

// Run: 一次调度的句柄。
type Run struct {
	results chan contract.BatchResult
	done    chan struct{}
	err     error
}

// Results 返回结果通道：每批恰好一个结果（完成顺序可能与提交顺序不同）；
// 调度结束后关闭。致命中止时剩余批次不再产出结果。
func (r *Run) Results() <-chan contract.BatchResult { return r.results }

// Wait 阻塞至调度结束，返回 nil 或唯一的致命/取消错误。
func (r *Run) Wait() error {
	<-r.done
	return r.err
}

// Dispatch 立即返回；批次按顺序准入：先取并发额度，再过 token 速率，最后取窗口额度。
func (d *Dispatcher) Dispatch(ctx context.Context, batches []contract.Batch, submit SubmitFunc) *Run {
	run := &Run{results: make(chan contract.BatchResult, len(batches)), done: make(chan struct{})}
	// 致命错误经 abort 同步取消（先于并发额度归还），保证其后不再有提交发起
	rctx, abort := context.WithCancelCause(ctx)
	g, gctx := errgroup.WithContext(rctx)
	gate := rate.NewGate(gctx, rate.Limits{
		MaxPerWindow:    d.opts.MaxPerWindow,
		Window:          d.opts.Window,
		TPM:             d.opts.TokensPerMinute,
		MaxTokensPerReq: d.opts.MaxTokensPerReq,
	})
	sem := semaphore.NewWeighted(int64(d.opts.MaxConcurrent))

	g.Go(func() error {
		for _, b := range batches {
			if err := sem.Acquire(gctx, 1); err != nil {
				return context.Cause(gctx)
			}
			ask := rate.Ask{Requests: 1, Tokens: b.InputTokens + b.OutputTokens}
			if err := gate.Wait(gctx, ask); err != nil {
				sem.Release(1)
				if errors.Is(err, rate.ErrClosed) || gctx.Err() != nil {
					return context.Cause(gctx)
				}
				fatal := fmt.Errorf("batch %d: %w", b.Index, err)
				code := string(diag.Classify(err))
				diag.IncError("dispatch", code)
				diag.IncBatch("fatal")
				d.log.ErrorWith("dispatch", code, fatal.Error(), nil, "", strconv.FormatInt(b.Index, 10))
				abort(fatal)
				return fatal
			}
			// 致命错误已发生则不再发起
			if gctx.Err() != nil {
				sem.Release(1)
				return context.Cause(gctx)
			}
			b := b
			g.Go(func() error {
				defer sem.Release(1)
				return d.submitOne(gctx, b, submit, abort, run.results)
			})
		}
		return nil
	})

	go func() {
		run.err = g.Wait()
		abort(nil)
		gate.Close()
		close(run.results)
		close(run.done)
	}()
	return run
}

// submitOne 执行单批；非致命失败转为结果，致命失败上抛给 errgroup。
func (d *Dispatcher) submitOne(ctx context.Context, b contract.Batch, submit SubmitFunc, abort context.CancelCauseFunc, out chan<- contract.BatchResult) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	batchID := strconv.FormatInt(b.Index, 10)
	timer := d.log.StartWithKV("dispatch", "submit", "", batchID, map[string]string{
		"items":      strconv.Itoa(b.Len()),
		"est_tokens": strconv.Itoa(b.InputTokens + b.OutputTokens),
	})
	diag.InflightAdd(1)
	recs, u, err := submit(ctx, b)
	diag.InflightAdd(-1)
	diag.ObserveDuration("dispatch", "submit", timer.Since().Milliseconds())
	if err != nil {
		code := string(diag.Classify(err))
		diag.IncError("dispatch", code)
		if contract.IsFatal(err) {
			diag.IncBatch("fatal")
			d.log.ErrorWith("dispatch", code, err.Error(), timer.StartedAt(), "", batchID)
			fatal := fmt.Errorf("batch %d: %w", b.Index, err)
			abort(fatal)
			return fatal
		}
		diag.IncBatch("failed")
		diag.IncOp("dispatch", "submit", "error")
		d.log.ErrorWith("dispatch", code, err.Error(), timer.StartedAt(), "", batchID)
		out <- contract.BatchResult{Batch: b, Err: err}
		return nil
	}
	if d.usage != nil {
		d.usage.Record(u)
	}
	diag.IncBatch("ok")
	diag.IncOp("dispatch", "submit", "success")
	timer.Finish("ok", int64(len(recs)))
	out <- contract.BatchResult{Batch: b, Records: recs, Usage: u}
	return nil
}
