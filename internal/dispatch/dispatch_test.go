package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docbatch/internal/usage"
	"docbatch/pkg/contract"
)

func makeBatches(n int) []contract.Batch {
	out := make([]contract.Batch, n)
	for i := range out {
		out[i] = contract.Batch{Index: int64(i), Items: []contract.Item{{ID: 1, Seq: i}}, InputTokens: 10, OutputTokens: 5}
	}
	return out
}

func collect(r *Run) []contract.BatchResult {
	var out []contract.BatchResult
	for res := range r.Results() {
		out = append(out, res)
	}
	return out
}

// 记录在途峰值与开始时间的假提交
type fakeSubmitter struct {
	mu      sync.Mutex
	cur     int
	peak    int
	starts  []time.Time
	calls   int32
	sleep   time.Duration
	failOn  map[int64]error
	usagePB contract.Usage
}

func (p *fakeSubmitter) submit(ctx context.Context, b contract.Batch) ([]contract.Record, contract.Usage, error) {
	atomic.AddInt32(&p.calls, 1)
	p.mu.Lock()
	p.cur++
	if p.cur > p.peak {
		p.peak = p.cur
	}
	p.starts = append(p.starts, time.Now())
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.cur--
		p.mu.Unlock()
	}()
	if p.sleep > 0 {
		select {
		case <-time.After(p.sleep):
		case <-ctx.Done():
			return nil, contract.Usage{}, ctx.Err()
		}
	}
	if err := p.failOn[b.Index]; err != nil {
		return nil, contract.Usage{}, err
	}
	return []contract.Record{{"id": "1"}}, p.usagePB, nil
}

// UT-DSP-01: 每批恰好一个结果，并发不超过上限
func TestDispatchConcurrencyBound(t *testing.T) {
	p := &fakeSubmitter{sleep: 20 * time.Millisecond}
	d := New(Options{MaxConcurrent: 3}, nil, nil)
	run := d.Dispatch(context.Background(), makeBatches(12), p.submit)
	res := collect(run)
	require.NoError(t, run.Wait())
	require.Len(t, res, 12)
	seen := map[int64]bool{}
	for _, r := range res {
		assert.NoError(t, r.Err)
		assert.False(t, seen[r.Batch.Index], "重复结果 %d", r.Batch.Index)
		seen[r.Batch.Index] = true
	}
	assert.LessOrEqual(t, p.peak, 3)
	assert.GreaterOrEqual(t, p.peak, 2, "应存在并发")
}

// UT-DSP-02: 滑动窗口内发起次数不超过上限
func TestDispatchRateBound(t *testing.T) {
	const (
		n      = 2
		window = 100 * time.Millisecond
		slack  = 15 * time.Millisecond
	)
	p := &fakeSubmitter{}
	d := New(Options{MaxConcurrent: 8, MaxPerWindow: n, Window: window}, nil, nil)
	run := d.Dispatch(context.Background(), makeBatches(7), p.submit)
	res := collect(run)
	require.NoError(t, run.Wait())
	require.Len(t, res, 7)
	starts := append([]time.Time(nil), p.starts...)
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	for i := 0; i+n < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i+n].Sub(starts[i]), window-slack)
	}
}

// UT-DSP-03: 非致命失败只影响本批
func TestDispatchTransientFailure(t *testing.T) {
	p := &fakeSubmitter{failOn: map[int64]error{1: contract.ErrResponseInvalid, 3: errors.New("503")}}
	acc := usage.New()
	p.usagePB = contract.Usage{TotalTokens: 7, InputTokens: 5, OutputTokens: 2}
	d := New(Options{MaxConcurrent: 2}, nil, acc)
	run := d.Dispatch(context.Background(), makeBatches(5), p.submit)
	res := collect(run)
	require.NoError(t, run.Wait())
	require.Len(t, res, 5)
	failed := 0
	for _, r := range res {
		if r.Err != nil {
			failed++
			assert.Empty(t, r.Records)
			assert.Contains(t, []int64{1, 3}, r.Batch.Index)
		} else {
			assert.Len(t, r.Records, 1)
		}
	}
	assert.Equal(t, 2, failed)
	// 计量仅来自成功批
	assert.Equal(t, contract.Usage{TotalTokens: 21, InputTokens: 15, OutputTokens: 6}, acc.Snapshot())
}

// UT-DSP-04: 致命错误中止，之后不再发起
func TestDispatchFatalSequential(t *testing.T) {
	p := &fakeSubmitter{failOn: map[int64]error{2: fmt.Errorf("openai: %w", contract.ErrRateLimited)}}
	d := New(Options{MaxConcurrent: 1}, nil, nil)
	run := d.Dispatch(context.Background(), makeBatches(10), p.submit)
	_ = collect(run)
	err := run.Wait()
	require.Error(t, err)
	assert.True(t, errors.Is(err, contract.ErrRateLimited))
	assert.EqualValues(t, 3, atomic.LoadInt32(&p.calls))
}

// UT-DSP-05: 致命错误取消在途提交
func TestDispatchFatalCancelsInflight(t *testing.T) {
	var calls int32
	submit := func(ctx context.Context, b contract.Batch) ([]contract.Record, contract.Usage, error) {
		atomic.AddInt32(&calls, 1)
		if b.Index == 0 {
			time.Sleep(30 * time.Millisecond)
			return nil, contract.Usage{}, contract.ErrRequestTooLarge
		}
		<-ctx.Done()
		return nil, contract.Usage{}, ctx.Err()
	}
	d := New(Options{MaxConcurrent: 4}, nil, nil)
	done := make(chan struct{})
	var err error
	go func() {
		run := d.Dispatch(context.Background(), makeBatches(20), submit)
		_ = collect(run)
		err = run.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("在途提交未被取消")
	}
	assert.True(t, errors.Is(err, contract.ErrRequestTooLarge))
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(4))
}

// UT-DSP-06: 父 ctx 取消
func TestDispatchParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeSubmitter{sleep: time.Second}
	d := New(Options{MaxConcurrent: 2}, nil, nil)
	run := d.Dispatch(ctx, makeBatches(6), p.submit)
	time.AfterFunc(30*time.Millisecond, cancel)
	_ = collect(run)
	assert.ErrorIs(t, run.Wait(), context.Canceled)
}

// UT-DSP-07: 空批列表
func TestDispatchEmpty(t *testing.T) {
	run := New(Options{}, nil, nil).Dispatch(context.Background(), nil, (&fakeSubmitter{}).submit)
	assert.Empty(t, collect(run))
	assert.NoError(t, run.Wait())
}

// UT-DSP-08: 预计 token 超出单请求上限的批不发起，整次调度致命中止
func TestDispatchOversizedBatchFatal(t *testing.T) {
	batches := makeBatches(4)
	batches[1].InputTokens = 100
	p := &fakeSubmitter{}
	d := New(Options{MaxConcurrent: 1, MaxTokensPerReq: 50}, nil, nil)
	run := d.Dispatch(context.Background(), batches, p.submit)
	res := collect(run)
	err := run.Wait()
	require.Error(t, err)
	assert.True(t, errors.Is(err, contract.ErrRequestTooLarge))
	assert.Contains(t, err.Error(), "batch 1")
	assert.EqualValues(t, 1, atomic.LoadInt32(&p.calls))
	require.Len(t, res, 1)
	assert.EqualValues(t, 0, res[0].Batch.Index)
}
