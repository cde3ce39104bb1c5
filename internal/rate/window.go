package rate

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed: 窗口已关闭（所属运行结束）。
var ErrClosed = errors.New("rate: window closed")

// Window: 滑动窗口请求额度。任意长度为 period 的时间区间内至多放行 n 次。
// 每个额度在被取走后恰好 period 才归还，不提前释放；
// 归还由后台补给协程完成，其生命周期与所属运行一致（Close 或 ctx 结束）。
type Window struct {
	n      int
	period time.Duration
	now    func() time.Time

	units  chan struct{}
	stamps chan time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewWindow 构造窗口；n<=0 或 period<=0 表示不限流（Acquire 立即返回）。
func NewWindow(ctx context.Context, n int, period time.Duration) *Window {
	w := &Window{n: n, period: period, now: time.Now, stop: make(chan struct{}), done: make(chan struct{})}
	if !w.enabled() {
		close(w.done)
		return w
	}
	w.units = make(chan struct{}, n)
	w.stamps = make(chan time.Time, n)
	for i := 0; i < n; i++ {
		w.units <- struct{}{}
	}
	go w.replenish()
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				w.Close()
			case <-w.stop:
			}
		}()
	}
	return w
}

func (w *Window) enabled() bool { return w.n > 0 && w.period > 0 }

// Acquire 阻塞直到取得一个额度或 ctx 取消。
func (w *Window) Acquire(ctx context.Context) error {
	if !w.enabled() {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stop:
		return ErrClosed
	case <-w.units:
		// 未归还额度至多 n 个，stamps 容量为 n，不会阻塞
		w.stamps <- w.now()
		return nil
	}
}

// Close 停止补给协程；幂等。
func (w *Window) Close() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

// replenish: 按取用顺序在 stamp+period 时归还额度。period 固定，故 FIFO 即到期序。
func (w *Window) replenish() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ts := <-w.stamps:
			if err := sleepUntil(w.stop, ts.Add(w.period), w.now); err != nil {
				return
			}
			w.units <- struct{}{}
		}
	}
}

// sleepUntil 睡眠至 deadline；stop 关闭时提前返回 ErrClosed。
func sleepUntil(stop <-chan struct{}, deadline time.Time, now func() time.Time) error {
	d := deadline.Sub(now())
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return ErrClosed
	case <-t.C:
		return nil
	}
}
