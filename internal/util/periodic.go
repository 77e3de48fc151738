package util

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Periodic 以固定间隔执行任务，可随时取消
type Periodic struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Every 启动周期任务, fn 在独立协程中串行执行
func Every(ctx context.Context, clock clockwork.Clock, interval time.Duration, fn func()) *Periodic {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Periodic{cancel: cancel, done: make(chan struct{})}
	ticker := clock.NewTicker(interval)
	go func() {
		defer close(p.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				// 取消优先，避免停止后还多跑一帧
				if ctx.Err() != nil {
					return
				}
				fn()
			}
		}
	}()
	return p
}

// Stop 取消任务并等待当前一次执行结束，可重复调用
func (p *Periodic) Stop() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.cancel()
		<-p.done
	})
}

// StopAsync 仅取消，不等待，用于在任务回调内部停止自身
func (p *Periodic) StopAsync() {
	if p == nil {
		return
	}
	p.cancel()
}
