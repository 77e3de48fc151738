package playback

import (
	"context"
	"io"
	"sync"

	"voice-chat-client-golang/internal/util"
)

// Stream 流式播放的输入端，Push 不阻塞也不丢弃分片
//
// Close 只表示暂时没有更多分片：播放协程取完队列后才真正结束，
// 在此之前的 Push 会重新打开流并接在后面播放。
type Stream struct {
	queue *util.Queue[[]byte]
	wake  chan struct{}

	mu       sync.Mutex
	closed   bool
	finished bool
}

func newStream() *Stream {
	return &Stream{
		queue: util.NewQueue[[]byte](),
		wake:  make(chan struct{}, 1),
	}
}

// Push 追加一个分片，流已经播完或被停止时返回 false，调用方需要另开一路
func (s *Stream) Push(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.closed = false
	if err := s.queue.Push(data); err != nil {
		return false
	}
	s.notify()
	return true
}

// Close 标记输入结束，已入队的分片照常播完，可重复调用
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.notify()
}

// Finished 播放协程已退出
func (s *Stream) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Pending 尚未取走的分片数
func (s *Stream) Pending() int {
	return s.queue.Len()
}

func (s *Stream) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next 阻塞到有分片、输入结束(io.EOF)或 ctx 取消
func (s *Stream) next(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if data, ok := s.queue.Pop(); ok {
			s.mu.Unlock()
			return data, nil
		}
		if s.closed {
			s.finished = true
			s.mu.Unlock()
			return nil, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.wake:
		}
	}
}

// finish 播放协程退出时调用，丢弃剩余分片
func (s *Stream) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.queue.Clear()
}
