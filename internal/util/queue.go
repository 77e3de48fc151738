package util

import (
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("queue closed")

// Queue 协程安全的无界 FIFO 队列
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push 追加到队尾，队列关闭后返回 ErrQueueClosed
func (q *Queue[T]) Push(val T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, val)
	return nil
}

// Pop 非阻塞取出队首元素
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

// Drain 按入队顺序取出全部元素并清空队列
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear 丢弃全部元素
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// Close 关闭队列，之后 Push 全部失败
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}
