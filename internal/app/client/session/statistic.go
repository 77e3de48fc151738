package session

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Statistic 单轮对话的耗时统计, 时间戳为毫秒, 0 表示未记录
type Statistic struct {
	clock clockwork.Clock

	SendTs          int64 //发送时间
	ResponseStartTs int64 //收到回复开始的时间
	FirstAudioTs    int64 //收到首个音频分片的时间
}

func NewStatistic(clock clockwork.Clock) *Statistic {
	return &Statistic{clock: clock}
}

func (s *Statistic) Reset() {
	s.SendTs = 0
	s.ResponseStartTs = 0
	s.FirstAudioTs = 0
}

func (s *Statistic) now() int64 {
	return s.clock.Now().UnixMilli()
}

// MarkSend 开始新一轮统计
func (s *Statistic) MarkSend() {
	s.Reset()
	s.SendTs = s.now()
}

// MarkResponseStart 本轮首次调用时返回发送到回复开始的耗时
func (s *Statistic) MarkResponseStart() (time.Duration, bool) {
	if s.SendTs == 0 || s.ResponseStartTs != 0 {
		return 0, false
	}
	s.ResponseStartTs = s.now()
	return time.Duration(s.ResponseStartTs-s.SendTs) * time.Millisecond, true
}

// MarkFirstAudio 本轮首次调用时返回发送到首个音频分片的耗时
func (s *Statistic) MarkFirstAudio() (time.Duration, bool) {
	if s.SendTs == 0 || s.FirstAudioTs != 0 {
		return 0, false
	}
	s.FirstAudioTs = s.now()
	return time.Duration(s.FirstAudioTs-s.SendTs) * time.Millisecond, true
}
