package audio

import "time"

const (
	SampleRate       = 16000
	OutputSampleRate = 24000
	Channels         = 1
	FrameDuration    = 20  // ms, 设备读写帧长
	ChunkDuration    = 100 // ms, 录音分片间隔
	Format           = "opus"
	BitRate          = 32000
)

// LevelInterval 电平采样间隔，约等于 60Hz 刷新
const LevelInterval = 16 * time.Millisecond
