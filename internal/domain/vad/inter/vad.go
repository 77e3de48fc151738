package inter

// VAD 帧级语音活动分类器
type VAD interface {
	// IsVoice 检测一段 16bit 单声道 PCM 中是否有人声
	IsVoice(pcm []int16, sampleRate int) (bool, error)
	// Reset 重置检测器状态
	Reset() error
	// Close 关闭并释放资源
	Close() error
}

// Meter 响度来源，检测器按采样周期读取 Level
type Meter interface {
	// Open 打开底层设备
	Open() error
	// Level 当前响度 [0,1]
	Level() float64
	Close() error
}
