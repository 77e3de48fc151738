package device

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceUnavailable 权限被拒或没有可用硬件，不做重试
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrDeviceClosed      = errors.New("device closed")
)

// Constraints 打开采集设备时的期望参数，设备不支持的项会被忽略
type Constraints struct {
	SampleRate       int
	Channels         int
	FrameSize        int // 每次 Read 的每声道采样点数
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Format 设备协商后的实际格式
type Format struct {
	SampleRate int
	Channels   int
	FrameSize  int
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", f.Channels)
	}
	if f.FrameSize <= 0 {
		return fmt.Errorf("frame_size must be positive, got %d", f.FrameSize)
	}
	return nil
}

// Source 麦克风等采集设备，每个实例独占一条硬件流
type Source interface {
	// Open 申请设备，权限被拒或无设备时返回错误
	Open(c Constraints) (Format, error)
	// Read 阻塞读取一帧交织 PCM，返回写入的采样点数
	Read(pcm []int16) (int, error)
	Close() error
}

// Sink 扬声器等输出设备
type Sink interface {
	Open(f Format) error
	// Write 阻塞直到设备接收这段交织 PCM
	Write(pcm []int16) error
	Close() error
}

// SourceFactory 为每个组件创建独立的采集流
type SourceFactory func() Source
