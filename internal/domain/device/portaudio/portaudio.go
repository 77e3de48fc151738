package portaudio

import (
	"fmt"
	"sync"

	"voice-chat-client-golang/internal/domain/device"
	log "voice-chat-client-golang/logger"

	"github.com/gordonklaus/portaudio"
)

var (
	initMu    sync.Mutex
	initCount int
)

// acquire/release 对 portaudio 全局初始化做引用计数
func acquire() error {
	initMu.Lock()
	defer initMu.Unlock()
	if initCount == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("初始化portaudio失败: %w", err)
		}
	}
	initCount++
	return nil
}

func release() {
	initMu.Lock()
	defer initMu.Unlock()
	if initCount == 0 {
		return
	}
	initCount--
	if initCount == 0 {
		portaudio.Terminate()
	}
}

// Source 默认输入设备, portaudio 不提供回声消除等处理，相关约束被忽略
type Source struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
}

func NewSource() device.Source {
	return &Source{}
}

func (s *Source) Open(c device.Constraints) (device.Format, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		return device.Format{}, fmt.Errorf("source already open")
	}
	f := device.Format{SampleRate: c.SampleRate, Channels: c.Channels, FrameSize: c.FrameSize}
	if err := f.Validate(); err != nil {
		return device.Format{}, err
	}
	if err := acquire(); err != nil {
		return device.Format{}, err
	}
	s.buf = make([]int16, f.FrameSize*f.Channels)
	stream, err := portaudio.OpenDefaultStream(f.Channels, 0, float64(f.SampleRate), f.FrameSize, s.buf)
	if err != nil {
		release()
		return device.Format{}, fmt.Errorf("打开麦克风失败: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		release()
		return device.Format{}, fmt.Errorf("启动麦克风失败: %w", err)
	}
	s.stream = stream
	log.Debugf("麦克风已打开: %d Hz, %d 通道, 帧长 %d", f.SampleRate, f.Channels, f.FrameSize)
	return f, nil
}

func (s *Source) Read(pcm []int16) (int, error) {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return 0, device.ErrDeviceClosed
	}
	if err := stream.Read(); err != nil {
		return 0, err
	}
	return copy(pcm, s.buf), nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	s.stream.Stop()
	err := s.stream.Close()
	s.stream = nil
	release()
	return err
}

// Sink 默认输出设备
type Sink struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	format device.Format
}

func NewSink() device.Sink {
	return &Sink{}
}

func (s *Sink) Open(f device.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		return nil
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if err := acquire(); err != nil {
		return err
	}
	s.buf = make([]int16, f.FrameSize*f.Channels)
	stream, err := portaudio.OpenDefaultStream(0, f.Channels, float64(f.SampleRate), f.FrameSize, s.buf)
	if err != nil {
		release()
		return fmt.Errorf("打开扬声器失败: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		release()
		return fmt.Errorf("启动扬声器失败: %w", err)
	}
	s.stream = stream
	s.format = f
	return nil
}

// Write 按设备帧长切分写入，最后不足一帧的部分补零
func (s *Sink) Write(pcm []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return device.ErrDeviceClosed
	}
	for len(pcm) > 0 {
		n := copy(s.buf, pcm)
		for i := n; i < len(s.buf); i++ {
			s.buf[i] = 0
		}
		if err := s.stream.Write(); err != nil {
			return err
		}
		pcm = pcm[n:]
	}
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	s.stream.Stop()
	err := s.stream.Close()
	s.stream = nil
	release()
	return err
}
