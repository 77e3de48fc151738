package audio

import (
	"errors"
	"fmt"
	"sync"

	"voice-chat-client-golang/internal/domain/device"
	log "voice-chat-client-golang/logger"
)

// Monitor 独占一路采集流，持续把 PCM 送入分析器，供 VAD 读取响度
type Monitor struct {
	source      device.Source
	constraints device.Constraints
	analyser    *Analyser
	onFrame     func(pcm []int16, format device.Format)

	mu     sync.Mutex
	format device.Format
	open   bool
	done   chan struct{}
}

type MonitorOption func(*Monitor)

// WithFrameTap 每读到一帧 PCM 时回调，在读协程中执行
func WithFrameTap(fn func(pcm []int16, format device.Format)) MonitorOption {
	return func(m *Monitor) {
		m.onFrame = fn
	}
}

func NewMonitor(source device.Source, c device.Constraints, fftSize int, smoothing float64, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		source:      source,
		constraints: c,
		analyser:    NewAnalyser(fftSize, smoothing),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open 打开设备并启动读协程，重复调用无副作用
func (m *Monitor) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		return nil
	}
	format, err := m.source.Open(m.constraints)
	if err != nil {
		return fmt.Errorf("%w: %v", device.ErrDeviceUnavailable, err)
	}
	m.format = format
	m.open = true
	m.done = make(chan struct{})
	go m.readLoop(format, m.done)
	return nil
}

func (m *Monitor) readLoop(format device.Format, done chan struct{}) {
	defer close(done)
	pcm := make([]int16, format.FrameSize*format.Channels)
	for {
		n, err := m.source.Read(pcm)
		if err != nil {
			if !errors.Is(err, device.ErrDeviceClosed) {
				log.Warnf("电平监测读取失败: %v", err)
			}
			return
		}
		m.analyser.Write(pcm[:n], format.Channels)
		if m.onFrame != nil {
			m.onFrame(pcm[:n], format)
		}
	}
}

// Format 设备协商后的格式，未打开时为零值
func (m *Monitor) Format() device.Format {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.format
}

// Level 当前响度
func (m *Monitor) Level() float64 {
	return m.analyser.Level()
}

func (m *Monitor) Close() error {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return nil
	}
	m.open = false
	done := m.done
	m.mu.Unlock()

	err := m.source.Close()
	<-done
	m.analyser.Reset()
	return err
}
