package webrtc_vad

import (
	"sync"

	"voice-chat-client-golang/internal/domain/audio"
	"voice-chat-client-golang/internal/domain/device"
	"voice-chat-client-golang/internal/domain/vad/inter"
	log "voice-chat-client-golang/logger"
)

const DefaultSmoothing = 0.5

// Meter 把帧分类结果转换为响度: 人声帧记 1，非人声记 0，再做指数平滑
type Meter struct {
	vad       inter.VAD
	monitor   *audio.Monitor
	smoothing float64

	mu    sync.Mutex
	level float64
	mono  []int16
}

// AcquireMeter 按配置创建分类器并绑定采集源
func AcquireMeter(source device.Source, c device.Constraints, config map[string]interface{}) (*Meter, error) {
	vadConfig := getVadConfigFromMap(config)
	if c.SampleRate == 0 {
		c.SampleRate = vadConfig.SampleRate
	}
	vad, err := NewWebRTCVADWithConfig(vadConfig.SampleRate, vadConfig.Mode)
	if err != nil {
		return nil, err
	}
	return NewMeter(source, c, vad, vadConfig.Smoothing), nil
}

func NewMeter(source device.Source, c device.Constraints, vad inter.VAD, smoothing float64) *Meter {
	m := &Meter{
		vad:       vad,
		smoothing: smoothing,
	}
	m.monitor = audio.NewMonitor(source, c, 256, 0.8, audio.WithFrameTap(m.onFrame))
	return m
}

func (m *Meter) Open() error {
	return m.monitor.Open()
}

func (m *Meter) onFrame(pcm []int16, format device.Format) {
	m.mu.Lock()
	mono := downmix(m.mono, pcm, format.Channels)
	m.mono = mono
	m.mu.Unlock()

	voiced, err := m.vad.IsVoice(mono, format.SampleRate)
	if err != nil {
		log.Debugf("webrtc vad 检测失败: %v", err)
		return
	}
	m.Observe(voiced)
}

// Observe 记录一帧的判定结果
func (m *Meter) Observe(voiced bool) {
	v := 0.0
	if voiced {
		v = 1
	}
	m.mu.Lock()
	m.level = m.smoothing*m.level + (1-m.smoothing)*v
	m.mu.Unlock()
}

func (m *Meter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

func (m *Meter) Close() error {
	err := m.monitor.Close()
	m.mu.Lock()
	m.level = 0
	m.mu.Unlock()
	m.vad.Reset()
	return err
}

// Dispose 关闭设备并释放分类器
func (m *Meter) Dispose() error {
	err := m.Close()
	if cerr := m.vad.Close(); err == nil {
		err = cerr
	}
	return err
}

func downmix(dst []int16, pcm []int16, channels int) []int16 {
	if channels <= 1 {
		return append(dst[:0], pcm...)
	}
	dst = dst[:0]
	for i := 0; i+channels <= len(pcm); i += channels {
		var sum int
		for ch := 0; ch < channels; ch++ {
			sum += int(pcm[i+ch])
		}
		dst = append(dst, int16(sum/channels))
	}
	return dst
}
