package webrtc_vad

import (
	"encoding/binary"
	"fmt"
	"sync"

	"voice-chat-client-golang/internal/domain/vad/inter"

	"github.com/hackers365/go-webrtcvad"
)

const (
	// DefaultSampleRate WebRTC VAD 支持的采样率 (8000, 16000, 32000, 48000)
	DefaultSampleRate = 16000
	// DefaultMode VAD 敏感度模式 (0: 最不敏感, 3: 最敏感)
	DefaultMode = 2
	// FrameDuration 帧持续时间 (ms)，WebRTC VAD 支持 10ms, 20ms, 30ms
	FrameDuration = 20
)

// WebRTCVAD WebRTC 帧分类器
type WebRTCVAD struct {
	webrtcVad   *webrtcvad.VAD
	sampleRate  int
	mode        int
	initialized bool
	pcmBytes    []byte
	mu          sync.RWMutex
}

// NewWebRTCVAD 创建默认配置的实例，首次检测时初始化
func NewWebRTCVAD() inter.VAD {
	return &WebRTCVAD{
		sampleRate: DefaultSampleRate,
		mode:       DefaultMode,
	}
}

// NewWebRTCVADWithConfig 使用指定配置创建 WebRTC VAD 实例
func NewWebRTCVADWithConfig(sampleRate, mode int) (inter.VAD, error) {
	if !isValidSampleRate(sampleRate) {
		return nil, fmt.Errorf("unsupported sample rate: %d, supported rates: 8000, 16000, 32000, 48000", sampleRate)
	}
	if mode < 0 || mode > 3 {
		return nil, fmt.Errorf("invalid VAD mode: %d, must be 0-3", mode)
	}

	vad := &WebRTCVAD{
		sampleRate: sampleRate,
		mode:       mode,
	}
	if err := vad.init(); err != nil {
		return nil, err
	}
	return vad, nil
}

func (w *WebRTCVAD) init() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.initLocked()
}

func (w *WebRTCVAD) initLocked() error {
	if w.initialized {
		return nil
	}

	inst, err := webrtcvad.New()
	if err != nil || inst == nil {
		return fmt.Errorf("failed to create WebRTC VAD instance: %v", err)
	}
	if err := inst.SetMode(w.mode); err != nil {
		webrtcvad.Free(inst)
		return fmt.Errorf("failed to set WebRTC VAD mode: %+v", err)
	}

	w.webrtcVad = inst
	w.initialized = true
	return nil
}

// IsVoice 按 20ms 分帧检测，有效帧中一半以上为人声即判定为人声
// 不足一帧的数据返回 false
func (w *WebRTCVAD) IsVoice(pcm []int16, sampleRate int) (bool, error) {
	if len(pcm) == 0 {
		return false, nil
	}
	if sampleRate <= 0 {
		sampleRate = w.GetSampleRate()
	}
	if !isValidSampleRate(sampleRate) {
		return false, fmt.Errorf("unsupported sample rate: %d", sampleRate)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.initLocked(); err != nil {
		return false, err
	}

	frameSamples := sampleRate / 1000 * FrameDuration
	frameBytes := frameSamples * 2
	if len(pcm) < frameSamples {
		return false, nil
	}

	w.pcmBytes = int16ToPCMBytes(w.pcmBytes, pcm)

	frameCount := 0
	activityCount := 0
	for i := 0; i+frameBytes <= len(w.pcmBytes); i += frameBytes {
		active, err := w.webrtcVad.Process(sampleRate, w.pcmBytes[i:i+frameBytes])
		if err != nil {
			return false, fmt.Errorf("WebRTC VAD process error: %w", err)
		}
		frameCount++
		if active {
			activityCount++
		}
	}
	return activityCount*2 > frameCount, nil
}

// Reset 重置检测器状态
func (w *WebRTCVAD) Reset() error {
	return nil
}

// Close 关闭并释放资源，可重复调用
func (w *WebRTCVAD) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.initialized && w.webrtcVad != nil {
		webrtcvad.Free(w.webrtcVad)
		w.webrtcVad = nil
		w.initialized = false
	}
	return nil
}

// SetMode 设置 VAD 敏感度模式
func (w *WebRTCVAD) SetMode(mode int) error {
	if mode < 0 || mode > 3 {
		return fmt.Errorf("invalid VAD mode: %d, must be 0-3", mode)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.mode = mode
	if w.initialized {
		return w.webrtcVad.SetMode(mode)
	}
	return nil
}

// SetSampleRate 设置默认采样率
func (w *WebRTCVAD) SetSampleRate(sampleRate int) error {
	if !isValidSampleRate(sampleRate) {
		return fmt.Errorf("unsupported sample rate: %d, supported rates: 8000, 16000, 32000, 48000", sampleRate)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.sampleRate = sampleRate
	return nil
}

func (w *WebRTCVAD) GetSampleRate() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.sampleRate
}

func (w *WebRTCVAD) GetMode() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.mode
}

// int16ToPCMBytes 小端序写入，复用 dst
func int16ToPCMBytes(dst []byte, samples []int16) []byte {
	n := len(samples) * 2
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(s))
	}
	return dst
}

// isValidSampleRate 检查采样率是否被 WebRTC VAD 支持
func isValidSampleRate(sampleRate int) bool {
	switch sampleRate {
	case 8000, 16000, 32000, 48000:
		return true
	}
	return false
}
