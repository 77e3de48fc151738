package vad

import (
	"errors"

	"voice-chat-client-golang/constants"
	"voice-chat-client-golang/internal/domain/audio"
	"voice-chat-client-golang/internal/domain/device"
	"voice-chat-client-golang/internal/domain/vad/inter"
	"voice-chat-client-golang/internal/domain/vad/webrtc_vad"
)

// 电平监测使用的分析参数，比采集电平条更灵敏
const (
	LevelFFTSize   = 512
	LevelSmoothing = 0.5
)

var ErrInvalidProvider = errors.New("invalid vad provider")

// AcquireMeter 按 provider 创建响度来源，每个检测器独占一条采集流
func AcquireMeter(provider string, source device.Source, c device.Constraints, config map[string]interface{}) (inter.Meter, error) {
	switch provider {
	case "", constants.VadTypeLevel:
		return audio.NewMonitor(source, c, LevelFFTSize, LevelSmoothing), nil
	case constants.VadTypeWebRTCVad:
		return webrtc_vad.AcquireMeter(source, c, config)
	default:
		return nil, ErrInvalidProvider
	}
}
