package webrtc_vad

import (
	"math"
	"testing"

	"voice-chat-client-golang/internal/domain/device"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewWebRTCVAD 测试创建 WebRTC VAD 实例
func TestNewWebRTCVAD(t *testing.T) {
	vad := NewWebRTCVAD()
	require.NotNil(t, vad)

	webrtcVAD, ok := vad.(*WebRTCVAD)
	require.True(t, ok)
	assert.Equal(t, DefaultSampleRate, webrtcVAD.sampleRate)
	assert.Equal(t, DefaultMode, webrtcVAD.mode)
	assert.False(t, webrtcVAD.initialized)

	err := vad.Close()
	assert.NoError(t, err)
}

// TestNewWebRTCVADWithConfig 测试使用配置创建 WebRTC VAD 实例
func TestNewWebRTCVADWithConfig(t *testing.T) {
	vad, err := NewWebRTCVADWithConfig(8000, 1)
	require.NoError(t, err)
	require.NotNil(t, vad)

	webrtcVAD, ok := vad.(*WebRTCVAD)
	require.True(t, ok)
	assert.Equal(t, 8000, webrtcVAD.sampleRate)
	assert.Equal(t, 1, webrtcVAD.mode)
	assert.NoError(t, vad.Close())

	// 无效采样率
	vad, err = NewWebRTCVADWithConfig(22050, 1)
	assert.Error(t, err)
	assert.Nil(t, vad)

	// 无效模式
	vad, err = NewWebRTCVADWithConfig(16000, 5)
	assert.Error(t, err)
	assert.Nil(t, vad)
}

// TestWebRTCVAD_IsVoice 测试语音活动检测
func TestWebRTCVAD_IsVoice(t *testing.T) {
	vad := NewWebRTCVAD()
	defer vad.Close()

	// 空数据
	active, err := vad.IsVoice(nil, 16000)
	assert.NoError(t, err)
	assert.False(t, active)

	// 不足一帧
	active, err = vad.IsVoice(make([]int16, 100), 16000)
	assert.NoError(t, err)
	assert.False(t, active)

	// 静音
	active, err = vad.IsVoice(make([]int16, 1600), 16000)
	assert.NoError(t, err)
	assert.False(t, active)

	// 正弦波只校验不报错，结果取决于算法
	_, err = vad.IsVoice(generateSineWave(16000, 440, 0.1, 0.5), 16000)
	assert.NoError(t, err)

	// 不支持的采样率
	_, err = vad.IsVoice(make([]int16, 1600), 22050)
	assert.Error(t, err)
}

// TestWebRTCVAD_Close 重复关闭
func TestWebRTCVAD_Close(t *testing.T) {
	vad := NewWebRTCVAD()
	assert.NoError(t, vad.Close())

	_, err := vad.IsVoice(make([]int16, 1600), 16000)
	assert.NoError(t, err)

	assert.NoError(t, vad.Close())
	assert.NoError(t, vad.Close())
}

// TestWebRTCVAD_SetMode 测试设置模式
func TestWebRTCVAD_SetMode(t *testing.T) {
	vad := NewWebRTCVAD()
	defer vad.Close()
	webrtcVAD := vad.(*WebRTCVAD)

	for mode := 0; mode <= 3; mode++ {
		assert.NoError(t, webrtcVAD.SetMode(mode))
		assert.Equal(t, mode, webrtcVAD.GetMode())
	}
	assert.Error(t, webrtcVAD.SetMode(-1))
	assert.Error(t, webrtcVAD.SetMode(4))
}

// TestWebRTCVAD_SetSampleRate 测试设置采样率
func TestWebRTCVAD_SetSampleRate(t *testing.T) {
	webrtcVAD := NewWebRTCVAD().(*WebRTCVAD)
	defer webrtcVAD.Close()

	for _, rate := range []int{8000, 16000, 32000, 48000} {
		assert.NoError(t, webrtcVAD.SetSampleRate(rate))
		assert.Equal(t, rate, webrtcVAD.GetSampleRate())
	}
	assert.Error(t, webrtcVAD.SetSampleRate(22050))
	assert.Error(t, webrtcVAD.SetSampleRate(44100))
}

func TestInt16ToPCMBytes(t *testing.T) {
	out := int16ToPCMBytes(nil, []int16{1, -1, 0x1234})
	assert.Equal(t, []byte{0x01, 0x00, 0xff, 0xff, 0x34, 0x12}, out)
}

func TestGetVadConfigFromMap(t *testing.T) {
	c := getVadConfigFromMap(map[string]interface{}{
		"vad_sample_rate": 8000,
		"vad_mode":        float64(3),
		"smoothing":       0.25,
	})
	assert.Equal(t, WebRTCVADConfig{SampleRate: 8000, Mode: 3, Smoothing: 0.25}, c)

	// 非法值回退默认
	c = getVadConfigFromMap(map[string]interface{}{"vad_sample_rate": 22050, "vad_mode": 9})
	assert.Equal(t, DefaultSampleRate, c.SampleRate)
	assert.Equal(t, DefaultMode, c.Mode)
}

type stubClassifier struct{}

func (stubClassifier) IsVoice([]int16, int) (bool, error) { return true, nil }
func (stubClassifier) Reset() error                       { return nil }
func (stubClassifier) Close() error                       { return nil }

// TestMeter_Observe 平滑后的人声比例
func TestMeter_Observe(t *testing.T) {
	m := NewMeter(nil, device.Constraints{}, stubClassifier{}, 0.5)
	assert.Equal(t, 0.0, m.Level())

	m.Observe(true)
	assert.InDelta(t, 0.5, m.Level(), 1e-9)
	m.Observe(true)
	assert.InDelta(t, 0.75, m.Level(), 1e-9)
	m.Observe(false)
	assert.InDelta(t, 0.375, m.Level(), 1e-9)
}

func TestDownmix(t *testing.T) {
	assert.Equal(t, []int16{2, -3}, downmix(nil, []int16{1, 3, -2, -4}, 2))
	assert.Equal(t, []int16{5, 6}, downmix(nil, []int16{5, 6}, 1))
}

// generateSineWave 生成正弦波数据用于测试
func generateSineWave(sampleRate int, frequency float64, duration float64, amplitude float64) []int16 {
	numSamples := int(float64(sampleRate) * duration)
	samples := make([]int16, numSamples)
	for i := 0; i < numSamples; i++ {
		t := float64(i) / float64(sampleRate)
		samples[i] = int16(amplitude * 32767 * math.Sin(2*math.Pi*frequency*t))
	}
	return samples
}
