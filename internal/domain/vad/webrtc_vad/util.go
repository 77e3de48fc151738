package webrtc_vad

// WebRTCVADConfig WebRTC VAD 配置
type WebRTCVADConfig struct {
	SampleRate int
	Mode       int
	// Smoothing 人声判定结果的指数平滑系数
	Smoothing float64
}

func getVadConfigFromMap(config map[string]interface{}) WebRTCVADConfig {
	vadConfig := WebRTCVADConfig{
		SampleRate: DefaultSampleRate,
		Mode:       DefaultMode,
		Smoothing:  DefaultSmoothing,
	}

	if val, ok := config["vad_sample_rate"]; ok {
		if sampleRate, ok := toInt(val); ok && isValidSampleRate(sampleRate) {
			vadConfig.SampleRate = sampleRate
		}
	}
	if val, ok := config["vad_mode"]; ok {
		if mode, ok := toInt(val); ok && mode >= 0 && mode <= 3 {
			vadConfig.Mode = mode
		}
	}
	if val, ok := config["smoothing"]; ok {
		if s, ok := val.(float64); ok && s >= 0 && s < 1 {
			vadConfig.Smoothing = s
		}
	}
	return vadConfig
}

// viper 反序列化出的数字可能是 int 或 float64
func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
