package constants

// VAD 响度来源
const (
	VadTypeLevel     = "level"
	VadTypeWebRTCVad = "webrtc_vad"
)

// 录音编码格式
const (
	CodecOpus = "opus"
	CodecPcm  = "pcm"
	CodecWav  = "wav"
	CodecMp3  = "mp3"
)

// 传输方式
const (
	TransportRealtime = "realtime"
	TransportHttp     = "http"
)

// 输入模式与语音子模式
const (
	InputModeText  = "text"
	InputModeAudio = "audio"

	AudioModePtt = "ptt"
	AudioModeVad = "vad"
)

// WebSocket 关闭码
const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
)
