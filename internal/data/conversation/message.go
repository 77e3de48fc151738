package conversation

import (
	"time"

	"voice-chat-client-golang/constants"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeAudio MessageType = "audio"
)

type Status string

const (
	StatusSending   Status = "sending"
	StatusStreaming Status = "streaming"
	StatusSent      Status = "sent"
	StatusError     Status = "error"
)

// rank 状态只能前进: sending/streaming -> sent -> error
func (s Status) rank() int {
	switch s {
	case StatusSending, StatusStreaming:
		return 0
	case StatusSent:
		return 1
	case StatusError:
		return 2
	}
	return -1
}

// Valid 是否为已知状态
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// CanTransition 判断状态迁移是否合法
func (s Status) CanTransition(to Status) bool {
	if to.rank() < 0 || s.rank() < 0 {
		return false
	}
	if s == to {
		return true
	}
	if s == StatusError {
		return false
	}
	if to == StatusError {
		return true
	}
	// sending 与 streaming 之间不能互相切换
	return to.rank() > s.rank()
}

type InputMode string

const (
	InputModeText  InputMode = constants.InputModeText
	InputModeAudio InputMode = constants.InputModeAudio
)

type AudioMode string

const (
	AudioModePTT AudioMode = constants.AudioModePtt
	AudioModeVAD AudioMode = constants.AudioModeVad
)

type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionReconnecting ConnectionState = "reconnecting"
)

// Message 对话中的一轮
type Message struct {
	ID            string        `json:"id"`
	Role          Role          `json:"role"`
	Type          MessageType   `json:"type"`
	Content       string        `json:"content"`
	AudioURL      string        `json:"audioUrl,omitempty"`
	AudioDuration time.Duration `json:"audioDuration,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	Status        Status        `json:"status"`
}

// Settings 构造时合并一次，之后只读
type Settings struct {
	DefaultInputMode     InputMode     `mapstructure:"default_input_mode" json:"default_input_mode"`
	DefaultAudioMode     AudioMode     `mapstructure:"default_audio_mode" json:"default_audio_mode"`
	VADSensitivity       float64       `mapstructure:"vad_sensitivity" json:"vad_sensitivity"`
	VADSilenceTimeout    time.Duration `mapstructure:"vad_silence_timeout" json:"vad_silence_timeout"`
	MaxRecordingDuration time.Duration `mapstructure:"max_recording_duration" json:"max_recording_duration"`
}

func DefaultSettings() Settings {
	return Settings{
		DefaultInputMode:     InputModeText,
		DefaultAudioMode:     AudioModePTT,
		VADSensitivity:       0.5,
		VADSilenceTimeout:    1500 * time.Millisecond,
		MaxRecordingDuration: 60 * time.Second,
	}
}

// Merge 未设置的字段使用默认值
func (s Settings) Merge(override Settings) Settings {
	out := s
	if override.DefaultInputMode != "" {
		out.DefaultInputMode = override.DefaultInputMode
	}
	if override.DefaultAudioMode != "" {
		out.DefaultAudioMode = override.DefaultAudioMode
	}
	if override.VADSensitivity > 0 {
		out.VADSensitivity = override.VADSensitivity
	}
	if override.VADSilenceTimeout > 0 {
		out.VADSilenceTimeout = override.VADSilenceTimeout
	}
	if override.MaxRecordingDuration > 0 {
		out.MaxRecordingDuration = override.MaxRecordingDuration
	}
	return out
}
