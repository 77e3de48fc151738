package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"voice-chat-client-golang/constants"
	dataaudio "voice-chat-client-golang/internal/data/audio"
	"voice-chat-client-golang/internal/data/conversation"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	// BaseURL HTTP 降级和相对音频地址的基准, 如 http://127.0.0.1:8080
	BaseURL        string `mapstructure:"base_url" json:"base_url"`
	RealtimePath   string `mapstructure:"realtime_path" json:"realtime_path"`
	Token          string `mapstructure:"token" json:"token"`
	ConversationID string `mapstructure:"conversation_id" json:"conversation_id"`
}

type RealtimeConfig struct {
	AutoReconnect        bool          `mapstructure:"auto_reconnect" json:"auto_reconnect"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay" json:"reconnect_delay"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout" json:"handshake_timeout"`
}

type FallbackConfig struct {
	Enable  bool          `mapstructure:"enable" json:"enable"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

type AudioConfig struct {
	Codec            string        `mapstructure:"codec" json:"codec"`
	BitRate          int           `mapstructure:"bit_rate" json:"bit_rate"`
	ChunkDuration    time.Duration `mapstructure:"chunk_duration" json:"chunk_duration"`
	OutputSampleRate int           `mapstructure:"output_sample_rate" json:"output_sample_rate"`
	Volume           float64       `mapstructure:"volume" json:"volume"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`
}

type VadConfig struct {
	// Provider level 或 webrtc_vad
	Provider string                 `mapstructure:"provider" json:"provider"`
	Config   map[string]interface{} `mapstructure:"config" json:"config"`
}

type LogConfig struct {
	Path   string `mapstructure:"path" json:"path"`
	File   string `mapstructure:"file" json:"file"`
	Level  string `mapstructure:"level" json:"level"`
	MaxAge int    `mapstructure:"max_age" json:"max_age"`
	Stdout bool   `mapstructure:"stdout" json:"stdout"`
}

// Config 客户端配置
type Config struct {
	Server       ServerConfig          `mapstructure:"server" json:"server"`
	Realtime     RealtimeConfig        `mapstructure:"realtime" json:"realtime"`
	Fallback     FallbackConfig        `mapstructure:"fallback" json:"fallback"`
	Audio        AudioConfig           `mapstructure:"audio" json:"audio"`
	Vad          VadConfig             `mapstructure:"vad" json:"vad"`
	Conversation conversation.Settings `mapstructure:"conversation" json:"conversation"`
	Log          LogConfig             `mapstructure:"log" json:"log"`
}

// SetDefaults 未配置的项使用默认值
func SetDefaults(v *viper.Viper) {
	defaults := conversation.DefaultSettings()

	v.SetDefault("server.base_url", "http://127.0.0.1:8080")
	v.SetDefault("server.realtime_path", "/api/realtime")

	v.SetDefault("realtime.auto_reconnect", true)
	v.SetDefault("realtime.max_reconnect_attempts", 5)
	v.SetDefault("realtime.reconnect_delay", time.Second)
	v.SetDefault("realtime.handshake_timeout", 10*time.Second)

	v.SetDefault("fallback.enable", true)
	v.SetDefault("fallback.timeout", 60*time.Second)

	v.SetDefault("audio.codec", constants.CodecOpus)
	v.SetDefault("audio.bit_rate", dataaudio.BitRate)
	v.SetDefault("audio.chunk_duration", dataaudio.ChunkDuration*time.Millisecond)
	v.SetDefault("audio.output_sample_rate", dataaudio.OutputSampleRate)
	v.SetDefault("audio.volume", 1.0)
	v.SetDefault("audio.idle_timeout", 800*time.Millisecond)

	v.SetDefault("vad.provider", constants.VadTypeLevel)

	v.SetDefault("conversation.default_input_mode", string(defaults.DefaultInputMode))
	v.SetDefault("conversation.default_audio_mode", string(defaults.DefaultAudioMode))
	v.SetDefault("conversation.vad_sensitivity", defaults.VADSensitivity)
	v.SetDefault("conversation.vad_silence_timeout", defaults.VADSilenceTimeout)
	v.SetDefault("conversation.max_recording_duration", defaults.MaxRecordingDuration)

	v.SetDefault("log.path", "logs/")
	v.SetDefault("log.file", "client.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_age", 7)
	v.SetDefault("log.stdout", false)
}

// configType 按扩展名决定配置格式
func configType(filename string) (string, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	switch ext {
	case "json":
		return "json", nil
	case "yaml", "yml":
		return "yaml", nil
	default:
		return "", fmt.Errorf("unsupported config file type: %s", ext)
	}
}

// LoadConfig 从文件加载配置, 支持 json 和 yaml
func LoadConfig(filename string) (*Config, error) {
	typ, err := configType(filename)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(filename)
	v.SetConfigType(typ)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return fromViper(v)
}

// Default 全部使用默认值的配置
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	c, _ := fromViper(v)
	return c
}

func fromViper(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	c.Conversation = conversation.DefaultSettings().Merge(c.Conversation)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate 检查配置是否可用
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return errors.New("server.base_url 不能为空")
	}
	if _, err := c.RealtimeURL(); err != nil {
		return err
	}
	switch c.Audio.Codec {
	case constants.CodecOpus, constants.CodecPcm:
	default:
		return fmt.Errorf("不支持的上行编码: %s", c.Audio.Codec)
	}
	switch c.Vad.Provider {
	case "", constants.VadTypeLevel, constants.VadTypeWebRTCVad:
	default:
		return fmt.Errorf("不支持的 vad provider: %s", c.Vad.Provider)
	}
	return nil
}

// RealtimeURL 把 BaseURL 换成 ws/wss 并拼上实时接口路径
func (c *Config) RealtimeURL() (string, error) {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return "", fmt.Errorf("server.base_url 无效: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server.base_url 协议不支持: %q", u.Scheme)
	}
	path := c.Server.RealtimePath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

// SaveConfig 保存配置到文件, 统一写成 json
func (c *Config) SaveConfig(filename string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
