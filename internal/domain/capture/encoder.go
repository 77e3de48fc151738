package capture

import (
	"encoding/binary"
	"fmt"

	"voice-chat-client-golang/constants"
	"voice-chat-client-golang/internal/domain/audio"
	"voice-chat-client-golang/internal/domain/device"
)

// Encoder 把一个分片的 PCM 编码成一个二进制块
type Encoder interface {
	MimeType() string
	Encode(pcm []int16) ([]byte, error)
}

// NewEncoder 按名称创建编码器
func NewEncoder(codec string, format device.Format, bitRate int) (Encoder, error) {
	switch codec {
	case "", constants.CodecOpus:
		processer, err := audio.GetAudioProcesser(format.SampleRate, format.Channels, bitRate)
		if err != nil {
			return nil, err
		}
		return &OpusEncoder{processer: processer}, nil
	case constants.CodecPcm:
		return &PCMEncoder{sampleRate: format.SampleRate, channels: format.Channels}, nil
	default:
		return nil, fmt.Errorf("unsupported codec: %s", codec)
	}
}

// OpusEncoder 每个分片输出一个 opus 包，分片时长必须是 opus 支持的帧长
type OpusEncoder struct {
	processer *audio.AudioProcesser
}

func (e *OpusEncoder) MimeType() string {
	return "audio/opus"
}

func (e *OpusEncoder) Encode(pcm []int16) ([]byte, error) {
	return e.processer.Encode(pcm)
}

// PCMEncoder 原样输出 16bit 小端 PCM
type PCMEncoder struct {
	sampleRate int
	channels   int
}

func (e *PCMEncoder) MimeType() string {
	return fmt.Sprintf("audio/pcm;rate=%d;channels=%d", e.sampleRate, e.channels)
}

func (e *PCMEncoder) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out, nil
}
