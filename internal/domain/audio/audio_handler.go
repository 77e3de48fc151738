package audio

import (
	"errors"
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// opus 单包最大 120ms
const maxOpusFrameMs = 120

var errOpusFrameDuration = errors.New("opus frame duration must be one of 10/20/40/60/80/100/120 ms")

// ValidOpusFrameDuration 检查 opus 单包时长
func ValidOpusFrameDuration(ms int) bool {
	switch ms {
	case 10, 20, 40, 60, 80, 100, 120:
		return true
	}
	return false
}

// AudioProcesser opus 编解码器，采集端用作语音编码，播放端用来解码下行音频
type AudioProcesser struct {
	sampleRate int
	channels   int
	decoder    *opus.Decoder
	encoder    *opus.Encoder
	pcmBuf     []int16
	packetBuf  []byte
}

func GetAudioProcesser(sampleRate int, channels int, bitRate int) (*AudioProcesser, error) {
	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("创建Opus解码器失败: %w", err)
	}
	encoder, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("创建Opus编码器失败: %w", err)
	}
	if bitRate > 0 {
		if err := encoder.SetBitrate(bitRate); err != nil {
			return nil, fmt.Errorf("设置比特率失败: %w", err)
		}
	}
	return &AudioProcesser{
		sampleRate: sampleRate,
		channels:   channels,
		decoder:    decoder,
		encoder:    encoder,
		pcmBuf:     make([]int16, sampleRate*channels*maxOpusFrameMs/1000),
		packetBuf:  make([]byte, 4000),
	}, nil
}

func (a *AudioProcesser) SampleRate() int {
	return a.sampleRate
}

func (a *AudioProcesser) Channels() int {
	return a.channels
}

// Encode 把一段 PCM 编码成单个 opus 包，返回新分配的切片
func (a *AudioProcesser) Encode(pcm []int16) ([]byte, error) {
	if a.encoder == nil {
		return nil, errors.New("encoder is nil")
	}
	ms := len(pcm) / a.channels * 1000 / a.sampleRate
	if !ValidOpusFrameDuration(ms) {
		return nil, errOpusFrameDuration
	}
	n, err := a.encoder.Encode(pcm, a.packetBuf)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, a.packetBuf[:n])
	return out, nil
}

// Decode 解码单个 opus 包，返回交织 PCM 拷贝
func (a *AudioProcesser) Decode(packet []byte) ([]int16, error) {
	if a.decoder == nil {
		return nil, errors.New("decoder is nil")
	}
	n, err := a.decoder.Decode(packet, a.pcmBuf)
	if err != nil {
		return nil, err
	}
	out := make([]int16, n*a.channels)
	copy(out, a.pcmBuf[:n*a.channels])
	return out, nil
}
