package playback

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"voice-chat-client-golang/constants"
	"voice-chat-client-golang/internal/domain/audio"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/mp3"
	"github.com/gopxl/beep/wav"
)

var errEmptyChunk = errors.New("empty audio chunk")

// ChunkFormat 没有文件头的裸数据按此格式解码
type ChunkFormat struct {
	Codec      string
	SampleRate int
	Channels   int
}

// chunkDecoder 对每个分片独立解码，opus 解码器在同一路流内复用
type chunkDecoder struct {
	format    ChunkFormat
	processer *audio.AudioProcesser
}

func newChunkDecoder(format ChunkFormat) *chunkDecoder {
	if format.Channels <= 0 {
		format.Channels = 1
	}
	return &chunkDecoder{format: format}
}

// Decode 先按文件头嗅探 WAV / MP3，否则按配置的裸格式处理
func (d *chunkDecoder) Decode(data []byte) (beep.Streamer, beep.Format, error) {
	if len(data) == 0 {
		return nil, beep.Format{}, errEmptyChunk
	}
	switch sniff(data) {
	case constants.CodecWav:
		s, f, err := wav.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, beep.Format{}, fmt.Errorf("WAV解码失败: %w", err)
		}
		return s, f, nil
	case constants.CodecMp3:
		s, f, err := mp3.Decode(io.NopCloser(bytes.NewReader(data)))
		if err != nil {
			return nil, beep.Format{}, fmt.Errorf("MP3解码失败: %w", err)
		}
		return s, f, nil
	}

	format := beep.Format{
		SampleRate:  beep.SampleRate(d.format.SampleRate),
		NumChannels: d.format.Channels,
		Precision:   2,
	}
	switch d.format.Codec {
	case constants.CodecOpus:
		if d.processer == nil {
			processer, err := audio.GetAudioProcesser(d.format.SampleRate, d.format.Channels, 0)
			if err != nil {
				return nil, beep.Format{}, err
			}
			d.processer = processer
		}
		pcm, err := d.processer.Decode(data)
		if err != nil {
			return nil, beep.Format{}, fmt.Errorf("Opus解码失败: %w", err)
		}
		return newPCMStreamer(pcm, d.format.Channels), format, nil
	case constants.CodecPcm:
		if len(data)%(2*d.format.Channels) != 0 {
			return nil, beep.Format{}, fmt.Errorf("PCM数据长度 %d 不是整帧", len(data))
		}
		pcm := make([]int16, len(data)/2)
		for i := range pcm {
			pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
		}
		return newPCMStreamer(pcm, d.format.Channels), format, nil
	default:
		return nil, beep.Format{}, fmt.Errorf("unsupported codec: %s", d.format.Codec)
	}
}

func sniff(data []byte) string {
	switch {
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return constants.CodecWav
	case len(data) >= 3 && string(data[:3]) == "ID3":
		return constants.CodecMp3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return constants.CodecMp3
	}
	return ""
}

// pcmStreamer 把交织 int16 PCM 包装成 beep.StreamSeeker
type pcmStreamer struct {
	samples  []int16
	channels int
	pos      int
}

func newPCMStreamer(samples []int16, channels int) *pcmStreamer {
	return &pcmStreamer{samples: samples, channels: channels}
}

func (s *pcmStreamer) Stream(out [][2]float64) (int, bool) {
	frames := s.Len()
	if s.pos >= frames {
		return 0, false
	}
	n := 0
	for n < len(out) && s.pos < frames {
		base := s.pos * s.channels
		l := float64(s.samples[base]) / 32768
		r := l
		if s.channels > 1 {
			r = float64(s.samples[base+1]) / 32768
		}
		out[n] = [2]float64{l, r}
		n++
		s.pos++
	}
	return n, true
}

func (s *pcmStreamer) Err() error {
	return nil
}

func (s *pcmStreamer) Len() int {
	return len(s.samples) / s.channels
}

func (s *pcmStreamer) Position() int {
	return s.pos
}

func (s *pcmStreamer) Seek(p int) error {
	if p < 0 || p > s.Len() {
		return fmt.Errorf("seek position %d out of range [0, %d]", p, s.Len())
	}
	s.pos = p
	return nil
}
