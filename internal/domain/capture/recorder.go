package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	dataaudio "voice-chat-client-golang/internal/data/audio"
	"voice-chat-client-golang/internal/domain/audio"
	"voice-chat-client-golang/internal/domain/blob"
	"voice-chat-client-golang/internal/domain/device"
	"voice-chat-client-golang/internal/util"
	log "voice-chat-client-golang/logger"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/jonboulle/clockwork"
)

var (
	ErrRecorderNotActive = errors.New("recorder not active")
	ErrRecorderDisposed  = errors.New("recorder disposed")
)

// 电平条使用的分析参数
const (
	LevelFFTSize   = 256
	LevelSmoothing = 0.8
)

// RecordingResult 一次录音的完整产物
type RecordingResult struct {
	// Data 全部分片按顺序拼接
	Data     []byte
	Chunks   [][]byte
	Duration time.Duration
	// URL 录音 PCM 渲染成 WAV 后的 blob 地址，用完需 Revoke
	URL      string
	MimeType string
}

type EncoderFactory func(format device.Format) (Encoder, error)

type Option func(*Recorder)

func WithClock(clock clockwork.Clock) Option {
	return func(r *Recorder) { r.clock = clock }
}

func WithChunkInterval(d time.Duration) Option {
	return func(r *Recorder) { r.chunkInterval = d }
}

func WithLevelInterval(d time.Duration) Option {
	return func(r *Recorder) { r.levelInterval = d }
}

func WithCodec(codec string, bitRate int) Option {
	return func(r *Recorder) {
		r.newEncoder = func(format device.Format) (Encoder, error) {
			return NewEncoder(codec, format, bitRate)
		}
	}
}

func WithEncoderFactory(f EncoderFactory) Option {
	return func(r *Recorder) { r.newEncoder = f }
}

func WithBlobStore(s *blob.Store) Option {
	return func(r *Recorder) { r.blobs = s }
}

// WithOnDataAvailable 每产生一个分片回调一次，在采集协程中执行，不要在回调里调用 Stop
func WithOnDataAvailable(fn func(chunk []byte)) Option {
	return func(r *Recorder) { r.onData = fn }
}

func WithOnAudioLevel(fn func(level float64)) Option {
	return func(r *Recorder) { r.onLevel = fn }
}

// Recorder 独占一路麦克风，按固定时长切片编码，同时输出实时电平
type Recorder struct {
	clock         clockwork.Clock
	chunkInterval time.Duration
	levelInterval time.Duration
	newEncoder    EncoderFactory
	blobs         *blob.Store
	onData        func([]byte)
	onLevel       func(float64)
	monitor       *audio.Monitor

	// emitMu 覆盖编码和回调，保证 Stop 返回后不会再有分片送出
	emitMu sync.Mutex
	mu     sync.Mutex

	initialized  bool
	disposed     bool
	recording    bool
	format       device.Format
	encoder      Encoder
	chunkSamples int
	pending      []int16
	captured     []int16
	chunks       [][]byte
	startedAt    time.Time
	levelTicker  *util.Periodic
}

// NewRecorder 请求开启回声消除、降噪和自动增益
func NewRecorder(source device.Source, opts ...Option) *Recorder {
	r := &Recorder{
		clock:         clockwork.NewRealClock(),
		chunkInterval: dataaudio.ChunkDuration * time.Millisecond,
		levelInterval: dataaudio.LevelInterval,
		blobs:         blob.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.newEncoder == nil {
		WithCodec(dataaudio.Format, dataaudio.BitRate)(r)
	}

	constraints := device.Constraints{
		SampleRate:       dataaudio.SampleRate,
		Channels:         dataaudio.Channels,
		FrameSize:        dataaudio.SampleRate * dataaudio.FrameDuration / 1000,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
	r.monitor = audio.NewMonitor(source, constraints, LevelFFTSize, LevelSmoothing, audio.WithFrameTap(r.onFrame))
	return r
}

// Initialize 打开设备，失败时返回 device.ErrDeviceUnavailable
func (r *Recorder) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initializeLocked()
}

func (r *Recorder) initializeLocked() error {
	if r.disposed {
		return ErrRecorderDisposed
	}
	if r.initialized {
		return nil
	}
	if err := r.monitor.Open(); err != nil {
		return err
	}
	format := r.monitor.Format()
	encoder, err := r.newEncoder(format)
	if err != nil {
		r.monitor.Close()
		return fmt.Errorf("创建编码器失败: %w", err)
	}
	r.format = format
	r.encoder = encoder
	r.chunkSamples = int(int64(format.SampleRate)*r.chunkInterval.Milliseconds()/1000) * format.Channels
	r.initialized = true
	log.Debugf("录音设备已打开: %+v, 分片采样数: %d", format, r.chunkSamples)
	return nil
}

// Start 开始录音，未初始化时先初始化；是否重复调用由调用方保证
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.initializeLocked(); err != nil {
		return err
	}
	if r.recording {
		return nil
	}
	r.resetBuffersLocked()
	r.recording = true
	r.startedAt = r.clock.Now()
	if r.onLevel != nil {
		onLevel := r.onLevel
		r.levelTicker = util.Every(ctx, r.clock, r.levelInterval, func() {
			onLevel(r.monitor.Level())
		})
	}
	return nil
}

func (r *Recorder) onFrame(pcm []int16, format device.Format) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return
	}
	r.captured = append(r.captured, pcm...)
	r.pending = append(r.pending, pcm...)
	var out [][]byte
	for r.chunkSamples > 0 && len(r.pending) >= r.chunkSamples {
		if chunk := r.encodeLocked(r.pending[:r.chunkSamples]); chunk != nil {
			out = append(out, chunk)
		}
		r.pending = append(r.pending[:0], r.pending[r.chunkSamples:]...)
	}
	onData := r.onData
	r.mu.Unlock()

	if onData != nil {
		for _, chunk := range out {
			onData(chunk)
		}
	}
}

// encodeLocked 编码失败的分片丢弃，不中断录音
func (r *Recorder) encodeLocked(pcm []int16) []byte {
	chunk, err := r.encoder.Encode(pcm)
	if err != nil {
		log.Warnf("录音分片编码失败: %v", err)
		return nil
	}
	if len(chunk) == 0 {
		return nil
	}
	r.chunks = append(r.chunks, chunk)
	return chunk
}

// Stop 结束录音并返回完整产物，没有进行中的录音时返回 ErrRecorderNotActive
func (r *Recorder) Stop() (*RecordingResult, error) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil, ErrRecorderNotActive
	}
	r.recording = false
	ticker := r.levelTicker
	r.levelTicker = nil

	// 不足一片的尾巴补静音后编码
	var tail []byte
	if len(r.pending) > 0 && r.chunkSamples > 0 {
		padded := make([]int16, r.chunkSamples)
		copy(padded, r.pending)
		tail = r.encodeLocked(padded)
	}

	chunks := r.chunks
	captured := r.captured
	format := r.format
	mimeType := r.encoder.MimeType()
	duration := r.clock.Since(r.startedAt)
	onData := r.onData
	r.resetBuffersLocked()
	r.mu.Unlock()

	ticker.Stop()
	if tail != nil && onData != nil {
		onData(tail)
	}

	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	data := make([]byte, 0, size)
	for _, c := range chunks {
		data = append(data, c...)
	}

	result := &RecordingResult{
		Data:     data,
		Chunks:   chunks,
		Duration: duration,
		MimeType: mimeType,
	}
	wavData, err := renderWav(captured, format)
	if err != nil {
		log.Warnf("录音渲染 WAV 失败: %v", err)
	} else {
		result.URL = r.blobs.CreateURL(wavData, "audio/wav")
	}
	log.Debugf("录音结束, 分片数: %d, 大小: %d, 时长: %v", len(chunks), len(data), duration)
	return result, nil
}

// Cancel 丢弃本次录音，设备保持打开以便快速重新开始
func (r *Recorder) Cancel() {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	ticker := r.levelTicker
	r.levelTicker = nil
	r.recording = false
	r.resetBuffersLocked()
	r.mu.Unlock()

	ticker.Stop()
}

func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Level 当前电平
func (r *Recorder) Level() float64 {
	return r.monitor.Level()
}

// Dispose 释放设备，之后不可再用
func (r *Recorder) Dispose() error {
	r.Cancel()
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return nil
	}
	r.disposed = true
	r.initialized = false
	r.mu.Unlock()
	return r.monitor.Close()
}

func (r *Recorder) resetBuffersLocked() {
	r.pending = nil
	r.captured = nil
	r.chunks = nil
}

func renderWav(pcm []int16, format device.Format) ([]byte, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, errors.New("invalid format")
	}
	out := &util.WriteSeekBuffer{}
	enc := wav.NewEncoder(out, format.SampleRate, 16, format.Channels, 1)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: format.Channels,
			SampleRate:  format.SampleRate,
		},
		SourceBitDepth: 16,
		Data:           make([]int, len(pcm)),
	}
	for i, s := range pcm {
		buf.Data[i] = int(s)
	}
	if err := enc.Write(buf); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
