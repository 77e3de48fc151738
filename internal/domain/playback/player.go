package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	dataaudio "voice-chat-client-golang/internal/data/audio"
	"voice-chat-client-golang/internal/domain/blob"
	"voice-chat-client-golang/internal/domain/device"
	log "voice-chat-client-golang/logger"

	"github.com/gopxl/beep"
)

var ErrPlaybackFailed = errors.New("playback failed")

const resampleQuality = 4

type Option func(*Player)

func WithBlobStore(s *blob.Store) Option {
	return func(p *Player) { p.blobs = s }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Player) { p.httpClient = c }
}

// WithChunkFormat 没有文件头的分片按此格式解码
func WithChunkFormat(f ChunkFormat) Option {
	return func(p *Player) { p.chunkFormat = f }
}

func WithOnPlay(fn func()) Option {
	return func(p *Player) { p.onPlay = fn }
}

func WithOnPause(fn func()) Option {
	return func(p *Player) { p.onPause = fn }
}

// WithOnEnded 自然播放结束时回调，Stop 打断的不回调
func WithOnEnded(fn func()) Option {
	return func(p *Player) { p.onEnded = fn }
}

// WithOnError 错误都包装了 ErrPlaybackFailed
func WithOnError(fn func(error)) Option {
	return func(p *Player) { p.onError = fn }
}

type session struct {
	cancel    context.CancelFunc
	done      chan struct{}
	url       string
	transient bool
}

// Player 独占一个输出设备，同一时间只播放一路
type Player struct {
	sink        device.Sink
	format      device.Format
	blobs       *blob.Store
	httpClient  *http.Client
	chunkFormat ChunkFormat

	onPlay  func()
	onPause func()
	onEnded func()
	onError func(error)

	// playMu 串行化 Play/Stop，保证不会有两路同时输出
	playMu sync.Mutex

	mu       sync.Mutex
	current  *session
	volume   float64
	paused   bool
	resumeCh chan struct{}
	played   int
	total    int
	playing  bool
	sinkOpen bool
	disposed bool
}

// NewPlayer format 为输出设备格式
func NewPlayer(sink device.Sink, format device.Format, opts ...Option) *Player {
	if format.SampleRate <= 0 {
		format.SampleRate = dataaudio.OutputSampleRate
	}
	if format.Channels <= 0 {
		format.Channels = dataaudio.Channels
	}
	if format.FrameSize <= 0 {
		format.FrameSize = format.SampleRate * dataaudio.FrameDuration / 1000
	}
	p := &Player{
		sink:       sink,
		format:     format,
		blobs:      blob.Default(),
		httpClient: http.DefaultClient,
		chunkFormat: ChunkFormat{
			Codec:      dataaudio.Format,
			SampleRate: dataaudio.OutputSampleRate,
			Channels:   dataaudio.Channels,
		},
		volume: 1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PlayURL 支持 blob:、http(s)://、file:// 和本地路径
func (p *Player) PlayURL(ctx context.Context, url string) {
	p.playClip(ctx, url, false)
}

// PlayBlob 为数据登记临时 URL，停止时释放
func (p *Player) PlayBlob(ctx context.Context, data []byte, mimeType string) {
	p.playClip(ctx, p.blobs.CreateURL(data, mimeType), true)
}

// PlayBuffer 播放内存中的完整音频
func (p *Player) PlayBuffer(ctx context.Context, data []byte) {
	p.PlayBlob(ctx, data, "")
}

func (p *Player) playClip(ctx context.Context, url string, transient bool) {
	p.start(ctx, url, transient, func(ctx context.Context) error {
		data, err := p.load(ctx, url)
		if err != nil {
			return err
		}
		s, f, err := newChunkDecoder(p.chunkFormat).Decode(data)
		if err != nil {
			return err
		}
		if seeker, ok := s.(beep.StreamSeeker); ok {
			p.addTotal(seeker.Len(), f.SampleRate)
		}
		return p.render(ctx, s, f)
	})
}

// PlayChunks 依次播放一组分片
func (p *Player) PlayChunks(ctx context.Context, chunks [][]byte) {
	ch := make(chan []byte, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	p.PlayStream(ctx, ch)
}

// PlayStream 边收边播，通道关闭且全部播完后回调 OnEnded
// 单个分片解码失败只记录日志并跳过
func (p *Player) PlayStream(ctx context.Context, chunks <-chan []byte) {
	p.start(ctx, "", false, func(ctx context.Context) error {
		decoder := newChunkDecoder(p.chunkFormat)
		index := 0
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case data, ok := <-chunks:
				if !ok {
					return nil
				}
				index++
				if err := p.playChunk(ctx, decoder, index, data); err != nil {
					return err
				}
			}
		}
	})
}

// OpenStream 开一路无界缓冲的流式播放，返回的 Stream 用于持续追加分片
// 流关闭且队列播空后回调 OnEnded
func (p *Player) OpenStream(ctx context.Context) *Stream {
	st := newStream()
	started := p.start(ctx, "", false, func(ctx context.Context) error {
		defer st.finish()
		decoder := newChunkDecoder(p.chunkFormat)
		index := 0
		for {
			data, err := st.next(ctx)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			index++
			if err := p.playChunk(ctx, decoder, index, data); err != nil {
				return err
			}
		}
	})
	if !started {
		st.finish()
	}
	return st
}

func (p *Player) playChunk(ctx context.Context, decoder *chunkDecoder, index int, data []byte) error {
	s, f, err := decoder.Decode(data)
	if err != nil {
		log.Warnf("音频分片 %d 解码失败, 跳过: %v", index, err)
		return nil
	}
	if seeker, ok := s.(beep.StreamSeeker); ok {
		p.addTotal(seeker.Len(), f.SampleRate)
	}
	return p.render(ctx, s, f)
}

// start 停掉上一路后异步播放，播放器已释放时返回 false
func (p *Player) start(ctx context.Context, url string, transient bool, run func(ctx context.Context) error) bool {
	p.playMu.Lock()
	defer p.playMu.Unlock()

	p.stopLocked()

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		if transient {
			p.blobs.Revoke(url)
		}
		p.reportError(fmt.Errorf("%w: player disposed", ErrPlaybackFailed))
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &session{cancel: cancel, done: make(chan struct{}), url: url, transient: transient}
	p.current = s
	p.played = 0
	p.total = 0
	p.paused = false
	p.playing = true
	p.mu.Unlock()

	go func() {
		defer close(s.done)
		defer cancel()

		if p.onPlay != nil {
			p.onPlay()
		}
		err := run(ctx)

		p.mu.Lock()
		stillCurrent := p.current == s
		if stillCurrent {
			p.playing = false
		}
		p.mu.Unlock()

		switch {
		case ctx.Err() != nil && !stillCurrent:
			// 被 Stop 或新的播放打断
		case ctx.Err() != nil:
			// 外部 ctx 取消
		case err != nil:
			p.reportError(fmt.Errorf("%w: %v", ErrPlaybackFailed, err))
		default:
			if p.onEnded != nil {
				p.onEnded()
			}
		}
	}()
	return true
}

func (p *Player) reportError(err error) {
	log.Errorf("播放失败: %v", err)
	if p.onError != nil {
		p.onError(err)
	}
}

func (p *Player) load(ctx context.Context, url string) ([]byte, error) {
	switch {
	case blob.IsBlobURL(url):
		b, err := p.blobs.Get(url)
		if err != nil {
			return nil, err
		}
		return b.Data, nil
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := p.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	default:
		return os.ReadFile(strings.TrimPrefix(url, "file://"))
	}
}

func (p *Player) addTotal(frames int, rate beep.SampleRate) {
	if rate <= 0 {
		return
	}
	sinkFrames := int(int64(frames) * int64(p.format.SampleRate) / int64(rate))
	p.mu.Lock()
	p.total += sinkFrames
	p.mu.Unlock()
}

// render 重采样到设备采样率，按帧写入设备
func (p *Player) render(ctx context.Context, s beep.Streamer, f beep.Format) error {
	if err := p.openSink(); err != nil {
		return err
	}
	if f.SampleRate > 0 && int(f.SampleRate) != p.format.SampleRate {
		s = beep.Resample(resampleQuality, f.SampleRate, beep.SampleRate(p.format.SampleRate), s)
	}
	channels := p.format.Channels
	buf := make([][2]float64, p.format.FrameSize)
	pcm := make([]int16, p.format.FrameSize*channels)
	for {
		if err := p.waitIfPaused(ctx); err != nil {
			return err
		}
		n, ok := s.Stream(buf)
		if n > 0 {
			volume := p.Volume()
			for i := 0; i < n; i++ {
				if channels == 1 {
					pcm[i] = toInt16((buf[i][0] + buf[i][1]) / 2 * volume)
					continue
				}
				pcm[i*channels] = toInt16(buf[i][0] * volume)
				pcm[i*channels+1] = toInt16(buf[i][1] * volume)
			}
			if err := p.sink.Write(pcm[:n*channels]); err != nil {
				return err
			}
			p.mu.Lock()
			p.played += n
			p.mu.Unlock()
		}
		if !ok {
			return s.Err()
		}
	}
}

func toInt16(v float64) int16 {
	v = math.Max(-1, math.Min(1, v))
	return int16(v * 32767)
}

func (p *Player) openSink() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sinkOpen {
		return nil
	}
	if err := p.sink.Open(p.format); err != nil {
		return fmt.Errorf("%w: %v", device.ErrDeviceUnavailable, err)
	}
	p.sinkOpen = true
	return nil
}

func (p *Player) waitIfPaused(ctx context.Context) error {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return ctx.Err()
	}
	ch := p.resumeCh
	p.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

func (p *Player) Pause() {
	p.mu.Lock()
	if p.current == nil || !p.playing || p.paused {
		p.mu.Unlock()
		return
	}
	p.paused = true
	p.resumeCh = make(chan struct{})
	p.mu.Unlock()
	if p.onPause != nil {
		p.onPause()
	}
}

func (p *Player) Resume() {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return
	}
	p.paused = false
	close(p.resumeCh)
	p.mu.Unlock()
	if p.onPlay != nil {
		p.onPlay()
	}
}

// Stop 停止并把播放位置归零，释放临时 URL，任何时候调用都安全
func (p *Player) Stop() {
	p.playMu.Lock()
	defer p.playMu.Unlock()
	p.stopLocked()
}

func (p *Player) stopLocked() {
	p.mu.Lock()
	s := p.current
	p.current = nil
	if p.paused {
		p.paused = false
		close(p.resumeCh)
	}
	p.mu.Unlock()
	if s == nil {
		return
	}

	s.cancel()
	<-s.done
	if s.transient {
		p.blobs.Revoke(s.url)
	}

	p.mu.Lock()
	p.played = 0
	p.total = 0
	p.playing = false
	p.mu.Unlock()
}

// SetVolume 限制在 [0,1]，对后续播放持续生效
func (p *Player) SetVolume(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = math.Max(0, math.Min(1, v))
}

func (p *Player) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

func (p *Player) CurrentTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return framesToDuration(p.played, p.format.SampleRate)
}

// Duration 已知的总时长，流式播放时随分片增长
func (p *Player) Duration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return framesToDuration(p.total, p.format.SampleRate)
}

func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing && !p.paused
}

// Dispose 停止播放并关闭设备
func (p *Player) Dispose() error {
	p.Stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return nil
	}
	p.disposed = true
	if p.sinkOpen {
		p.sinkOpen = false
		return p.sink.Close()
	}
	return nil
}

func framesToDuration(frames, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(rate))
}
