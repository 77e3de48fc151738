package vad

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"voice-chat-client-golang/internal/domain/vad/inter"
	"voice-chat-client-golang/internal/util"
	log "voice-chat-client-golang/logger"

	"github.com/jonboulle/clockwork"
)

var ErrDetectorDisposed = errors.New("vad detector disposed")

const (
	DefaultSpeechThreshold   = 0.3
	DefaultSilenceThreshold  = 0.1
	DefaultSilenceTimeout    = 1500 * time.Millisecond
	DefaultMinSpeechDuration = 250 * time.Millisecond
	DefaultMaxDuration       = 60 * time.Second
	DefaultSampleInterval    = 16 * time.Millisecond
)

// Options 检测参数，运行中可通过 UpdateOptions 修改
type Options struct {
	SpeechThreshold   float64
	SilenceThreshold  float64
	SilenceTimeout    time.Duration
	MinSpeechDuration time.Duration
	MaxDuration       time.Duration
	SampleInterval    time.Duration
}

func DefaultOptions() Options {
	return Options{
		SpeechThreshold:   DefaultSpeechThreshold,
		SilenceThreshold:  DefaultSilenceThreshold,
		SilenceTimeout:    DefaultSilenceTimeout,
		MinSpeechDuration: DefaultMinSpeechDuration,
		MaxDuration:       DefaultMaxDuration,
		SampleInterval:    DefaultSampleInterval,
	}
}

type Option func(*Detector)

func WithSpeechThreshold(v float64) Option {
	return func(d *Detector) { d.opts.SpeechThreshold = v }
}

func WithSilenceThreshold(v float64) Option {
	return func(d *Detector) { d.opts.SilenceThreshold = v }
}

func WithSilenceTimeout(v time.Duration) Option {
	return func(d *Detector) { d.opts.SilenceTimeout = v }
}

func WithMinSpeechDuration(v time.Duration) Option {
	return func(d *Detector) { d.opts.MinSpeechDuration = v }
}

func WithMaxDuration(v time.Duration) Option {
	return func(d *Detector) { d.opts.MaxDuration = v }
}

func WithSampleInterval(v time.Duration) Option {
	return func(d *Detector) { d.opts.SampleInterval = v }
}

// WithSensitivity 灵敏度 [0,1] 映射为两个阈值，0.5 对应默认阈值
func WithSensitivity(s float64) Option {
	return func(d *Detector) {
		s = math.Max(0, math.Min(1, s))
		speech := math.Max(0.02, 0.6*(1-s))
		d.opts.SpeechThreshold = speech
		d.opts.SilenceThreshold = speech / 3
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(d *Detector) { d.clock = clock }
}

// 回调在锁外执行，不要在回调里同步调用 Stop/Dispose
func WithOnSpeechStart(fn func()) Option {
	return func(d *Detector) { d.onSpeechStart = fn }
}

func WithOnSpeechEnd(fn func()) Option {
	return func(d *Detector) { d.onSpeechEnd = fn }
}

func WithOnVolumeChange(fn func(level float64)) Option {
	return func(d *Detector) { d.onVolumeChange = fn }
}

// Detector 阈值加计时器的语音活动状态机
//
// 未说话时响度需持续高于 SpeechThreshold 达 MinSpeechDuration 才确认开始说话；
// 说话中响度持续低于 SilenceThreshold 达 SilenceTimeout 判定结束；
// 从开始说话算起累计达到 MaxDuration 时无论响度强制结束。
type Detector struct {
	mu    sync.Mutex
	opts  Options
	clock clockwork.Clock
	meter inter.Meter

	onSpeechStart  func()
	onSpeechEnd    func()
	onVolumeChange func(float64)

	initialized bool
	disposed    bool
	listening   bool
	speaking    bool
	// 零值表示未开始计时
	speechStart    time.Time
	silenceStart   time.Time
	speechDuration time.Duration

	ticker *util.Periodic
}

// NewDetector meter 为空时不启动采样循环，由调用方驱动 Sample
func NewDetector(meter inter.Meter, opts ...Option) *Detector {
	d := &Detector{
		opts:  DefaultOptions(),
		meter: meter,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.opts.SilenceThreshold > d.opts.SpeechThreshold {
		d.opts.SilenceThreshold = d.opts.SpeechThreshold
	}
	return d
}

// Initialize 打开响度来源
func (d *Detector) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initializeLocked()
}

func (d *Detector) initializeLocked() error {
	if d.disposed {
		return ErrDetectorDisposed
	}
	if d.initialized {
		return nil
	}
	if d.meter != nil {
		if err := d.meter.Open(); err != nil {
			return err
		}
	}
	d.initialized = true
	return nil
}

// Start 开始监听，未初始化时先初始化，重复调用无副作用
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.initializeLocked(); err != nil {
		return err
	}
	if d.listening {
		return nil
	}
	d.resetLocked()
	d.listening = true
	if d.meter != nil {
		meter := d.meter
		d.ticker = util.Every(ctx, d.clock, d.opts.SampleInterval, func() {
			d.Sample(meter.Level())
		})
	}
	log.Debugf("vad 开始监听, 参数: %+v", d.opts)
	return nil
}

// Stop 停止监听，说话中会补发一次 speech-end，任何时候调用都安全
func (d *Detector) Stop() {
	d.mu.Lock()
	ticker := d.ticker
	d.ticker = nil
	d.mu.Unlock()

	// 等采样协程退出后再改状态，保证 start/end 成对且有序
	ticker.Stop()

	d.mu.Lock()
	wasSpeaking := d.speaking
	d.listening = false
	d.resetLocked()
	onEnd := d.onSpeechEnd
	d.mu.Unlock()

	if wasSpeaking && onEnd != nil {
		onEnd()
	}
}

// Sample 处理一个响度采样
func (d *Detector) Sample(level float64) {
	now := d.clock.Now()

	d.mu.Lock()
	if !d.listening {
		d.mu.Unlock()
		return
	}
	var fireStart, fireEnd bool
	o := d.opts
	if !d.speaking {
		if level >= o.SpeechThreshold {
			if d.speechStart.IsZero() {
				d.speechStart = now
			}
			if now.Sub(d.speechStart) >= o.MinSpeechDuration {
				d.speaking = true
				d.silenceStart = time.Time{}
				fireStart = true
			}
		} else {
			d.speechStart = time.Time{}
		}
	} else {
		d.speechDuration = now.Sub(d.speechStart)
		switch {
		case d.speechDuration >= o.MaxDuration:
			log.Debugf("vad 达到最大时长 %v, 强制结束", o.MaxDuration)
			d.resetLocked()
			fireEnd = true
		case level < o.SilenceThreshold:
			if d.silenceStart.IsZero() {
				d.silenceStart = now
			}
			if now.Sub(d.silenceStart) >= o.SilenceTimeout {
				d.resetLocked()
				fireEnd = true
			}
		default:
			d.silenceStart = time.Time{}
		}
	}
	onVolume, onStart, onEnd := d.onVolumeChange, d.onSpeechStart, d.onSpeechEnd
	d.mu.Unlock()

	if onVolume != nil {
		onVolume(level)
	}
	if fireStart && onStart != nil {
		onStart()
	}
	if fireEnd && onEnd != nil {
		onEnd()
	}
}

// UpdateOptions 运行中修改参数，采样间隔在下次 Start 时生效
func (d *Detector) UpdateOptions(opts ...Option) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, opt := range opts {
		opt(d)
	}
	if d.opts.SilenceThreshold > d.opts.SpeechThreshold {
		d.opts.SilenceThreshold = d.opts.SpeechThreshold
	}
}

func (d *Detector) Options() Options {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts
}

func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

func (d *Detector) Listening() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listening
}

// Dispose 停止并释放响度来源，之后不可再用
func (d *Detector) Dispose() error {
	d.Stop()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposed {
		return nil
	}
	d.disposed = true
	d.initialized = false
	if d.meter == nil {
		return nil
	}
	if disposer, ok := d.meter.(interface{ Dispose() error }); ok {
		return disposer.Dispose()
	}
	return d.meter.Close()
}

func (d *Detector) resetLocked() {
	d.speaking = false
	d.speechStart = time.Time{}
	d.silenceStart = time.Time{}
	d.speechDuration = 0
}
