package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"voice-chat-client-golang/constants"
	"voice-chat-client-golang/internal/app/client/httpclient"
	"voice-chat-client-golang/internal/app/client/realtime"
	"voice-chat-client-golang/internal/app/client/types"
	. "voice-chat-client-golang/internal/data/conversation"
	"voice-chat-client-golang/internal/data/msg"
	"voice-chat-client-golang/internal/domain/blob"
	"voice-chat-client-golang/internal/domain/capture"
	conv "voice-chat-client-golang/internal/domain/conversation"
	"voice-chat-client-golang/internal/domain/device"
	"voice-chat-client-golang/internal/domain/playback"
	"voice-chat-client-golang/internal/domain/vad"
	"voice-chat-client-golang/internal/domain/vad/inter"
	"voice-chat-client-golang/internal/util"
	log "voice-chat-client-golang/logger"

	"github.com/jonboulle/clockwork"
)

var (
	ErrCannotSend    = errors.New("cannot send in current state")
	ErrSessionClosed = errors.New("session closed")
)

const (
	// DefaultAudioIdleTimeout 超过该时间没有新的音频分片即关闭输入，之后到达的分片接着播放
	DefaultAudioIdleTimeout = 800 * time.Millisecond
	durationTickInterval    = 100 * time.Millisecond
	fallbackAudioFilename   = "recording.wav"
)

type Option func(*Session)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Session) { s.clock = clock }
}

func WithSettings(settings Settings) Option {
	return func(s *Session) { s.settings = DefaultSettings().Merge(settings) }
}

// WithFallback 实时连接重连耗尽后改走 HTTP
func WithFallback(c *httpclient.Client) Option {
	return func(s *Session) { s.fallback = c }
}

// WithMeter 提供 VAD 的响度来源，不设置时不支持 VAD 模式
func WithMeter(meter inter.Meter) Option {
	return func(s *Session) { s.meter = meter }
}

func WithBlobStore(store *blob.Store) Option {
	return func(s *Session) { s.blobs = store }
}

func WithOutputFormat(format device.Format) Option {
	return func(s *Session) { s.outputFormat = format }
}

func WithAudioIdleTimeout(d time.Duration) Option {
	return func(s *Session) { s.audioIdleTimeout = d }
}

func WithRealtimeOptions(opts ...realtime.Option) Option {
	return func(s *Session) { s.rtOpts = append(s.rtOpts, opts...) }
}

func WithRecorderOptions(opts ...capture.Option) Option {
	return func(s *Session) { s.recOpts = append(s.recOpts, opts...) }
}

func WithPlayerOptions(opts ...playback.Option) Option {
	return func(s *Session) { s.playOpts = append(s.playOpts, opts...) }
}

func WithDetectorOptions(opts ...vad.Option) Option {
	return func(s *Session) { s.vadOpts = append(s.vadOpts, opts...) }
}

// Session 把对话状态、实时连接、采集、VAD 和播放串起来
//
// 所有回调和用户操作都投递到同一个事件循环里串行执行，
// 只有音频分片上行和电平更新直接在采集协程里完成。
type Session struct {
	clock            clockwork.Clock
	settings         Settings
	fallback         *httpclient.Client
	meter            inter.Meter
	blobs            *blob.Store
	outputFormat     device.Format
	audioIdleTimeout time.Duration
	rtOpts           []realtime.Option
	recOpts          []capture.Option
	playOpts         []playback.Option
	vadOpts          []vad.Option

	store    *conv.Store
	rt       *realtime.Client
	recorder *capture.Recorder
	detector *vad.Detector
	player   *playback.Player

	ctx    context.Context
	cancel context.CancelFunc
	events *util.Queue[func()]
	wake   chan struct{}
	done   chan struct{}

	useFallback atomic.Bool

	// 以下字段只在事件循环中访问
	stat           *Statistic
	streamID       string
	pendingAudioID string
	recordStart    time.Time
	durationTicker *util.Periodic
	audioStream    *playback.Stream
	audioSeq       uint64
	audioIdle      clockwork.Timer
}

// New 创建会话并启动事件循环，source 和 sink 分别是麦克风和扬声器
func New(pctx context.Context, dialer types.Dialer, source device.Source, sink device.Sink, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(pctx)
	s := &Session{
		clock:            clockwork.NewRealClock(),
		settings:         DefaultSettings(),
		blobs:            blob.Default(),
		audioIdleTimeout: DefaultAudioIdleTimeout,
		ctx:              ctx,
		cancel:           cancel,
		events:           util.NewQueue[func()](),
		wake:             make(chan struct{}, 1),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.stat = NewStatistic(s.clock)
	s.store = conv.NewStore(conv.WithSettings(s.settings), conv.WithClock(s.clock))

	rtOpts := append([]realtime.Option{realtime.WithClock(s.clock)}, s.rtOpts...)
	s.rt = realtime.NewClient(dialer, append(rtOpts,
		realtime.WithOnConnectionChange(func(state ConnectionState) {
			s.post(func() { s.onConnectionChange(state) })
		}),
		realtime.WithOnMessage(func(m msg.ServerMessage) {
			s.post(func() { s.onServerMessage(m) })
		}),
		realtime.WithOnTranscript(func(text string, isFinal bool) {
			s.post(func() { s.onTranscript(text, isFinal) })
		}),
		realtime.WithOnAudioChunk(func(data []byte) {
			s.post(func() { s.onAudioChunk(data) })
		}),
		realtime.WithOnError(func(err error) {
			s.post(func() { s.onTransportError(err) })
		}),
	)...)

	recOpts := append([]capture.Option{capture.WithClock(s.clock), capture.WithBlobStore(s.blobs)}, s.recOpts...)
	s.recorder = capture.NewRecorder(source, append(recOpts,
		capture.WithOnDataAvailable(s.onAudioData),
		capture.WithOnAudioLevel(s.store.SetAudioLevel),
	)...)

	if s.meter != nil {
		vadOpts := append([]vad.Option{
			vad.WithClock(s.clock),
			vad.WithSensitivity(s.settings.VADSensitivity),
			vad.WithSilenceTimeout(s.settings.VADSilenceTimeout),
			vad.WithMaxDuration(s.settings.MaxRecordingDuration),
		}, s.vadOpts...)
		s.detector = vad.NewDetector(s.meter, append(vadOpts,
			vad.WithOnSpeechStart(func() { s.post(s.onSpeechStart) }),
			vad.WithOnSpeechEnd(func() { s.post(s.onSpeechEnd) }),
			vad.WithOnVolumeChange(s.store.SetAudioLevel),
		)...)
	}

	playOpts := append([]playback.Option{playback.WithBlobStore(s.blobs)}, s.playOpts...)
	s.player = playback.NewPlayer(sink, s.outputFormat, append(playOpts,
		playback.WithOnPlay(func() { s.post(func() { s.store.SetSpeaking(true) }) }),
		playback.WithOnPause(func() { s.post(func() { s.store.SetSpeaking(false) }) }),
		playback.WithOnEnded(func() { s.post(func() { s.store.SetSpeaking(false) }) }),
		playback.WithOnError(func(err error) { s.post(func() { s.onPlaybackError(err) }) }),
	)...)

	go s.loop()
	return s
}

// Store 供展示层读取和订阅
func (s *Session) Store() *conv.Store {
	return s.store
}

// Realtime 底层实时连接
func (s *Session) Realtime() *realtime.Client {
	return s.rt
}

func (s *Session) UsingFallback() bool {
	return s.useFallback.Load()
}

// Transport 当前使用的通道
func (s *Session) Transport() string {
	if s.useFallback.Load() {
		return constants.TransportHttp
	}
	return constants.TransportRealtime
}

// Start 建立实时连接，握手失败时按重连策略后台重试
func (s *Session) Start() error {
	if err := s.call(func() error {
		s.syncListening()
		return nil
	}); err != nil {
		return err
	}
	return s.rt.Connect(s.ctx)
}

// Reconnect 放弃 HTTP 降级，重新建立实时连接
func (s *Session) Reconnect() error {
	if err := s.call(func() error {
		if s.useFallback.Swap(false) {
			log.Infof("退出 HTTP 降级模式")
			s.store.SetConnectionState(s.rt.State())
		}
		return nil
	}); err != nil {
		return err
	}
	return s.rt.Connect(s.ctx)
}

func (s *Session) SendText(content string) error {
	return s.call(func() error { return s.sendText(content) })
}

// StartTalking 按住说话
func (s *Session) StartTalking() error {
	return s.call(s.startRecording)
}

// StopTalking 松开发送
func (s *Session) StopTalking() error {
	return s.call(s.finishRecording)
}

// CancelTalking 丢弃当前录音，不发送
func (s *Session) CancelTalking() error {
	return s.call(func() error {
		if !s.recorder.IsRecording() {
			return nil
		}
		s.stopDurationTicker()
		s.recorder.Cancel()
		s.store.StopRecording()
		s.store.SetAudioLevel(0)
		return nil
	})
}

func (s *Session) SetInputMode(mode InputMode) error {
	return s.call(func() error {
		return s.afterModeChange(s.store.SetInputMode(mode))
	})
}

func (s *Session) ToggleInputMode() error {
	return s.call(func() error {
		return s.afterModeChange(s.store.ToggleInputMode())
	})
}

func (s *Session) SetAudioMode(mode AudioMode) error {
	return s.call(func() error {
		return s.afterModeChange(s.store.SetAudioMode(mode))
	})
}

func (s *Session) ToggleAudioMode() error {
	return s.call(func() error {
		return s.afterModeChange(s.store.ToggleAudioMode())
	})
}

func (s *Session) SetVADSensitivity(v float64) error {
	return s.call(func() error {
		s.store.SetVADSensitivity(v)
		if s.detector != nil {
			s.detector.UpdateOptions(vad.WithSensitivity(s.store.Snapshot().VADSensitivity))
		}
		return nil
	})
}

func (s *Session) SetVADSilenceTimeout(d time.Duration) error {
	return s.call(func() error {
		s.store.SetVADSilenceTimeout(d)
		if s.detector != nil {
			s.detector.UpdateOptions(vad.WithSilenceTimeout(s.store.Snapshot().VADSilenceTimeout))
		}
		return nil
	})
}

// StopSpeaking 打断正在播放的回复
func (s *Session) StopSpeaking() error {
	return s.call(func() error {
		s.closeAudioStream()
		s.player.Stop()
		s.store.SetSpeaking(false)
		return nil
	})
}

// Flush 等待已投递的事件全部处理完
func (s *Session) Flush() error {
	return s.call(func() error { return nil })
}

// Close 释放全部设备和连接
func (s *Session) Close() error {
	s.call(func() error {
		s.stopDurationTicker()
		s.recorder.Cancel()
		s.closeAudioStream()
		return nil
	})

	var errs []error
	if s.detector != nil {
		errs = append(errs, s.detector.Dispose())
	}
	errs = append(errs, s.player.Dispose(), s.recorder.Dispose())
	s.rt.Dispose()

	s.cancel()
	<-s.done
	s.events.Close()
	return errors.Join(errs...)
}

// post 投递到事件循环，不会阻塞
func (s *Session) post(fn func()) {
	if err := s.events.Push(fn); err != nil {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// call 投递并等待执行结果，不能在事件循环内调用
func (s *Session) call(fn func() error) error {
	result := make(chan error, 1)
	s.post(func() { result <- fn() })
	select {
	case err := <-result:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
			for {
				fn, ok := s.events.Pop()
				if !ok {
					break
				}
				s.run(fn)
			}
		}
	}
}

func (s *Session) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("会话事件处理 panic: %v, stack: %s", r, string(debug.Stack()))
		}
	}()
	fn()
}

func (s *Session) onConnectionChange(state ConnectionState) {
	if s.useFallback.Load() {
		log.Debugf("降级模式下忽略实时连接状态: %s", state)
		return
	}
	s.store.SetConnectionState(state)
	if state == ConnectionConnected {
		s.store.ClearError()
	}
}

func (s *Session) onTransportError(err error) {
	log.Warnf("实时连接错误: %v", err)
	var serverErr *realtime.ServerError
	if errors.As(err, &serverErr) {
		s.failResponse(err)
		return
	}
	if errors.Is(err, realtime.ErrReconnectExhausted) && s.fallback != nil {
		log.Infof("实时连接重连耗尽, 切换到 HTTP 降级")
		s.useFallback.Store(true)
		s.store.SetConnectionState(ConnectionConnected)
		s.store.ClearError()
		return
	}
	s.store.SetError(err.Error())
}

// failResponse 当前这一轮失败，结束处理中状态
func (s *Session) failResponse(err error) {
	if s.streamID != "" {
		s.store.FailMessage(s.streamID)
		s.streamID = ""
	}
	s.pendingAudioID = ""
	s.store.SetProcessing(false)
	s.store.SetError(err.Error())
}

func (s *Session) onServerMessage(m msg.ServerMessage) {
	switch m.Type {
	case msg.ServerMessageTypeResponseStart:
		s.onResponseStart()
	case msg.ServerMessageTypeResponseChunk:
		s.onResponseChunk(m.Text)
	case msg.ServerMessageTypeResponseEnd:
		s.onResponseEnd()
	default:
		log.Debugf("忽略未知消息类型: %s", m.Type)
	}
}

func (s *Session) onResponseStart() {
	if latency, ok := s.stat.MarkResponseStart(); ok {
		log.Infof("发送到回复开始耗时: %v", latency)
	}
	if s.streamID != "" {
		s.store.CompleteStream(s.streamID)
	}
	s.streamID = s.store.StartAssistantStream().ID
}

// onResponseChunk 没有收到 response_start 时自动开一条流
func (s *Session) onResponseChunk(text string) {
	if s.streamID == "" {
		s.onResponseStart()
	}
	s.store.AppendToStream(s.streamID, text)
}

func (s *Session) onResponseEnd() {
	s.endAudioInput()
	if s.streamID != "" {
		if err := s.store.CompleteStream(s.streamID); err != nil {
			log.Warnf("结束流式回复失败: %v", err)
		}
		s.streamID = ""
	}
	s.store.SetProcessing(false)
}

func (s *Session) onTranscript(text string, isFinal bool) {
	s.store.SetCurrentTranscript(text)
	if !isFinal || s.pendingAudioID == "" {
		return
	}
	if err := s.store.UpdateMessage(s.pendingAudioID, func(m *Message) { m.Content = text }); err != nil {
		log.Warnf("更新语音消息转写失败: %v", err)
	}
	s.pendingAudioID = ""
}

func (s *Session) onAudioChunk(data []byte) {
	if s.audioStream == nil || !s.audioStream.Push(data) {
		s.audioStream = s.player.OpenStream(s.ctx)
		s.audioStream.Push(data)
		if latency, ok := s.stat.MarkFirstAudio(); ok {
			log.Infof("发送到首个音频分片耗时: %v", latency)
		}
	}

	s.audioSeq++
	seq := s.audioSeq
	if s.audioIdle != nil {
		s.audioIdle.Stop()
	}
	s.audioIdle = s.clock.AfterFunc(s.audioIdleTimeout, func() {
		s.post(func() {
			if seq == s.audioSeq {
				s.endAudioInput()
			}
		})
	})
}

// endAudioInput 标记暂时没有更多音频，播放器播完缓冲后结束；
// 结束前再到达的分片接在同一路后面
func (s *Session) endAudioInput() {
	if s.audioIdle != nil {
		s.audioIdle.Stop()
		s.audioIdle = nil
	}
	if s.audioStream != nil {
		s.audioStream.Close()
	}
}

// closeAudioStream 结束输入并放弃这一路，之后的分片另开一路播放
func (s *Session) closeAudioStream() {
	s.endAudioInput()
	s.audioStream = nil
}

func (s *Session) onPlaybackError(err error) {
	s.store.SetSpeaking(false)
	s.store.SetError(err.Error())
}

// onAudioData 在采集协程中执行
func (s *Session) onAudioData(chunk []byte) {
	if s.useFallback.Load() {
		return
	}
	if err := s.rt.SendAudioChunk(chunk); err != nil {
		log.Debugf("音频分片未发送: %v", err)
	}
}

func (s *Session) sendText(content string) error {
	m := s.store.SendTextMessage(content)
	if m == nil {
		return ErrCannotSend
	}
	s.stat.MarkSend()

	if s.useFallback.Load() {
		s.markSent(m.ID)
		s.store.SetProcessing(true)
		go s.streamFallback(m.Content)
		return nil
	}
	if err := s.rt.SendText(m.Content); err != nil {
		s.store.FailMessage(m.ID)
		s.store.SetError(err.Error())
		return err
	}
	s.markSent(m.ID)
	s.store.SetProcessing(true)
	return nil
}

func (s *Session) markSent(id string) {
	if err := s.store.UpdateMessage(id, func(m *Message) { m.Status = StatusSent }); err != nil {
		log.Warnf("更新消息状态失败: %v", err)
	}
}

func (s *Session) streamFallback(content string) {
	s.post(s.onResponseStart)
	_, err := s.fallback.StreamChat(s.ctx, content, s.rt.ConversationID(), httpclient.StreamingOptions{
		OnChunk: func(chunk string) {
			s.post(func() { s.onResponseChunk(chunk) })
		},
		OnComplete: func(string) {
			s.post(s.onResponseEnd)
		},
	})
	if err != nil {
		s.post(func() { s.failResponse(err) })
	}
}

func (s *Session) startRecording() error {
	if !s.store.StartRecording() {
		return nil
	}
	if err := s.recorder.Start(s.ctx); err != nil {
		s.store.StopRecording()
		s.store.SetError(err.Error())
		return err
	}
	s.recordStart = s.clock.Now()
	s.durationTicker = util.Every(s.ctx, s.clock, durationTickInterval, func() {
		s.post(s.onDurationTick)
	})
	log.Debugf("开始录音")
	return nil
}

func (s *Session) onDurationTick() {
	if !s.store.IsRecording() {
		return
	}
	d := s.clock.Since(s.recordStart)
	s.store.SetRecordingDuration(d)
	if d >= s.settings.MaxRecordingDuration {
		log.Infof("录音达到最大时长 %v, 自动发送", s.settings.MaxRecordingDuration)
		if err := s.finishRecording(); err != nil {
			log.Warnf("自动结束录音失败: %v", err)
		}
	}
}

func (s *Session) stopDurationTicker() {
	s.durationTicker.Stop()
	s.durationTicker = nil
}

// finishRecording 停止录音并发送, 模式切换导致的强制停止也走这里
func (s *Session) finishRecording() error {
	s.stopDurationTicker()
	s.store.StopRecording()
	s.store.SetAudioLevel(0)
	result, err := s.recorder.Stop()
	if err != nil {
		return err
	}
	s.store.SetRecordingDuration(result.Duration)

	m := s.store.SendAudioMessage(result.URL, "", result.Duration)
	if s.useFallback.Load() {
		if m == nil {
			s.blobs.Revoke(result.URL)
			return ErrCannotSend
		}
		s.stat.MarkSend()
		s.markSent(m.ID)
		s.store.SetProcessing(true)
		go s.uploadFallback(m.ID, result)
		return nil
	}

	// 分片已经实时发出，无论能否记录消息都要结束这一轮上行
	endErr := s.rt.SendAudioEnd()
	if m == nil {
		s.blobs.Revoke(result.URL)
		return ErrCannotSend
	}
	if endErr != nil {
		s.store.FailMessage(m.ID)
		s.store.SetError(endErr.Error())
		return endErr
	}
	s.stat.MarkSend()
	s.markSent(m.ID)
	s.pendingAudioID = m.ID
	s.store.SetCurrentTranscript("")
	s.store.SetProcessing(true)
	log.Debugf("录音已发送, 时长: %v, 分片数: %d", result.Duration, len(result.Chunks))
	return nil
}

func (s *Session) uploadFallback(id string, result *capture.RecordingResult) {
	b, err := s.blobs.Get(result.URL)
	if err != nil {
		s.post(func() { s.failAudio(id, err) })
		return
	}
	resp, err := s.fallback.SendAudio(s.ctx, b.Data, fallbackAudioFilename, s.rt.ConversationID())
	if err != nil {
		s.post(func() { s.failAudio(id, err) })
		return
	}
	s.post(func() {
		if err := s.store.UpdateMessage(id, func(m *Message) { m.Content = resp.Transcript }); err != nil {
			log.Warnf("更新语音消息转写失败: %v", err)
		}
		audioURL := s.fallback.ResolveURL(resp.AudioURL)
		s.store.AddAssistantMessage(resp.Response, audioURL, 0)
		s.store.SetProcessing(false)
		if audioURL != "" {
			s.closeAudioStream()
			s.player.PlayURL(s.ctx, audioURL)
		}
	})
}

func (s *Session) failAudio(id string, err error) {
	s.store.FailMessage(id)
	s.store.SetProcessing(false)
	s.store.SetError(fmt.Sprintf("语音发送失败: %v", err))
}

func (s *Session) afterModeChange(stoppedRecording bool) error {
	var err error
	if stoppedRecording {
		err = s.finishRecording()
	}
	s.syncListening()
	return err
}

// syncListening 只有语音输入且 VAD 子模式时才监听
func (s *Session) syncListening() {
	if s.detector == nil {
		return
	}
	snap := s.store.Snapshot()
	want := snap.IsAudioMode() && snap.IsVADMode()
	switch {
	case want && !s.detector.Listening():
		if err := s.detector.Start(s.ctx); err != nil {
			log.Errorf("启动 VAD 失败: %v", err)
			s.store.SetError(err.Error())
		}
	case !want && s.detector.Listening():
		s.detector.Stop()
	}
}

func (s *Session) onSpeechStart() {
	if !s.store.IsAudioMode() || !s.store.IsVADMode() {
		return
	}
	if err := s.startRecording(); err != nil {
		log.Warnf("VAD 开始录音失败: %v", err)
	}
}

func (s *Session) onSpeechEnd() {
	if !s.recorder.IsRecording() {
		return
	}
	if err := s.finishRecording(); err != nil {
		log.Warnf("VAD 结束录音失败: %v", err)
	}
}
