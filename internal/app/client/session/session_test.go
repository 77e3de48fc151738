package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"voice-chat-client-golang/constants"
	"voice-chat-client-golang/internal/app/client/httpclient"
	"voice-chat-client-golang/internal/app/client/realtime"
	"voice-chat-client-golang/internal/app/client/types"
	. "voice-chat-client-golang/internal/data/conversation"
	"voice-chat-client-golang/internal/data/msg"
	"voice-chat-client-golang/internal/domain/blob"
	"voice-chat-client-golang/internal/domain/capture"
	"voice-chat-client-golang/internal/domain/device"
	"voice-chat-client-golang/internal/domain/playback"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu      sync.Mutex
	handler types.ChannelHandler
	texts   []msg.ClientMessage
	binary  [][]byte
}

func (f *fakeChannel) SendText(data []byte) error {
	var m msg.ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, m)
	return nil
}

func (f *fakeChannel) SendBinary(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binary = append(f.binary, data)
	return nil
}

func (f *fakeChannel) Close(code int, reason string) error { return nil }

func (f *fakeChannel) GetTransportType() string { return "fake" }

func (f *fakeChannel) sent() []msg.ClientMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]msg.ClientMessage(nil), f.texts...)
}

func (f *fakeChannel) binaryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.binary)
}

// serverSend 模拟服务端下发一条 JSON 控制帧
func (f *fakeChannel) serverSend(t *testing.T, m msg.ServerMessage) {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	f.handler.OnText(data)
}

type fakeDialer struct {
	mu       sync.Mutex
	fail     bool
	channels []*fakeChannel
}

func (d *fakeDialer) Dial(ctx context.Context, url string, h types.ChannelHandler) (types.DuplexChannel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("connection refused")
	}
	ch := &fakeChannel{handler: h}
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDialer) last() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[len(d.channels)-1]
}

// feedSource 麦克风替身，测试往 frames 里送帧
type feedSource struct {
	frames chan []int16
	closed chan struct{}
	once   sync.Once
}

func newFeedSource() *feedSource {
	return &feedSource{frames: make(chan []int16), closed: make(chan struct{})}
}

func (s *feedSource) Open(c device.Constraints) (device.Format, error) {
	return device.Format{SampleRate: 16000, Channels: 1, FrameSize: 320}, nil
}

func (s *feedSource) Read(pcm []int16) (int, error) {
	select {
	case <-s.closed:
		return 0, device.ErrDeviceClosed
	case f := <-s.frames:
		return copy(pcm, f), nil
	}
}

func (s *feedSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type memSink struct {
	mu      sync.Mutex
	samples int
	// hold 非空时每次写入都等它关闭，模拟比网络慢的扬声器
	hold chan struct{}
}

func (s *memSink) Open(f device.Format) error { return nil }

// gate 让后续写入阻塞，返回的函数放行，可重复调用
func (s *memSink) gate() func() {
	hold := make(chan struct{})
	s.mu.Lock()
	s.hold = hold
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(hold) }) }
}

func (s *memSink) Write(pcm []int16) error {
	s.mu.Lock()
	hold := s.hold
	s.mu.Unlock()
	if hold != nil {
		<-hold
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples += len(pcm)
	return nil
}

func (s *memSink) Close() error { return nil }

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

type fakeMeter struct {
	mu    sync.Mutex
	level float64
}

func (m *fakeMeter) Open() error {
	return nil
}

func (m *fakeMeter) Close() error {
	return nil
}

func (m *fakeMeter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

func (m *fakeMeter) set(level float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level = level
}

type harness struct {
	session *Session
	dialer  *fakeDialer
	source  *feedSource
	sink    *memSink
	clock   *clockwork.FakeClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		dialer: &fakeDialer{},
		source: newFeedSource(),
		sink:   &memSink{},
		clock:  clockwork.NewFakeClock(),
	}
	base := []Option{
		WithClock(h.clock),
		WithBlobStore(blob.NewStore()),
		WithOutputFormat(device.Format{SampleRate: 16000, Channels: 1, FrameSize: 320}),
		WithRecorderOptions(capture.WithCodec(constants.CodecPcm, 0)),
		WithPlayerOptions(playback.WithChunkFormat(playback.ChunkFormat{Codec: constants.CodecPcm, SampleRate: 16000, Channels: 1})),
	}
	h.session = New(context.Background(), h.dialer, h.source, h.sink, append(base, opts...)...)
	t.Cleanup(func() { h.session.Close() })
	return h
}

func (h *harness) start(t *testing.T) *fakeChannel {
	t.Helper()
	require.NoError(t, h.session.Start())
	require.NoError(t, h.session.Flush())
	require.Equal(t, ConnectionConnected, h.session.Store().Snapshot().ConnectionState)
	return h.dialer.last()
}

func (h *harness) feedFrames(n int) {
	frame := make([]int16, 320)
	for i := range frame {
		frame[i] = 2000
	}
	for i := 0; i < n; i++ {
		h.source.frames <- frame
	}
}

// advanceUntil 逐步推进假时钟直到条件成立
func (h *harness) advanceUntil(t *testing.T, step time.Duration, cond func() bool) {
	t.Helper()
	for i := 0; i < 500; i++ {
		if cond() {
			return
		}
		h.clock.Advance(step)
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, cond(), "condition not reached")
}

func TestSession_TextRoundTrip(t *testing.T) {
	h := newHarness(t)
	ch := h.start(t)
	store := h.session.Store()

	require.NoError(t, h.session.SendText("hi"))
	sent := ch.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, msg.ClientMessage{Type: msg.ClientMessageTypeText, Content: "hi"}, sent[0])

	snap := store.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, StatusSent, snap.Messages[0].Status)
	assert.True(t, snap.IsProcessing)
	assert.ErrorIs(t, h.session.SendText("again"), ErrCannotSend, "处理中不能发送")

	ch.serverSend(t, msg.ServerMessage{Type: msg.ServerMessageTypeResponseStart})
	ch.serverSend(t, msg.ServerMessage{Type: msg.ServerMessageTypeResponseChunk, Text: "Hel"})
	ch.serverSend(t, msg.ServerMessage{Type: msg.ServerMessageTypeResponseChunk, Text: "lo"})
	ch.serverSend(t, msg.ServerMessage{Type: msg.ServerMessageTypeResponseEnd})
	require.NoError(t, h.session.Flush())

	snap = store.Snapshot()
	require.Len(t, snap.Messages, 2)
	last, _ := snap.LastMessage()
	assert.Equal(t, RoleAssistant, last.Role)
	assert.Equal(t, "Hello", last.Content)
	assert.Equal(t, StatusSent, last.Status)
	assert.False(t, snap.IsProcessing)
	assert.True(t, snap.CanSend())
}

func TestSession_ChunkWithoutStartOpensStream(t *testing.T) {
	h := newHarness(t)
	ch := h.start(t)

	ch.serverSend(t, msg.ServerMessage{Type: msg.ServerMessageTypeResponseChunk, Text: "Hi"})
	ch.serverSend(t, msg.ServerMessage{Type: msg.ServerMessageTypeResponseEnd})
	require.NoError(t, h.session.Flush())

	last, ok := h.session.Store().LastMessage()
	require.True(t, ok)
	assert.Equal(t, "Hi", last.Content)
	assert.Equal(t, StatusSent, last.Status)
}

func TestSession_ServerErrorFailsStream(t *testing.T) {
	h := newHarness(t)
	ch := h.start(t)
	require.NoError(t, h.session.SendText("hi"))

	ch.serverSend(t, msg.ServerMessage{Type: msg.ServerMessageTypeResponseStart})
	ch.serverSend(t, msg.ServerMessage{Type: msg.ServerMessageTypeError, Message: "model overloaded"})
	require.NoError(t, h.session.Flush())

	snap := h.session.Store().Snapshot()
	last, _ := snap.LastMessage()
	assert.Equal(t, StatusError, last.Status)
	assert.False(t, snap.IsProcessing)
	assert.Contains(t, snap.Error, "model overloaded")
	assert.Equal(t, ConnectionConnected, snap.ConnectionState, "应用层错误不影响连接")
}

func TestSession_CannotSendWhileDisconnected(t *testing.T) {
	h := newHarness(t, WithRealtimeOptions(realtime.WithAutoReconnect(false)))
	h.dialer.fail = true
	assert.Error(t, h.session.Start())
	require.NoError(t, h.session.Flush())

	snap := h.session.Store().Snapshot()
	assert.Equal(t, ConnectionDisconnected, snap.ConnectionState)
	assert.NotEmpty(t, snap.Error)
	assert.ErrorIs(t, h.session.SendText("hi"), ErrCannotSend)
	assert.Empty(t, h.session.Store().Messages())
}

func TestSession_PushToTalk(t *testing.T) {
	h := newHarness(t)
	ch := h.start(t)
	store := h.session.Store()

	require.NoError(t, h.session.SetInputMode(InputModeAudio))
	require.NoError(t, h.session.StartTalking())
	assert.True(t, store.IsRecording())

	// 16kHz 下 100ms 一片, 5 帧凑满一片
	h.feedFrames(5)
	require.Eventually(t, func() bool { return ch.binaryCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.session.StopTalking())
	sent := ch.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, msg.ClientMessageTypeAudioEnd, sent[0].Type)
	assert.Equal(t, 1, ch.binaryCount())

	snap := store.Snapshot()
	assert.False(t, snap.IsRecording)
	assert.True(t, snap.IsProcessing)
	last, ok := snap.LastMessage()
	require.True(t, ok)
	assert.Equal(t, MessageTypeAudio, last.Type)
	assert.Equal(t, StatusSent, last.Status)
	assert.True(t, blob.IsBlobURL(last.AudioURL))

	ch.serverSend(t, msg.ServerMessage{Type: msg.ServerMessageTypeTranscript, Text: "hi th"})
	ch.serverSend(t, msg.ServerMessage{Type: msg.ServerMessageTypeTranscript, Text: "hi there", IsFinal: true})
	require.NoError(t, h.session.Flush())

	snap = store.Snapshot()
	assert.Equal(t, "hi there", snap.CurrentTranscript)
	got, _ := store.Message(last.ID)
	assert.Equal(t, "hi there", got.Content)

	assert.ErrorIs(t, h.session.StopTalking(), capture.ErrRecorderNotActive)
}

func TestSession_ModeSwitchStopsRecording(t *testing.T) {
	h := newHarness(t)
	ch := h.start(t)
	store := h.session.Store()

	require.NoError(t, h.session.ToggleInputMode())
	require.NoError(t, h.session.StartTalking())
	require.NoError(t, h.session.ToggleAudioMode())

	assert.False(t, store.IsRecording())
	assert.True(t, store.IsVADMode())
	sent := ch.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, msg.ClientMessageTypeAudioEnd, sent[0].Type)
}

func TestSession_CancelTalking(t *testing.T) {
	h := newHarness(t)
	ch := h.start(t)

	require.NoError(t, h.session.SetInputMode(InputModeAudio))
	require.NoError(t, h.session.StartTalking())
	require.NoError(t, h.session.CancelTalking())

	assert.False(t, h.session.Store().IsRecording())
	assert.Empty(t, ch.sent())
	assert.Empty(t, h.session.Store().Messages())
}

func pcmChunk(n int) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(1000))
	}
	return out
}

func TestSession_ResponseAudio(t *testing.T) {
	h := newHarness(t)
	ch := h.start(t)
	store := h.session.Store()

	ch.handler.OnBinary(pcmChunk(1600))
	ch.serverSend(t, msg.ServerMessage{Type: msg.ServerMessageTypeAudioChunk, Data: pcmChunk(1600)})
	require.NoError(t, h.session.Flush())

	require.Eventually(t, func() bool { return h.sink.count() >= 3200 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.session.Flush())
	assert.True(t, store.Snapshot().IsSpeaking)

	// 空闲超时后流结束, 播完回调 ended
	h.clock.Advance(DefaultAudioIdleTimeout)
	require.Eventually(t, func() bool {
		h.session.Flush()
		return !store.Snapshot().IsSpeaking
	}, time.Second, 5*time.Millisecond)
}

func TestSession_ResponseAudioSlowSinkKeepsEveryChunk(t *testing.T) {
	h := newHarness(t)
	release := h.sink.gate()
	t.Cleanup(release)
	ch := h.start(t)
	store := h.session.Store()

	const chunkSamples = 320
	for i := 0; i < 200; i++ {
		ch.handler.OnBinary(pcmChunk(chunkSamples))
	}
	require.NoError(t, h.session.Flush())

	// 句间停顿超过空闲超时，第一段仍卡在设备上
	h.clock.Advance(DefaultAudioIdleTimeout)
	require.NoError(t, h.session.Flush())
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, h.session.Flush())

	for i := 0; i < 20; i++ {
		ch.handler.OnBinary(pcmChunk(chunkSamples))
	}
	require.NoError(t, h.session.Flush())
	release()

	require.Eventually(t, func() bool { return h.sink.count() == 220*chunkSamples }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 220*chunkSamples, h.sink.count())

	h.clock.Advance(DefaultAudioIdleTimeout)
	require.Eventually(t, func() bool {
		h.session.Flush()
		return !store.Snapshot().IsSpeaking
	}, time.Second, 5*time.Millisecond)
}

func TestSession_ResponseEndFinishesAudio(t *testing.T) {
	h := newHarness(t)
	ch := h.start(t)
	store := h.session.Store()

	ch.serverSend(t, msg.ServerMessage{Type: msg.ServerMessageTypeResponseStart})
	ch.handler.OnBinary(pcmChunk(1600))
	ch.serverSend(t, msg.ServerMessage{Type: msg.ServerMessageTypeResponseEnd})
	require.NoError(t, h.session.Flush())

	// 不推进时钟，response_end 即结束输入
	require.Eventually(t, func() bool {
		h.session.Flush()
		return h.sink.count() == 1600 && !store.Snapshot().IsSpeaking
	}, time.Second, 5*time.Millisecond)
}

func TestSession_VAD(t *testing.T) {
	meter := &fakeMeter{}
	h := newHarness(t, WithMeter(meter))
	ch := h.start(t)
	store := h.session.Store()

	require.NoError(t, h.session.SetInputMode(InputModeAudio))
	require.NoError(t, h.session.SetAudioMode(AudioModeVAD))
	require.True(t, h.session.detector.Listening())

	meter.set(0.9)
	h.advanceUntil(t, 50*time.Millisecond, store.IsRecording)

	meter.set(0)
	h.advanceUntil(t, 100*time.Millisecond, func() bool {
		h.session.Flush()
		return !store.IsRecording()
	})
	require.NoError(t, h.session.Flush())

	sent := ch.sent()
	require.NotEmpty(t, sent)
	assert.Equal(t, msg.ClientMessageTypeAudioEnd, sent[len(sent)-1].Type)
	last, ok := store.LastMessage()
	require.True(t, ok)
	assert.Equal(t, MessageTypeAudio, last.Type)

	require.NoError(t, h.session.SetInputMode(InputModeText))
	assert.False(t, h.session.detector.Listening())
}

func TestSession_FallbackAfterExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"content\":\"Hel\"}\n\ndata: lo\n\ndata: [DONE]\n\n")
		case "/api/audio":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			json.NewEncoder(w).Encode(msg.AudioResponse{Transcript: "hi", Response: "hello"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	h := newHarness(t,
		WithFallback(httpclient.NewClient(srv.URL)),
		WithRealtimeOptions(realtime.WithMaxReconnectAttempts(0)),
	)
	h.dialer.fail = true
	assert.Error(t, h.session.Start())
	require.NoError(t, h.session.Flush())

	store := h.session.Store()
	assert.True(t, h.session.UsingFallback())
	assert.Equal(t, constants.TransportHttp, h.session.Transport())
	assert.Equal(t, ConnectionConnected, store.Snapshot().ConnectionState)

	require.NoError(t, h.session.SendText("hi"))
	require.Eventually(t, func() bool {
		h.session.Flush()
		return !store.Snapshot().IsProcessing
	}, time.Second, 5*time.Millisecond)
	last, _ := store.LastMessage()
	assert.Equal(t, "Hello", last.Content)
	assert.Equal(t, StatusSent, last.Status)

	require.NoError(t, h.session.SetInputMode(InputModeAudio))
	require.NoError(t, h.session.StartTalking())
	require.NoError(t, h.session.StopTalking())
	require.Eventually(t, func() bool {
		h.session.Flush()
		return !store.Snapshot().IsProcessing
	}, time.Second, 5*time.Millisecond)

	msgs := store.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, MessageTypeAudio, msgs[2].Type)
	assert.Equal(t, "hi", msgs[2].Content)
	assert.Equal(t, "hello", msgs[3].Content)
	assert.Equal(t, RoleAssistant, msgs[3].Role)
}

func TestStatistic(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewStatistic(clock)

	_, ok := s.MarkResponseStart()
	assert.False(t, ok, "未发送时不统计")

	s.MarkSend()
	clock.Advance(300 * time.Millisecond)
	d, ok := s.MarkResponseStart()
	require.True(t, ok)
	assert.Equal(t, 300*time.Millisecond, d)
	_, ok = s.MarkResponseStart()
	assert.False(t, ok, "每轮只统计一次")

	clock.Advance(200 * time.Millisecond)
	d, ok = s.MarkFirstAudio()
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, d)
}
