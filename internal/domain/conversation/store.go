package conversation

import (
	"errors"
	"strings"
	"sync"
	"time"

	. "voice-chat-client-golang/internal/data/conversation"
	log "voice-chat-client-golang/logger"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	ErrMessageNotFound         = errors.New("message not found")
	ErrInvalidStatusTransition = errors.New("invalid message status transition")
)

const (
	MinVADSilenceTimeout = 500 * time.Millisecond
	MaxVADSilenceTimeout = 5000 * time.Millisecond
)

// Snapshot 某一时刻的完整状态，订阅者拿到的是副本
type Snapshot struct {
	Messages          []Message
	InputMode         InputMode
	AudioMode         AudioMode
	IsRecording       bool
	IsProcessing      bool
	IsSpeaking        bool
	ConnectionState   ConnectionState
	Error             string
	AudioLevel        float64
	RecordingDuration time.Duration
	CurrentTranscript string
	VADSensitivity    float64
	VADSilenceTimeout time.Duration
}

// CanSend 未录音、未处理中且已连接
func (s Snapshot) CanSend() bool {
	return !s.IsRecording && !s.IsProcessing && s.ConnectionState == ConnectionConnected
}

func (s Snapshot) HasMessages() bool {
	return len(s.Messages) > 0
}

func (s Snapshot) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

func (s Snapshot) IsAudioMode() bool {
	return s.InputMode == InputModeAudio
}

func (s Snapshot) IsPTTMode() bool {
	return s.AudioMode == AudioModePTT
}

func (s Snapshot) IsVADMode() bool {
	return s.AudioMode == AudioModeVAD
}

type Option func(*Store)

func WithSettings(settings Settings) Option {
	return func(s *Store) { s.settings = DefaultSettings().Merge(settings) }
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// Store 对话状态聚合，只能通过下面的方法修改，每次修改后通知订阅者
type Store struct {
	mu       sync.RWMutex
	settings Settings
	clock    clockwork.Clock
	state    Snapshot

	subMu       sync.Mutex
	subscribers map[int]func(Snapshot)
	nextSubID   int
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		settings:    DefaultSettings(),
		clock:       clockwork.NewRealClock(),
		subscribers: make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state = s.initialState()
	s.state.ConnectionState = ConnectionDisconnected
	return s
}

func (s *Store) initialState() Snapshot {
	return Snapshot{
		InputMode:         s.settings.DefaultInputMode,
		AudioMode:         s.settings.DefaultAudioMode,
		VADSensitivity:    s.settings.VADSensitivity,
		VADSilenceTimeout: s.settings.VADSilenceTimeout,
	}
}

func (s *Store) Settings() Settings {
	return s.settings
}

// Subscribe 注册观察者，返回取消函数；回调在锁外执行，可以在回调里读取状态
func (s *Store) Subscribe(fn func(Snapshot)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers, id)
			s.subMu.Unlock()
		})
	}
}

// Snapshot 当前状态的副本
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	out := s.state
	out.Messages = make([]Message, len(s.state.Messages))
	copy(out.Messages, s.state.Messages)
	return out
}

// mutate 在写锁内执行 fn，changed 为 true 时通知订阅者
func (s *Store) mutate(fn func(st *Snapshot) bool) {
	s.mu.Lock()
	changed := fn(&s.state)
	var snap Snapshot
	if changed {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	if changed {
		s.notify(snap)
	}
}

func (s *Store) notify(snap Snapshot) {
	s.subMu.Lock()
	subs := make([]func(Snapshot), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func (s *Store) Messages() []Message {
	return s.Snapshot().Messages
}

func (s *Store) CanSend() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.CanSend()
}

func (s *Store) HasMessages() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.HasMessages()
}

func (s *Store) LastMessage() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.LastMessage()
}

func (s *Store) IsAudioMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.IsAudioMode()
}

func (s *Store) IsPTTMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.IsPTTMode()
}

func (s *Store) IsVADMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.IsVADMode()
}

func (s *Store) IsRecording() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.IsRecording
}

// Message 按 id 查找
func (s *Store) Message(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := indexOf(s.state.Messages, id); i >= 0 {
		return s.state.Messages[i], true
	}
	return Message{}, false
}

func indexOf(messages []Message, id string) int {
	for i := range messages {
		if messages[i].ID == id {
			return i
		}
	}
	return -1
}

func generateID() string {
	return "msg_" + uuid.NewString()
}

// AddMessage 追加一条消息，id 和时间戳由 store 生成，Status 为空或未知时视为 sent
func (s *Store) AddMessage(m Message) Message {
	m.ID = generateID()
	m.Timestamp = s.clock.Now()
	if m.Type == "" {
		m.Type = MessageTypeText
	}
	if !m.Status.Valid() {
		if m.Status != "" {
			log.Warnf("未知消息状态 %q, 按 sent 处理", m.Status)
		}
		m.Status = StatusSent
	}
	s.mutate(func(st *Snapshot) bool {
		st.Messages = append(st.Messages, m)
		return true
	})
	return m
}

// UpdateMessage 在 fn 中修改消息，id 和时间戳不可变，状态只能前进
func (s *Store) UpdateMessage(id string, fn func(m *Message)) error {
	var err error
	s.mutate(func(st *Snapshot) bool {
		i := indexOf(st.Messages, id)
		if i < 0 {
			err = ErrMessageNotFound
			return false
		}
		updated := st.Messages[i]
		fn(&updated)
		updated.ID = st.Messages[i].ID
		updated.Timestamp = st.Messages[i].Timestamp
		if !st.Messages[i].Status.CanTransition(updated.Status) {
			err = ErrInvalidStatusTransition
			return false
		}
		st.Messages[i] = updated
		return true
	})
	return err
}

func (s *Store) RemoveMessage(id string) {
	s.mutate(func(st *Snapshot) bool {
		i := indexOf(st.Messages, id)
		if i < 0 {
			return false
		}
		st.Messages = append(st.Messages[:i:i], st.Messages[i+1:]...)
		return true
	})
}

func (s *Store) ClearMessages() {
	s.mutate(func(st *Snapshot) bool {
		st.Messages = nil
		return true
	})
}

// SetInputMode 离开语音模式时若正在录音则强制停止，返回是否停止了录音
func (s *Store) SetInputMode(mode InputMode) (stoppedRecording bool) {
	s.mutate(func(st *Snapshot) bool {
		st.InputMode = mode
		if mode != InputModeAudio && st.IsRecording {
			st.IsRecording = false
			stoppedRecording = true
		}
		return true
	})
	return stoppedRecording
}

func (s *Store) ToggleInputMode() (stoppedRecording bool) {
	s.mu.RLock()
	next := InputModeAudio
	if s.state.InputMode == InputModeAudio {
		next = InputModeText
	}
	s.mu.RUnlock()
	return s.SetInputMode(next)
}

// SetAudioMode 录音中切换子模式会强制停止录音
func (s *Store) SetAudioMode(mode AudioMode) (stoppedRecording bool) {
	s.mutate(func(st *Snapshot) bool {
		st.AudioMode = mode
		if st.IsRecording {
			st.IsRecording = false
			stoppedRecording = true
		}
		return true
	})
	return stoppedRecording
}

func (s *Store) ToggleAudioMode() (stoppedRecording bool) {
	s.mu.RLock()
	next := AudioModeVAD
	if s.state.AudioMode == AudioModeVAD {
		next = AudioModePTT
	}
	s.mu.RUnlock()
	return s.SetAudioMode(next)
}

// StartRecording 已在录音时返回 false
func (s *Store) StartRecording() bool {
	started := false
	s.mutate(func(st *Snapshot) bool {
		if st.IsRecording {
			return false
		}
		st.IsRecording = true
		st.RecordingDuration = 0
		st.Error = ""
		started = true
		return true
	})
	return started
}

func (s *Store) StopRecording() {
	s.mutate(func(st *Snapshot) bool {
		if !st.IsRecording {
			return false
		}
		st.IsRecording = false
		return true
	})
}

func (s *Store) SetAudioLevel(level float64) {
	s.mutate(func(st *Snapshot) bool {
		st.AudioLevel = clamp(level, 0, 1)
		return true
	})
}

func (s *Store) SetRecordingDuration(d time.Duration) {
	s.mutate(func(st *Snapshot) bool {
		st.RecordingDuration = d
		return true
	})
}

func (s *Store) SetCurrentTranscript(transcript string) {
	s.mutate(func(st *Snapshot) bool {
		st.CurrentTranscript = transcript
		return true
	})
}

func (s *Store) SetProcessing(processing bool) {
	s.mutate(func(st *Snapshot) bool {
		st.IsProcessing = processing
		return true
	})
}

func (s *Store) SetSpeaking(speaking bool) {
	s.mutate(func(st *Snapshot) bool {
		st.IsSpeaking = speaking
		return true
	})
}

func (s *Store) SetConnectionState(state ConnectionState) {
	s.mutate(func(st *Snapshot) bool {
		if st.ConnectionState == state {
			return false
		}
		st.ConnectionState = state
		return true
	})
}

func (s *Store) SetError(msg string) {
	s.mutate(func(st *Snapshot) bool {
		st.Error = msg
		return true
	})
}

func (s *Store) ClearError() {
	s.SetError("")
}

func (s *Store) SetVADSensitivity(sensitivity float64) {
	s.mutate(func(st *Snapshot) bool {
		st.VADSensitivity = clamp(sensitivity, 0, 1)
		return true
	})
}

// SetVADSilenceTimeout 限制在 [500ms, 5s]
func (s *Store) SetVADSilenceTimeout(timeout time.Duration) {
	s.mutate(func(st *Snapshot) bool {
		switch {
		case timeout < MinVADSilenceTimeout:
			timeout = MinVADSilenceTimeout
		case timeout > MaxVADSilenceTimeout:
			timeout = MaxVADSilenceTimeout
		}
		st.VADSilenceTimeout = timeout
		return true
	})
}

// SendTextMessage 不能发送或内容为空白时返回 nil，否则追加一条 sending 状态的用户消息
func (s *Store) SendTextMessage(content string) *Message {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	return s.addIfCanSend(Message{
		Role:    RoleUser,
		Type:    MessageTypeText,
		Content: content,
		Status:  StatusSending,
	})
}

// SendAudioMessage 录音地址为空或不能发送时返回 nil，转写文本可以稍后补上
func (s *Store) SendAudioMessage(audioURL, transcript string, duration time.Duration) *Message {
	if strings.TrimSpace(audioURL) == "" {
		return nil
	}
	return s.addIfCanSend(Message{
		Role:          RoleUser,
		Type:          MessageTypeAudio,
		Content:       strings.TrimSpace(transcript),
		AudioURL:      audioURL,
		AudioDuration: duration,
		Status:        StatusSending,
	})
}

// addIfCanSend 检查与追加在同一把锁内完成
func (s *Store) addIfCanSend(m Message) *Message {
	m.ID = generateID()
	m.Timestamp = s.clock.Now()
	added := false
	s.mutate(func(st *Snapshot) bool {
		if !st.CanSend() {
			return false
		}
		st.Messages = append(st.Messages, m)
		added = true
		return true
	})
	if !added {
		return nil
	}
	return &m
}

// AddAssistantMessage 带录音地址时为语音消息
func (s *Store) AddAssistantMessage(content, audioURL string, duration time.Duration) Message {
	typ := MessageTypeText
	if audioURL != "" {
		typ = MessageTypeAudio
	}
	return s.AddMessage(Message{
		Role:          RoleAssistant,
		Type:          typ,
		Content:       content,
		AudioURL:      audioURL,
		AudioDuration: duration,
		Status:        StatusSent,
	})
}

// StartAssistantStream 创建一条内容为空的 streaming 消息
func (s *Store) StartAssistantStream() Message {
	return s.AddMessage(Message{
		Role:   RoleAssistant,
		Type:   MessageTypeText,
		Status: StatusStreaming,
	})
}

// AppendToStream 只对 streaming 状态的消息生效
func (s *Store) AppendToStream(id, chunk string) bool {
	appended := false
	s.mutate(func(st *Snapshot) bool {
		i := indexOf(st.Messages, id)
		if i < 0 || st.Messages[i].Status != StatusStreaming {
			return false
		}
		st.Messages[i].Content += chunk
		appended = true
		return true
	})
	return appended
}

func (s *Store) CompleteStream(id string) error {
	return s.UpdateMessage(id, func(m *Message) { m.Status = StatusSent })
}

// FailMessage 任何状态都可以进入 error
func (s *Store) FailMessage(id string) error {
	return s.UpdateMessage(id, func(m *Message) { m.Status = StatusError })
}

// Reset 恢复到构造时的默认值，连接状态保持不变
func (s *Store) Reset() {
	s.mutate(func(st *Snapshot) bool {
		conn := st.ConnectionState
		*st = s.initialState()
		st.ConnectionState = conn
		return true
	})
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
