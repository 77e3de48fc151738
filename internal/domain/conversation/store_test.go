package conversation

import (
	"math/rand"
	"strings"
	"testing"
	"time"

	. "voice-chat-client-golang/internal/data/conversation"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectedStore(opts ...Option) *Store {
	s := NewStore(opts...)
	s.SetConnectionState(ConnectionConnected)
	return s
}

func TestStore_Defaults(t *testing.T) {
	s := NewStore(WithSettings(Settings{DefaultAudioMode: AudioModeVAD, VADSensitivity: 0.8}))
	snap := s.Snapshot()
	assert.Equal(t, InputModeText, snap.InputMode)
	assert.Equal(t, AudioModeVAD, snap.AudioMode)
	assert.Equal(t, 0.8, snap.VADSensitivity)
	assert.Equal(t, 1500*time.Millisecond, snap.VADSilenceTimeout)
	assert.Equal(t, ConnectionDisconnected, snap.ConnectionState)
	assert.False(t, s.HasMessages())
	_, ok := s.LastMessage()
	assert.False(t, ok)
	assert.True(t, s.IsVADMode())
	assert.False(t, s.IsAudioMode())
}

func TestStore_SendTextMessage(t *testing.T) {
	s := NewStore()
	s.SetConnectionState(ConnectionConnecting)
	assert.Nil(t, s.SendTextMessage("hi"), "未连接时不能发送")

	s.SetConnectionState(ConnectionConnected)
	assert.Nil(t, s.SendTextMessage("   \n\t"))
	assert.False(t, s.HasMessages())

	m := s.SendTextMessage("  hi ")
	require.NotNil(t, m)
	assert.Equal(t, "hi", m.Content)
	assert.Equal(t, StatusSending, m.Status)
	assert.Equal(t, RoleUser, m.Role)
	assert.True(t, strings.HasPrefix(m.ID, "msg_"))
	assert.Len(t, s.Messages(), 1)

	s.SetProcessing(true)
	assert.Nil(t, s.SendTextMessage("again"))
	s.SetProcessing(false)

	s.StartRecording()
	assert.Nil(t, s.SendTextMessage("again"))
	assert.Len(t, s.Messages(), 1)
}

func TestStore_SendAudioMessage(t *testing.T) {
	s := connectedStore()
	assert.Nil(t, s.SendAudioMessage(" ", "hi", time.Second))

	m := s.SendAudioMessage("blob:1", "", 2*time.Second)
	require.NotNil(t, m)
	assert.Equal(t, MessageTypeAudio, m.Type)
	assert.Equal(t, "blob:1", m.AudioURL)
	assert.Equal(t, 2*time.Second, m.AudioDuration)
	assert.Equal(t, StatusSending, m.Status)
}

func TestStore_StreamAssembly(t *testing.T) {
	s := connectedStore()
	m := s.StartAssistantStream()
	assert.Equal(t, StatusStreaming, m.Status)
	assert.Empty(t, m.Content)

	assert.True(t, s.AppendToStream(m.ID, "Hel"))
	assert.True(t, s.AppendToStream(m.ID, "lo"))
	require.NoError(t, s.CompleteStream(m.ID))
	assert.False(t, s.AppendToStream(m.ID, "!"), "完成后不能再追加")
	assert.False(t, s.AppendToStream("missing", "x"))

	last, ok := s.LastMessage()
	require.True(t, ok)
	assert.Equal(t, "Hello", last.Content)
	assert.Equal(t, StatusSent, last.Status)
}

func TestStore_UpdateMessage(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewStore(WithClock(clock))
	m := s.AddMessage(Message{Role: RoleUser, Content: "hi", Status: StatusSending})
	assert.Equal(t, clock.Now(), m.Timestamp)

	err := s.UpdateMessage(m.ID, func(msg *Message) {
		msg.ID = "other"
		msg.Content = "hello"
		msg.Status = StatusSent
	})
	require.NoError(t, err)
	got, ok := s.Message(m.ID)
	require.True(t, ok)
	assert.Equal(t, "hello", got.Content)

	err = s.UpdateMessage(m.ID, func(msg *Message) { msg.Status = StatusSending })
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
	assert.ErrorIs(t, s.UpdateMessage("missing", func(*Message) {}), ErrMessageNotFound)

	require.NoError(t, s.FailMessage(m.ID))
	assert.ErrorIs(t, s.CompleteStream(m.ID), ErrInvalidStatusTransition)

	s.RemoveMessage(m.ID)
	assert.False(t, s.HasMessages())
}

func TestStore_AddMessageNormalizesUnknownStatus(t *testing.T) {
	s := NewStore()
	m := s.AddMessage(Message{Role: RoleAssistant, Content: "x", Status: Status("pending")})
	assert.Equal(t, StatusSent, m.Status)
	got, ok := s.Message(m.ID)
	require.True(t, ok)
	assert.Equal(t, StatusSent, got.Status)

	// 归一后仍能正常迁移到 error
	require.NoError(t, s.FailMessage(m.ID))
	got, _ = s.Message(m.ID)
	assert.Equal(t, StatusError, got.Status)

	streaming := s.AddMessage(Message{Role: RoleAssistant, Status: StatusStreaming})
	assert.Equal(t, StatusStreaming, streaming.Status)
	assert.False(t, Status("pending").Valid())
	assert.True(t, StatusStreaming.Valid())
}

// 随机操作序列下，每条消息的状态只会前进
func TestStore_StatusOnlyMovesForward(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	statuses := []Status{StatusSending, StatusStreaming, StatusSent, StatusError}

	for round := 0; round < 50; round++ {
		s := connectedStore()
		last := map[string]Status{}
		for step := 0; step < 100; step++ {
			ids := make([]string, 0, len(last))
			for _, m := range s.Messages() {
				ids = append(ids, m.ID)
			}
			pick := func() string {
				if len(ids) == 0 {
					return "missing"
				}
				return ids[rng.Intn(len(ids))]
			}

			switch rng.Intn(6) {
			case 0:
				if m := s.SendTextMessage("hi"); m != nil {
					last[m.ID] = m.Status
				}
			case 1:
				m := s.StartAssistantStream()
				last[m.ID] = m.Status
			case 2:
				s.AppendToStream(pick(), "x")
			case 3:
				s.CompleteStream(pick())
			case 4:
				s.FailMessage(pick())
			case 5:
				to := statuses[rng.Intn(len(statuses))]
				s.UpdateMessage(pick(), func(m *Message) { m.Status = to })
			}

			for _, m := range s.Messages() {
				prev := last[m.ID]
				require.True(t, prev.CanTransition(m.Status), "%s -> %s", prev, m.Status)
				if prev == StatusSent || prev == StatusError {
					require.NotEqual(t, StatusSending, m.Status)
					require.NotEqual(t, StatusStreaming, m.Status)
				}
				last[m.ID] = m.Status
			}
		}
	}
}

func TestStore_ModeSwitchStopsRecording(t *testing.T) {
	s := connectedStore()
	assert.False(t, s.ToggleInputMode())
	assert.True(t, s.IsAudioMode())

	assert.True(t, s.StartRecording())
	assert.False(t, s.StartRecording(), "重复开始被拦截")
	assert.True(t, s.ToggleAudioMode())
	assert.False(t, s.IsRecording())
	assert.True(t, s.IsVADMode())

	s.StartRecording()
	assert.False(t, s.SetInputMode(InputModeAudio), "仍在语音模式不停止")
	assert.True(t, s.IsRecording())
	assert.True(t, s.SetInputMode(InputModeText))
	assert.False(t, s.IsRecording())
}

func TestStore_Clamps(t *testing.T) {
	s := NewStore()
	s.SetAudioLevel(1.7)
	assert.Equal(t, 1.0, s.Snapshot().AudioLevel)
	s.SetAudioLevel(-1)
	assert.Equal(t, 0.0, s.Snapshot().AudioLevel)

	s.SetVADSensitivity(3)
	assert.Equal(t, 1.0, s.Snapshot().VADSensitivity)

	s.SetVADSilenceTimeout(100 * time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, s.Snapshot().VADSilenceTimeout)
	s.SetVADSilenceTimeout(time.Minute)
	assert.Equal(t, 5*time.Second, s.Snapshot().VADSilenceTimeout)
	s.SetVADSilenceTimeout(2 * time.Second)
	assert.Equal(t, 2*time.Second, s.Snapshot().VADSilenceTimeout)
}

func TestStore_SubscribeAndReset(t *testing.T) {
	s := connectedStore()
	var snaps []Snapshot
	cancel := s.Subscribe(func(snap Snapshot) { snaps = append(snaps, snap) })

	s.SendTextMessage("hi")
	s.SetError("boom")
	s.SetCurrentTranscript("hel")
	require.Len(t, snaps, 3)
	assert.Len(t, snaps[0].Messages, 1)
	assert.Equal(t, "boom", snaps[1].Error)

	// 快照是副本
	snaps[0].Messages[0].Content = "changed"
	assert.Equal(t, "hi", s.Messages()[0].Content)

	s.ToggleInputMode()
	s.StartRecording()
	s.Reset()
	snap := s.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.Empty(t, snap.Error)
	assert.Empty(t, snap.CurrentTranscript)
	assert.Equal(t, InputModeText, snap.InputMode)
	assert.False(t, snap.IsRecording)
	assert.Equal(t, ConnectionConnected, snap.ConnectionState)

	cancel()
	cancel()
	n := len(snaps)
	s.SetSpeaking(true)
	assert.Len(t, snaps, n)
}
