package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"voice-chat-client-golang/constants"
	"voice-chat-client-golang/internal/app/client/types"
	"voice-chat-client-golang/internal/data/conversation"
	"voice-chat-client-golang/internal/data/msg"
	"voice-chat-client-golang/internal/util"
	log "voice-chat-client-golang/logger"

	"github.com/jonboulle/clockwork"
)

var (
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrNotConnected       = errors.New("not connected")
	ErrClientDisposed     = errors.New("realtime client disposed")
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 1000 * time.Millisecond
	// MaxReconnectDelay 退避上限，重连次数配得很大时不会溢出
	MaxReconnectDelay = 5 * time.Minute
)

// ServerError 服务端通过 error 帧上报的错误
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return "unknown server error"
	}
	return "server error: " + e.Message
}

// CloseError 连接被关闭
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "unknown reason"
	}
	return fmt.Sprintf("connection closed (%d): %s", e.Code, reason)
}

// ReconnectDelay 第 attempt 次重连前的等待时间, base * 2^attempt, 不超过 MaxReconnectDelay
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if base >= MaxReconnectDelay {
		return MaxReconnectDelay
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d >= MaxReconnectDelay/2 {
			return MaxReconnectDelay
		}
		d *= 2
	}
	return d
}

type Option func(*Client)

func WithURL(u string) Option {
	return func(c *Client) { c.url = u }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithConversationID(id string) Option {
	return func(c *Client) { c.conversationID = id }
}

func WithAutoReconnect(enable bool) Option {
	return func(c *Client) { c.autoReconnect = enable }
}

func WithMaxReconnectAttempts(n int) Option {
	return func(c *Client) { c.maxReconnectAttempts = n }
}

func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) { c.reconnectDelay = d }
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

func WithOnConnectionChange(fn func(state conversation.ConnectionState)) Option {
	return func(c *Client) { c.onConnectionChange = fn }
}

// WithOnMessage 接收 response_start/response_chunk/response_end 等其余控制帧
func WithOnMessage(fn func(m msg.ServerMessage)) Option {
	return func(c *Client) { c.onMessage = fn }
}

func WithOnTranscript(fn func(text string, isFinal bool)) Option {
	return func(c *Client) { c.onTranscript = fn }
}

func WithOnAudioChunk(fn func(data []byte)) Option {
	return func(c *Client) { c.onAudioChunk = fn }
}

func WithOnError(fn func(err error)) Option {
	return func(c *Client) { c.onError = fn }
}

// Client 持久双工连接，断线自动重连，未连接时控制消息排队
type Client struct {
	dialer               types.Dialer
	clock                clockwork.Clock
	url                  string
	token                string
	autoReconnect        bool
	maxReconnectAttempts int
	reconnectDelay       time.Duration

	onConnectionChange func(conversation.ConnectionState)
	onMessage          func(msg.ServerMessage)
	onTranscript       func(string, bool)
	onAudioChunk       func([]byte)
	onError            func(error)

	// 锁顺序: mu -> writeMu
	mu             sync.Mutex
	writeMu        sync.Mutex
	state          conversation.ConnectionState
	conversationID string
	ch             types.DuplexChannel
	// generation 每次发起连接或连接失效时递增，旧通道的事件据此丢弃
	generation     uint64
	attempts       int
	reconnectTimer clockwork.Timer
	pending        *util.Queue[msg.ClientMessage]
	disposed       bool
}

func NewClient(dialer types.Dialer, opts ...Option) *Client {
	c := &Client{
		dialer:               dialer,
		clock:                clockwork.NewRealClock(),
		url:                  "/api/realtime",
		autoReconnect:        true,
		maxReconnectAttempts: DefaultMaxReconnectAttempts,
		reconnectDelay:       DefaultReconnectDelay,
		state:                conversation.ConnectionDisconnected,
		pending:              util.NewQueue[msg.ClientMessage](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect 已连接或连接中时直接返回；握手失败按非正常断开处理
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrClientDisposed
	}
	if c.state == conversation.ConnectionConnected || c.state == conversation.ConnectionConnecting {
		c.mu.Unlock()
		return nil
	}
	c.stopReconnectTimerLocked()
	c.generation++
	gen := c.generation
	notify := c.setStateLocked(conversation.ConnectionConnecting)
	target := c.buildURLLocked()
	c.mu.Unlock()
	notify()

	ch, err := c.dialer.Dial(ctx, target, types.ChannelHandler{
		OnText:   func(data []byte) { c.handleText(gen, data) },
		OnBinary: func(data []byte) { c.handleBinary(gen, data) },
		OnClose:  func(code int, reason string) { c.handleClose(gen, code, reason) },
	})
	if err != nil {
		log.Warnf("连接 %s 失败: %v", target, err)
		c.handleClose(gen, constants.CloseAbnormal, err.Error())
		return err
	}
	c.handleOpen(gen, ch)
	return nil
}

func (c *Client) buildURLLocked() string {
	params := url.Values{}
	if c.token != "" {
		params.Set("token", c.token)
	}
	if c.conversationID != "" {
		params.Set("conversationId", c.conversationID)
	}
	target := c.url
	if q := params.Encode(); q != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + q
	}
	return target
}

func (c *Client) handleOpen(gen uint64, ch types.DuplexChannel) {
	c.mu.Lock()
	if gen != c.generation || c.disposed {
		c.mu.Unlock()
		ch.Close(constants.CloseNormal, "stale connection")
		return
	}
	c.ch = ch
	c.attempts = 0
	notify := c.setStateLocked(conversation.ConnectionConnected)
	// 先拿写锁再放 mu，保证排队消息先于新消息发出
	c.writeMu.Lock()
	pending := c.pending.Drain()
	c.mu.Unlock()

	for _, m := range pending {
		if err := c.writeJSON(ch, m); err != nil {
			log.Errorf("发送排队消息失败: %v", err)
		}
	}
	c.writeMu.Unlock()

	log.Infof("实时连接已建立, 补发排队消息 %d 条", len(pending))
	notify()
}

func (c *Client) handleClose(gen uint64, code int, reason string) {
	c.mu.Lock()
	if gen != c.generation || c.disposed {
		c.mu.Unlock()
		return
	}
	c.generation++
	c.ch = nil

	var notify func()
	var reportErr error
	switch {
	case code == constants.CloseNormal:
		notify = c.setStateLocked(conversation.ConnectionDisconnected)
	case c.autoReconnect && c.attempts < c.maxReconnectAttempts:
		notify = c.setStateLocked(conversation.ConnectionReconnecting)
		delay := ReconnectDelay(c.reconnectDelay, c.attempts)
		c.attempts++
		log.Infof("连接断开(%d), %v 后第 %d 次重连", code, delay, c.attempts)
		c.stopReconnectTimerLocked()
		c.reconnectTimer = c.clock.AfterFunc(delay, func() {
			c.Connect(context.Background())
		})
	default:
		notify = c.setStateLocked(conversation.ConnectionDisconnected)
		closeErr := &CloseError{Code: code, Reason: reason}
		if c.autoReconnect {
			reportErr = fmt.Errorf("%w: %v", ErrReconnectExhausted, closeErr)
		} else {
			reportErr = closeErr
		}
	}
	c.mu.Unlock()

	notify()
	if reportErr != nil {
		c.reportError(reportErr)
	}
}

func (c *Client) handleText(gen uint64, data []byte) {
	if !c.isCurrent(gen) {
		return
	}
	var m msg.ServerMessage
	if err := json.Unmarshal(data, &m); err != nil {
		log.Warnf("解析服务端消息失败: %v, data: %s", err, string(data))
		return
	}
	switch m.Type {
	case msg.ServerMessageTypeTranscript:
		if c.onTranscript != nil {
			c.onTranscript(m.Text, m.IsFinal)
		}
	case msg.ServerMessageTypeAudioChunk:
		if len(m.Data) > 0 && c.onAudioChunk != nil {
			c.onAudioChunk(m.Data)
		}
	case msg.ServerMessageTypeError:
		c.reportError(&ServerError{Message: m.Message})
	default:
		if c.onMessage != nil {
			c.onMessage(m)
		}
	}
}

func (c *Client) handleBinary(gen uint64, data []byte) {
	if !c.isCurrent(gen) {
		return
	}
	if c.onAudioChunk != nil {
		c.onAudioChunk(data)
	}
}

func (c *Client) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation && !c.disposed
}

func (c *Client) reportError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

// setStateLocked 返回锁外执行的通知函数
func (c *Client) setStateLocked(state conversation.ConnectionState) func() {
	if c.state == state {
		return func() {}
	}
	c.state = state
	fn := c.onConnectionChange
	return func() {
		if fn != nil {
			fn(state)
		}
	}
}

func (c *Client) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// SendText 未连接时排队，连接后按顺序补发
func (c *Client) SendText(content string) error {
	c.mu.Lock()
	return c.sendLocked(msg.ClientMessage{
		Type:           msg.ClientMessageTypeText,
		Content:        content,
		ConversationID: c.conversationID,
	})
}

// SendAudioEnd 未连接时排队
func (c *Client) SendAudioEnd() error {
	c.mu.Lock()
	return c.sendLocked(msg.ClientMessage{
		Type:           msg.ClientMessageTypeAudioEnd,
		ConversationID: c.conversationID,
	})
}

// sendLocked 进入时持有 mu，返回前释放
func (c *Client) sendLocked(m msg.ClientMessage) error {
	if c.disposed {
		c.mu.Unlock()
		return ErrClientDisposed
	}
	if c.state != conversation.ConnectionConnected || c.ch == nil {
		err := c.pending.Push(m)
		c.mu.Unlock()
		return err
	}
	ch := c.ch
	c.writeMu.Lock()
	c.mu.Unlock()
	defer c.writeMu.Unlock()

	if err := c.writeJSON(ch, m); err != nil {
		c.reportError(err)
		return err
	}
	return nil
}

func (c *Client) writeJSON(ch types.DuplexChannel, m msg.ClientMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return ch.SendText(data)
}

// SendAudioChunk 二进制直发，未连接时丢弃
func (c *Client) SendAudioChunk(chunk []byte) error {
	c.mu.Lock()
	if c.state != conversation.ConnectionConnected || c.ch == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	ch := c.ch
	c.writeMu.Lock()
	c.mu.Unlock()
	defer c.writeMu.Unlock()
	return ch.SendBinary(chunk)
}

// SetConversationID 影响之后构造的消息和下一次连接的 URL
func (c *Client) SetConversationID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversationID = id
}

func (c *Client) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

func (c *Client) State() conversation.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) IsConnected() bool {
	return c.State() == conversation.ConnectionConnected
}

// PendingCount 排队中的控制消息数
func (c *Client) PendingCount() int {
	return c.pending.Len()
}

// Disconnect 正常关闭，不触发重连
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopReconnectTimerLocked()
	c.generation++
	ch := c.ch
	c.ch = nil
	notify := c.setStateLocked(conversation.ConnectionDisconnected)
	c.mu.Unlock()

	if ch != nil {
		if err := ch.Close(constants.CloseNormal, "Client disconnect"); err != nil {
			log.Debugf("关闭连接: %v", err)
		}
	}
	notify()
}

// Dispose 断开并清空排队消息，之后不可再用
func (c *Client) Dispose() {
	c.Disconnect()
	c.mu.Lock()
	c.disposed = true
	c.pending.Clear()
	c.mu.Unlock()
}
