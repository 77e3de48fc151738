package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"voice-chat-client-golang/constants"
	"voice-chat-client-golang/internal/app/client/types"
	log "voice-chat-client-golang/logger"

	"github.com/gorilla/websocket"
)

var ErrConnClosed = errors.New("connection is closed")

const writeTimeout = 10 * time.Second

// Dialer 基于 gorilla/websocket 的 types.Dialer 实现
type Dialer struct {
	dialer *websocket.Dialer
	header http.Header
	// readTimeout 为 0 时不设读超时
	readTimeout time.Duration
}

type DialerOption func(*Dialer)

func WithHandshakeTimeout(d time.Duration) DialerOption {
	return func(w *Dialer) { w.dialer.HandshakeTimeout = d }
}

func WithHeader(header http.Header) DialerOption {
	return func(w *Dialer) { w.header = header }
}

func WithReadTimeout(d time.Duration) DialerOption {
	return func(w *Dialer) { w.readTimeout = d }
}

func NewDialer(opts ...DialerOption) *Dialer {
	d := &Dialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dialer) Dial(ctx context.Context, url string, handler types.ChannelHandler) (types.DuplexChannel, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket 握手失败, status: %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return NewWebSocketConn(conn, handler, d.readTimeout), nil
}

// WebSocketConn 实现 types.DuplexChannel，适配 WebSocket 连接
type WebSocketConn struct {
	conn        *websocket.Conn
	handler     types.ChannelHandler
	readTimeout time.Duration

	closeOnce sync.Once
	// 本端主动关闭时记录关闭码，读协程据此上报
	localCode   int
	localReason string
	isClosed    bool
	sync.RWMutex
}

// NewWebSocketConn 创建实例并启动读协程
func NewWebSocketConn(conn *websocket.Conn, handler types.ChannelHandler, readTimeout time.Duration) *WebSocketConn {
	instance := &WebSocketConn{
		conn:        conn,
		handler:     handler,
		readTimeout: readTimeout,
	}
	go instance.readLoop()
	return instance
}

func (w *WebSocketConn) readLoop() {
	for {
		if w.readTimeout > 0 {
			w.conn.SetReadDeadline(time.Now().Add(w.readTimeout))
		}
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.fireClose(err)
			return
		}
		switch msgType {
		case websocket.TextMessage:
			if w.handler.OnText != nil {
				w.handler.OnText(data)
			}
		case websocket.BinaryMessage:
			if w.handler.OnBinary != nil {
				w.handler.OnBinary(data)
			}
		}
	}
}

func (w *WebSocketConn) fireClose(err error) {
	code, reason := constants.CloseAbnormal, err.Error()
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code, reason = closeErr.Code, closeErr.Text
	}

	w.Lock()
	if w.isClosed && w.localCode != 0 {
		code, reason = w.localCode, w.localReason
	} else if code == constants.CloseAbnormal {
		log.Warnf("websocket 读取失败: %v", err)
	}
	w.isClosed = true
	w.Unlock()
	w.conn.Close()

	w.closeOnce.Do(func() {
		if w.handler.OnClose != nil {
			w.handler.OnClose(code, reason)
		}
	})
}

func (w *WebSocketConn) SendText(data []byte) error {
	return w.write(websocket.TextMessage, data)
}

func (w *WebSocketConn) SendBinary(data []byte) error {
	return w.write(websocket.BinaryMessage, data)
}

func (w *WebSocketConn) write(msgType int, data []byte) error {
	w.Lock()
	defer w.Unlock()

	if w.isClosed {
		return ErrConnClosed
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := w.conn.WriteMessage(msgType, data); err != nil {
		log.Errorf("websocket 发送失败: %v", err)
		return err
	}
	return nil
}

// Close 发送关闭帧后断开，重复调用无副作用
func (w *WebSocketConn) Close(code int, reason string) error {
	w.Lock()
	if w.isClosed {
		w.Unlock()
		return nil
	}
	w.isClosed = true
	w.localCode = code
	w.localReason = reason
	msg := websocket.FormatCloseMessage(code, reason)
	err := w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	w.Unlock()

	// 关闭底层连接让读协程退出并回调 OnClose
	if cerr := w.conn.Close(); err == nil {
		err = cerr
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (w *WebSocketConn) GetTransportType() string {
	return types.TransportTypeWebsocket
}

// IsClosed 检查连接是否已关闭
func (w *WebSocketConn) IsClosed() bool {
	w.RLock()
	defer w.RUnlock()
	return w.isClosed
}
