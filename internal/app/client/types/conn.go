package types

import "context"

const TransportTypeWebsocket = "websocket"

// ChannelHandler 通道事件回调，由读协程串行调用
type ChannelHandler struct {
	OnText   func(data []byte)
	OnBinary func(data []byte)
	// OnClose 每个通道只回调一次，非正常断开时 code 为 1006
	OnClose func(code int, reason string)
}

// DuplexChannel 协议无关的双工通道，发送方法可并发调用
type DuplexChannel interface {
	SendText(data []byte) error
	SendBinary(data []byte) error
	Close(code int, reason string) error
	GetTransportType() string
}

// Dialer 握手成功后返回通道，之后的事件通过 handler 送达
type Dialer interface {
	Dial(ctx context.Context, url string, handler ChannelHandler) (DuplexChannel, error)
}
