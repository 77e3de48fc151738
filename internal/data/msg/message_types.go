package msg

// 客户端消息类型常量
const (
	ClientMessageTypeText       = "text"        // 文本消息
	ClientMessageTypeAudioChunk = "audio_chunk" // 音频分片
	ClientMessageTypeAudioEnd   = "audio_end"   // 音频结束
)

// 服务器消息类型常量
const (
	ServerMessageTypeTranscript    = "transcript"     // 语音转文本
	ServerMessageTypeResponseStart = "response_start" // 回复开始
	ServerMessageTypeResponseChunk = "response_chunk" // 回复增量
	ServerMessageTypeResponseEnd   = "response_end"   // 回复结束
	ServerMessageTypeAudioChunk    = "audio_chunk"    // 回复音频
	ServerMessageTypeError         = "error"          // 服务端错误
)

// ClientMessage 表示客户端发送的控制帧
type ClientMessage struct {
	Type           string `json:"type"`
	Content        string `json:"content,omitempty"`
	Data           []byte `json:"data,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// ServerMessage 表示服务器下发的控制帧, data 字段在 JSON 中为 base64
type ServerMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"isFinal,omitempty"`
	Data    []byte `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// ChatRequest 对应 POST /api/chat
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
	Stream         bool   `json:"stream,omitempty"`
}

type ChatResponse struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversationId"`
}

// AudioResponse 对应 POST /api/audio
type AudioResponse struct {
	Transcript string `json:"transcript"`
	Response   string `json:"response"`
	AudioURL   string `json:"audioUrl,omitempty"`
}

// StreamChunk SSE data 行中的 JSON 负载
type StreamChunk struct {
	Content string `json:"content"`
}
