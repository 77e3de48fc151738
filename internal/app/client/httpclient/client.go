package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"voice-chat-client-golang/internal/data/msg"
	log "voice-chat-client-golang/logger"
)

const (
	chatPath  = "/api/chat"
	audioPath = "/api/audio"

	DefaultAudioFilename = "recording.webm"
)

// HttpError 非 2xx 响应
type HttpError struct {
	Status int
	Body   string
}

func (e *HttpError) Error() string {
	return fmt.Sprintf("HTTP error: %d", e.Status)
}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithOnError(fn func(err error)) Option {
	return func(c *Client) { c.onError = fn }
}

// Client 无状态的请求/响应客户端，长连接不可用时使用
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	onError    func(error)
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ResolveURL 服务端返回的相对地址补全为绝对地址
func (c *Client) ResolveURL(ref string) string {
	if ref == "" || strings.Contains(ref, "://") {
		return ref
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return c.baseURL + ref
}

// SendText POST /api/chat
func (c *Client) SendText(ctx context.Context, content, conversationID string) (*msg.ChatResponse, error) {
	body, err := json.Marshal(msg.ChatRequest{Message: content, ConversationID: conversationID})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, chatPath, "application/json", bytes.NewReader(body), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out msg.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	return &out, nil
}

// SendAudio 以 multipart 上传录音, 字段名 audio, 可选 conversationId
func (c *Client) SendAudio(ctx context.Context, audio []byte, filename, conversationID string) (*msg.AudioResponse, error) {
	if filename == "" {
		filename = DefaultAudioFilename
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(audio); err != nil {
		return nil, err
	}
	if conversationID != "" {
		if err := mw.WriteField("conversationId", conversationID); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, audioPath, mw.FormDataContentType(), &buf, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out msg.AudioResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	return &out, nil
}

// StreamChat 以 SSE 方式请求 /api/chat 并读取流式回复
func (c *Client) StreamChat(ctx context.Context, content, conversationID string, opts StreamingOptions) (string, error) {
	body, err := json.Marshal(msg.ChatRequest{Message: content, ConversationID: conversationID, Stream: true})
	if err != nil {
		return "", err
	}
	header := http.Header{"Accept": []string{"text/event-stream"}}
	resp, err := c.do(ctx, chatPath, "application/json", bytes.NewReader(body), header)
	if err != nil {
		if opts.OnError != nil {
			opts.OnError(err)
		}
		return "", err
	}
	defer resp.Body.Close()
	return ReadStream(ctx, resp.Body, opts)
}

func (c *Client) do(ctx context.Context, path, contentType string, body io.Reader, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", contentType)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warnf("请求 %s 失败: %v", path, err)
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		httpErr := &HttpError{Status: resp.StatusCode, Body: string(data)}
		log.Warnf("请求 %s 返回 %d", path, resp.StatusCode)
		if c.onError != nil {
			c.onError(httpErr)
		}
		return nil, httpErr
	}
	return resp, nil
}
