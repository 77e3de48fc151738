package httpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"voice-chat-client-golang/internal/data/msg"
)

const doneSentinel = "[DONE]"

// StreamingOptions 流式回复回调，都可以为空
type StreamingOptions struct {
	OnChunk    func(chunk string)
	OnComplete func(fullText string)
	OnError    func(err error)
}

type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(body io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(body)}
}

// Next 返回下一条 data 负载, 读到 [DONE] 或流结束时返回 io.EOF
func (s *sseReader) Next() (string, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, "data:") {
			data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if data == doneSentinel {
				return "", io.EOF
			}
			return data, nil
		}
		if err == io.EOF {
			return "", io.EOF
		}
	}
}

// decodeChunk JSON 对象取 content 字段，解析失败时按纯文本处理
func decodeChunk(data string) string {
	var v interface{}
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return data
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	var chunk msg.StreamChunk
	if content, ok := obj["content"].(string); ok {
		chunk.Content = content
	}
	return chunk.Content
}

// ReadStream 逐行读取 SSE 响应体并拼接全文
func ReadStream(ctx context.Context, body io.Reader, opts StreamingOptions) (string, error) {
	reader := newSSEReader(body)
	var full strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return full.String(), fail(opts, err)
		}
		data, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return full.String(), fail(opts, err)
		}
		chunk := decodeChunk(data)
		if chunk == "" {
			continue
		}
		full.WriteString(chunk)
		if opts.OnChunk != nil {
			opts.OnChunk(chunk)
		}
	}
	text := full.String()
	if opts.OnComplete != nil {
		opts.OnComplete(text)
	}
	return text, nil
}

func fail(opts StreamingOptions, err error) error {
	if opts.OnError != nil {
		opts.OnError(err)
	}
	return err
}
