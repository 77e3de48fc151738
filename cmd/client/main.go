package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"voice-chat-client-golang/internal/app/client/httpclient"
	"voice-chat-client-golang/internal/app/client/realtime"
	"voice-chat-client-golang/internal/app/client/session"
	"voice-chat-client-golang/internal/app/client/websocket"
	"voice-chat-client-golang/internal/config"
	dataaudio "voice-chat-client-golang/internal/data/audio"
	"voice-chat-client-golang/internal/data/conversation"
	"voice-chat-client-golang/internal/domain/capture"
	convstore "voice-chat-client-golang/internal/domain/conversation"
	"voice-chat-client-golang/internal/domain/device"
	"voice-chat-client-golang/internal/domain/device/portaudio"
	"voice-chat-client-golang/internal/domain/playback"
	"voice-chat-client-golang/internal/domain/vad"
	log "voice-chat-client-golang/logger"
)

const usage = `命令:
  <文本>      发送文本
  /audio     切换文本/语音输入
  /ptt       按住说话: 第一次开始录音, 再次输入结束并发送
  /vad       切换按键/自动检测
  /stop      打断播放
  /reconnect 重新建立实时连接
  /status    查看当前状态
  /quit      退出`

func main() {
	// 解析命令行参数
	configFile := flag.String("c", "config/client.yaml", "配置文件路径")
	flag.Parse()

	if *configFile == "" {
		fmt.Println("配置文件路径不能为空")
		return
	}

	cfg, err := Init(*configFile)
	if err != nil {
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := newSession(ctx, cfg)
	if err != nil {
		log.Errorf("创建会话失败: %v", err)
		os.Exit(1)
	}
	defer s.Close()

	cancelSub := s.Store().Subscribe(render())
	defer cancelSub()

	if err := s.Start(); err != nil {
		log.Warnf("实时连接失败, 后台重试: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	lines := readLines(os.Stdin)

	fmt.Println(usage)
	for {
		select {
		case <-quit:
			log.Info("正在退出...")
			return
		case line, ok := <-lines:
			if !ok || !handleCommand(s, line) {
				log.Info("正在退出...")
				return
			}
		}
	}
}

func newSession(ctx context.Context, cfg *config.Config) (*session.Session, error) {
	realtimeURL, err := cfg.RealtimeURL()
	if err != nil {
		return nil, err
	}
	dialer := websocket.NewDialer(websocket.WithHandshakeTimeout(cfg.Realtime.HandshakeTimeout))

	opts := []session.Option{
		session.WithSettings(cfg.Conversation),
		session.WithAudioIdleTimeout(cfg.Audio.IdleTimeout),
		session.WithOutputFormat(device.Format{
			SampleRate: cfg.Audio.OutputSampleRate,
			Channels:   dataaudio.Channels,
		}),
		session.WithRealtimeOptions(
			realtime.WithURL(realtimeURL),
			realtime.WithToken(cfg.Server.Token),
			realtime.WithConversationID(cfg.Server.ConversationID),
			realtime.WithAutoReconnect(cfg.Realtime.AutoReconnect),
			realtime.WithMaxReconnectAttempts(cfg.Realtime.MaxReconnectAttempts),
			realtime.WithReconnectDelay(cfg.Realtime.ReconnectDelay),
		),
		session.WithRecorderOptions(
			capture.WithCodec(cfg.Audio.Codec, cfg.Audio.BitRate),
			capture.WithChunkInterval(cfg.Audio.ChunkDuration),
		),
		session.WithPlayerOptions(playback.WithChunkFormat(playback.ChunkFormat{
			Codec:      dataaudio.Format,
			SampleRate: cfg.Audio.OutputSampleRate,
			Channels:   dataaudio.Channels,
		})),
	}

	if cfg.Fallback.Enable {
		opts = append(opts, session.WithFallback(httpclient.NewClient(cfg.Server.BaseURL,
			httpclient.WithToken(cfg.Server.Token),
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Fallback.Timeout}),
		)))
	}

	// VAD 使用独立的采集流
	meter, err := vad.AcquireMeter(cfg.Vad.Provider, portaudio.NewSource(), device.Constraints{
		SampleRate: dataaudio.SampleRate,
		Channels:   dataaudio.Channels,
		FrameSize:  dataaudio.SampleRate * dataaudio.FrameDuration / 1000,
	}, cfg.Vad.Config)
	if err != nil {
		return nil, err
	}
	opts = append(opts, session.WithMeter(meter))

	s := session.New(ctx, dialer, portaudio.NewSource(), portaudio.NewSink(), opts...)
	if err := s.SetVADSensitivity(cfg.Conversation.VADSensitivity); err != nil {
		return nil, err
	}
	return s, nil
}

func readLines(f *os.File) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			ch <- strings.TrimSpace(scanner.Text())
		}
	}()
	return ch
}

// handleCommand 返回 false 表示退出
func handleCommand(s *session.Session, line string) bool {
	var err error
	switch line {
	case "":
		return true
	case "/quit":
		return false
	case "/audio":
		err = s.ToggleInputMode()
	case "/vad":
		err = s.ToggleAudioMode()
	case "/stop":
		err = s.StopSpeaking()
	case "/reconnect":
		err = s.Reconnect()
	case "/status":
		snap := s.Store().Snapshot()
		fmt.Printf("通道: %s, 连接: %s, 输入: %s/%s, 消息: %d\n",
			s.Transport(), snap.ConnectionState, snap.InputMode, snap.AudioMode, len(snap.Messages))
	case "/ptt":
		if s.Store().IsRecording() {
			err = s.StopTalking()
		} else {
			err = s.StartTalking()
		}
	default:
		err = s.SendText(line)
	}
	if err != nil {
		fmt.Printf("! %v\n", err)
	}
	return true
}

// render 在终端打印状态变化和新完成的消息
func render() func(convstore.Snapshot) {
	var mu sync.Mutex
	var lastState conversation.ConnectionState
	printed := map[string]bool{}
	return func(snap convstore.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if snap.ConnectionState != lastState {
			lastState = snap.ConnectionState
			fmt.Printf("[%s]\n", lastState)
		}
		for _, m := range snap.Messages {
			if printed[m.ID] || m.Status == conversation.StatusSending || m.Status == conversation.StatusStreaming {
				continue
			}
			printed[m.ID] = true
			switch {
			case m.Status == conversation.StatusError:
				fmt.Printf("%s [error] %s\n", m.Role, m.Content)
			case m.Type == conversation.MessageTypeAudio:
				fmt.Printf("%s [audio %v] %s\n", m.Role, m.AudioDuration, m.Content)
			default:
				fmt.Printf("%s: %s\n", m.Role, m.Content)
			}
		}
	}
}
