package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"voice-chat-client-golang/internal/config"
	log "voice-chat-client-golang/logger"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
)

func Init(configFile string) (*config.Config, error) {
	//init config
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		fmt.Printf("initConfig err: %+v\n", err)
		return nil, err
	}

	//init log
	if err := initLog(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initLog(c config.LogConfig) error {
	logPath := c.Path + c.File
	if !filepath.IsAbs(logPath) {
		binPath, _ := os.Executable()
		logPath = filepath.Join(filepath.Dir(binPath), logPath)
	}
	/* 日志轮转
	`WithLinkName` 为最新的日志建立软连接
	`WithRotationTime` 每天切分一次
	`WithRotationCount` 最多保留的文件个数
	*/
	writer, err := rotatelogs.New(
		logPath+".%Y%m%d",
		rotatelogs.WithLinkName(logPath),
		rotatelogs.WithRotationCount(uint(c.MaxAge)),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		fmt.Printf("init log error: %v\n", err)
		return err
	}

	if c.Stdout {
		// 同时输出到文件和标准输出
		log.UseConsole(io.MultiWriter(writer, os.Stdout))
	} else {
		log.SetOutput(writer)
	}
	log.SetLevelString(c.Level)
	return nil
}
