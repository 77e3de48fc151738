package logger

import (
	"fmt"
	"io"
	"path/filepath"
	"runtime"

	nested "github.com/antonfisher/nested-logrus-formatter"
	log "github.com/sirupsen/logrus"
)

// 调用栈跳过层数: 用户代码 -> logger.Xxx -> entry -> caller -> runtime.Caller
const callerSkip = 3

func init() {
	// 默认不设置输出目标，由 cmd 层根据配置决定
	log.SetFormatter(Formatter(false))
}

// SetOutput 设置日志输出目标
func SetOutput(out io.Writer) {
	log.SetOutput(out)
}

// SetLevel 设置日志级别
func SetLevel(level log.Level) {
	log.SetLevel(level)
}

// SetLevelString 按字符串设置日志级别，解析失败时保持 info
func SetLevelString(level string) {
	lv, err := log.ParseLevel(level)
	if err != nil {
		lv = log.InfoLevel
	}
	log.SetLevel(lv)
}

// UseConsole 输出到控制台并启用颜色
func UseConsole(out io.Writer) {
	log.SetOutput(out)
	log.SetFormatter(Formatter(true))
}

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

func entry() *log.Entry {
	return log.WithField("caller", caller(callerSkip))
}

func Info(args ...interface{}) {
	entry().Info(args...)
}

func Error(args ...interface{}) {
	entry().Error(args...)
}

func Debug(args ...interface{}) {
	entry().Debug(args...)
}

func Warn(args ...interface{}) {
	entry().Warn(args...)
}

func Infof(format string, args ...interface{}) {
	entry().Infof(format, args...)
}

func Errorf(format string, args ...interface{}) {
	entry().Errorf(format, args...)
}

func Debugf(format string, args ...interface{}) {
	entry().Debugf(format, args...)
}

func Warnf(format string, args ...interface{}) {
	entry().Warnf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	entry().Fatalf(format, args...)
}

// Component 返回带组件名的日志入口，用于区分 realtime/capture/playback 等模块
func Component(name string) *log.Entry {
	return log.WithFields(log.Fields{
		"component": name,
		"caller":    caller(2),
	})
}

// Log 以 key, value 交替的参数构造带字段的日志入口
func Log(args ...interface{}) *log.Entry {
	fields := log.Fields{}
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		if i+1 < len(args) {
			fields[key] = args[i+1]
		} else {
			fields[key] = ""
		}
	}
	fields["caller"] = caller(2)
	return log.WithFields(fields)
}

func Formatter(isConsole bool) *nested.Formatter {
	return &nested.Formatter{
		FieldsOrder:      []string{"time", "level", "component", "caller", "msg"},
		HideKeys:         true,
		TimestampFormat:  "2006-01-02 15:04:05.000",
		CallerFirst:      true,
		NoUppercaseLevel: true,
		ShowFullLevel:    true,
		NoColors:         !isConsole,
		// caller 字段由本包自行填充
		CustomCallerFormatter: func(frame *runtime.Frame) string {
			return ""
		},
	}
}
