package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func Test_LOG(t *testing.T) {
	defer func() { _ = Sync() }()
	Info("Info msg")
	Warn("Warn msg")
	Error("Error msg")
	Debug("Debug msg", Int("age", 3))
}

// CustomLogger 自定义日志实现示例
type CustomLogger struct {
	infos int
}

func (c *CustomLogger) Debug(msg string, fields ...Field)      {}
func (c *CustomLogger) Info(msg string, fields ...Field)       { c.infos++ }
func (c *CustomLogger) Warn(msg string, fields ...Field)       {}
func (c *CustomLogger) Error(msg string, fields ...Field)      {}
func (c *CustomLogger) Panic(msg string, fields ...Field)      {}
func (c *CustomLogger) Fatal(msg string, fields ...Field)      {}
func (c *CustomLogger) Debugf(format string, v ...interface{}) {}
func (c *CustomLogger) Infof(format string, v ...interface{})  { c.infos++ }
func (c *CustomLogger) Warnf(format string, v ...interface{})  {}
func (c *CustomLogger) Errorf(format string, v ...interface{}) {}
func (c *CustomLogger) Panicf(format string, v ...interface{}) {}
func (c *CustomLogger) Fatalf(format string, v ...interface{}) {}
func (c *CustomLogger) SetLevel(level Level)                   {}
func (c *CustomLogger) Sync() error                            { return nil }

func Test_CustomLogger(t *testing.T) {
	old := Default()
	defer ReplaceDefault(old)

	custom := &CustomLogger{}
	ReplaceDefault(custom)

	Info("test custom logger")
	Infof("test %s", "custom logger")

	if custom.infos != 2 {
		t.Errorf("自定义日志器应收到2条Info, got %d", custom.infos)
	}
}

func Test_LevelMapping(t *testing.T) {
	// 验证级别映射正确
	if toZapLevel(DebugLevel) != -1 {
		t.Errorf("DebugLevel mapping failed: got %d, want -1", toZapLevel(DebugLevel))
	}
	if toZapLevel(InfoLevel) != 0 {
		t.Errorf("InfoLevel mapping failed: got %d, want 0", toZapLevel(InfoLevel))
	}
	if toZapLevel(WarnLevel) != 1 {
		t.Errorf("WarnLevel mapping failed: got %d, want 1", toZapLevel(WarnLevel))
	}
	if toZapLevel(ErrorLevel) != 2 {
		t.Errorf("ErrorLevel mapping failed: got %d, want 2", toZapLevel(ErrorLevel))
	}
	if toZapLevel(PanicLevel) != 4 {
		t.Errorf("PanicLevel mapping failed: got %d, want 4 (skip DPanic=3)", toZapLevel(PanicLevel))
	}
	if toZapLevel(FatalLevel) != 5 {
		t.Errorf("FatalLevel mapping failed: got %d, want 5", toZapLevel(FatalLevel))
	}
}

func Test_ParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want Level
		ok   bool
	}{
		{"debug", DebugLevel, true},
		{"", InfoLevel, true},
		{"warning", WarnLevel, true},
		{"ERROR", ErrorLevel, true},
		{"verbose", InfoLevel, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseLevel(%q) = %v,%v, want %v,%v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func Test_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, WarnLevel)

	l.Info("hidden")
	l.Warn("shown", String("state", "A"), Duration("after", time.Second))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("低于WarnLevel的日志不应输出")
	}
	if !strings.Contains(out, "[WARN]") || !strings.Contains(out, "shown") {
		t.Errorf("输出格式错误: %q", out)
	}

	l.SetLevel(DebugLevel)
	l.Debugf("now %s", "visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Error("SetLevel后Debug应输出")
	}
}

func Test_NamedWith(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, InfoLevel)

	child := With(Named(l, "machine"), String("state", "A"))
	child.Info("entered")
	out := buf.String()
	if !strings.Contains(out, "machine") || !strings.Contains(out, "state") || !strings.Contains(out, "entered") {
		t.Errorf("子日志器应带名称和字段: %q", out)
	}

	// 子日志器与父日志器共享级别
	l.SetLevel(ErrorLevel)
	buf.Reset()
	child.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("父日志器调整级别后子日志器不应输出: %q", buf.String())
	}

	custom := &CustomLogger{}
	if Named(custom, "machine") != Logger(custom) || With(custom, Int("n", 1)) != Logger(custom) {
		t.Error("不支持命名的日志器应原样返回")
	}
}

func Test_Nop(t *testing.T) {
	l := NewNop()
	l.Error("nothing")
	if err := l.Sync(); err != nil {
		t.Errorf("Nop Sync不应失败: %v", err)
	}
}

func Test_RotateBySize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	l := New(NewProductionRotateBySize(path), InfoLevel)
	l.Info("rotate me")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取日志文件失败: %v", err)
	}
	if !strings.Contains(string(data), "rotate me") {
		t.Errorf("日志文件内容错误: %q", data)
	}
}

func Test_RotateByTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	out, err := NewRotateByTime(&RotateConfig{Filename: path, MaxAge: 1, RotationTime: time.Hour})
	if err != nil {
		t.Fatalf("创建按时间轮转失败: %v", err)
	}
	l := New(out, InfoLevel)
	l.Info("hourly")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取软链接失败: %v", err)
	}
	if !strings.Contains(string(data), "hourly") {
		t.Errorf("日志文件内容错误: %q", data)
	}
}
