package diag

import (
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options 日志器配置。
type Options struct {
	// Level: debug|info|warn|error，默认 info。
	Level string
	// Dir: 轮转日志目录；为空时不落盘。
	Dir string
	// MaxBytes: 单文件上限，<=0 取 10 MiB。
	MaxBytes int64
	// Console: 额外的人类可读输出（通常为 stderr）；nil 表示关闭。
	Console io.Writer
	// Format: json|console，仅作用于 Console。
	Format string
}

// Logger 为结构化日志器：JSON 行写入轮转文件，可选控制台输出。
// 事件字段固定：comp/stage/code/dur_ms/count/doc_id/batch_id/kv。
type Logger struct {
	corrID string
	z      *zap.Logger
	sink   *RotatingFile
}

// NewLogger 通过配置的 level 初始化，并将日志写入默认目录 logs，10m 轮转。
func NewLogger(corrID, level string) *Logger {
	return New(corrID, Options{Level: level, Dir: "logs"})
}

// New 按 Options 构造日志器。
func New(corrID string, o Options) *Logger {
	lvl := parseLevel(o.Level)
	var cores []zapcore.Core
	var sink *RotatingFile
	if strings.TrimSpace(o.Dir) != "" {
		sink = NewRotatingFile(o.Dir, o.MaxBytes)
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderConfig()), sink, lvl))
	}
	if o.Console != nil {
		var enc zapcore.Encoder
		if o.Format == "json" {
			enc = zapcore.NewJSONEncoder(fileEncoderConfig())
		} else {
			ec := zap.NewDevelopmentEncoderConfig()
			ec.EncodeTime = zapcore.ISO8601TimeEncoder
			enc = zapcore.NewConsoleEncoder(ec)
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(o.Console), lvl))
	}
	if len(cores) == 0 {
		// 后备：写 stderr
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderConfig()), zapcore.Lock(os.Stderr), lvl))
	}
	return NewWithCore(corrID, zapcore.NewTee(cores...)).withSink(sink)
}

// NewWithCore 以任意 zapcore.Core 构造（测试可接入 observer）。
func NewWithCore(corrID string, core zapcore.Core) *Logger {
	z := zap.New(core, zap.AddStacktrace(zapcore.ErrorLevel))
	if corrID != "" {
		z = z.With(zap.String("corr_id", corrID))
	}
	return &Logger{corrID: corrID, z: z}
}

// NewNop 返回丢弃一切输出的日志器。
func NewNop() *Logger { return &Logger{z: zap.NewNop()} }

func (l *Logger) withSink(s *RotatingFile) *Logger { l.sink = s; return l }

func fileEncoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.MessageKey = "msg"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	return ec
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// CorrID 返回关联 ID。
func (l *Logger) CorrID() string { return l.corrID }

// Zap 暴露底层 zap.Logger（供第三方组件复用同一输出）。
func (l *Logger) Zap() *zap.Logger { return l.z }

// Close 刷新并关闭文件句柄。
func (l *Logger) Close() error {
	_ = l.z.Sync()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

// event 组装标准字段并写出。
func (l *Logger) event(lv zapcore.Level, comp, stage, code, msg string, dur time.Duration, count int64, docID, batch string, kv map[string]string) {
	if l == nil || l.z == nil {
		return
	}
	ce := l.z.Check(lv, msg)
	if ce == nil {
		return
	}
	fields := make([]zap.Field, 0, 8)
	fields = append(fields, zap.String("comp", comp), zap.String("stage", stage))
	if code != "" {
		fields = append(fields, zap.String("code", code))
	}
	if dur > 0 {
		fields = append(fields, zap.Int64("dur_ms", dur.Milliseconds()))
	}
	if count != 0 {
		fields = append(fields, zap.Int64("count", count))
	}
	if docID != "" {
		fields = append(fields, zap.String("doc_id", docID))
	}
	if batch != "" {
		fields = append(fields, zap.String("batch_id", batch))
	}
	if len(kv) > 0 {
		fields = append(fields, zap.Any("kv", kv))
	}
	ce.Write(fields...)
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.event(zapcore.InfoLevel, comp, "start", "", msg, 0, 0, "", "", nil)
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 doc_id/batch_id 的 start。
func (l *Logger) StartWith(comp, msg, docID, batch string) *Timer {
	l.event(zapcore.InfoLevel, comp, "start", "", msg, 0, 0, docID, batch, nil)
	return &Timer{l: l, comp: comp, docID: docID, batch: batch, t0: time.Now()}
}

// StartWithKV 记录带 doc_id/batch_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, docID, batch string, kv map[string]string) *Timer {
	l.event(zapcore.InfoLevel, comp, "start", "", msg, 0, 0, docID, batch, kv)
	return &Timer{l: l, comp: comp, docID: docID, batch: batch, t0: time.Now()}
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWith 支持 doc_id/batch_id。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, docID, batch string) {
	l.ErrorWithKV(comp, code, msg, durSince, docID, batch, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, docID, batch string, kv map[string]string) {
	var dur time.Duration
	if durSince != nil {
		dur = time.Since(*durSince)
	}
	l.event(zapcore.ErrorLevel, comp, "error", code, msg, dur, 0, docID, batch, kv)
}

// Warn 记录可恢复的异常（估算失败、条数不符、批失败回填等）。
func (l *Logger) Warn(comp, code, msg, docID, batch string, kv map[string]string) {
	l.event(zapcore.WarnLevel, comp, "warn", code, msg, 0, 0, docID, batch, kv)
}

// Info 记录一般信息事件。
func (l *Logger) Info(comp, msg string, kv map[string]string) {
	l.event(zapcore.InfoLevel, comp, "info", "", msg, 0, 0, "", "", kv)
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.event(zapcore.InfoLevel, comp, "finish", "", msg, time.Since(start), count, "", "", nil)
}

// DebugStart 输出调试级别的“start”类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, docID, batch string, kv map[string]string) {
	l.event(zapcore.DebugLevel, comp, "start", "", msg, 0, 0, docID, batch, kv)
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l     *Logger
	comp  string
	docID string
	batch string
	t0    time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	t.l.event(zapcore.InfoLevel, t.comp, "finish", "", msg, time.Since(t.t0), count, t.docID, t.batch, nil)
}

// Since 返回自 start 起的耗时。
func (t *Timer) Since() time.Duration {
	if t == nil {
		return 0
	}
	return time.Since(t.t0)
}

// StartedAt 返回起点（供 ErrorWith 的 durSince 使用）。
func (t *Timer) StartedAt() *time.Time {
	if t == nil {
		return nil
	}
	return &t.t0
}
