package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"docbatch/pkg/contract"
	"docbatch/plugins/extractor/plaintext"
)

// Options: 外部 OCR/转换命令。文档字节经 stdin 传入，文本从 stdout 读取。
type Options struct {
	// Command: argv，默认 ["tesseract","stdin","stdout"]；PDF 可用 ["pdftotext","-","-"]。
	Command []string `json:"command"`
	// TimeoutSeconds: 单文档超时，默认 120。
	TimeoutSeconds int `json:"timeout_seconds"`
	// Env: 追加的环境变量（如 TESSDATA_PREFIX、OMP_THREAD_LIMIT）。
	Env map[string]string `json:"env"`
	// AllowEmpty: 允许空输出。
	AllowEmpty bool `json:"allow_empty"`
}

// maxStderr 限制错误信息中的 stderr 长度。
const maxStderr = 500

type Extractor struct {
	argv       []string
	timeout    time.Duration
	env        []string
	allowEmpty bool
}

// New 从原样 JSON 选项构造（拒绝未知字段）。命令需在 PATH 中可解析。
func New(raw json.RawMessage) (contract.TextExtractor, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("command options: %w", err)
		}
	}
	if len(o.Command) == 0 {
		o.Command = []string{"tesseract", "stdin", "stdout"}
	}
	if strings.TrimSpace(o.Command[0]) == "" {
		return nil, fmt.Errorf("command: %w: empty program", contract.ErrInvalidInput)
	}
	path, err := exec.LookPath(o.Command[0])
	if err != nil {
		return nil, fmt.Errorf("command: %w: %v", contract.ErrInvalidInput, err)
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 120
	}
	var env []string
	if len(o.Env) > 0 {
		env = os.Environ()
		for k, v := range o.Env {
			env = append(env, k+"="+v)
		}
	}
	argv := append([]string{path}, o.Command[1:]...)
	return &Extractor{argv: argv, timeout: time.Duration(o.TimeoutSeconds) * time.Second, env: env, allowEmpty: o.AllowEmpty}, nil
}

// Extract 运行命令；非零退出、超时、空输出均为该文档的失败。
func (e *Extractor) Extract(ctx context.Context, id contract.DocID, r io.Reader) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, e.argv[0], e.argv[1:]...)
	if e.env != nil {
		cmd.Env = e.env
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdin = r
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("command %s: timeout after %s: %w", id, e.timeout, cctx.Err())
		}
		return "", fmt.Errorf("command %s: %w: %s", id, err, sanitizeStderr(stderr.String()))
	}
	text := plaintext.Normalize(stdout.String())
	if text == "" && !e.allowEmpty {
		return "", fmt.Errorf("command %s: %w: empty output", id, contract.ErrInvalidInput)
	}
	return text, nil
}

func sanitizeStderr(s string) string {
	if len(s) > maxStderr {
		s = s[:maxStderr] + "... (truncated)"
	}
	return strings.TrimSpace(s)
}

var _ contract.TextExtractor = (*Extractor)(nil)
