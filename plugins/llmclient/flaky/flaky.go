package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"docbatch/pkg/contract"
	"docbatch/plugins/llmclient/mock"
)

// 脚本步骤。
const (
	StepOK          = "ok"           // 全部记录
	StepInvalid     = "invalid"      // 无法解析的文本（批级瞬时失败）
	StepMissing     = "missing"      // 漏掉最后一条记录
	StepRateLimited = "rate_limited" // 致命
	StepTooLarge    = "too_large"    // 致命
)

// Options 定义可选项。
type Options struct {
	// Script: 按调用顺序执行的步骤；耗尽后一律 ok。
	// 默认 ["invalid","missing"]。
	Script []string `json:"script"`
	// Fields: 透传给内部 mock 客户端。
	Fields []string `json:"fields"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 是带状态的 LLM 实现：按脚本依次返回失败/漏条/成功。
// 调用计数在并发下串行化，步骤分配与到达顺序一致。
type Client struct {
	mu      sync.Mutex
	script  []string
	calls   int
	logPath string
	ok      contract.LLMClient
}

// New 构造 Client。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("flaky options: %w", err)
		}
	}
	if o.Script == nil {
		o.Script = []string{StepInvalid, StepMissing}
	}
	for _, s := range o.Script {
		switch s {
		case StepOK, StepInvalid, StepMissing, StepRateLimited, StepTooLarge:
		default:
			return nil, fmt.Errorf("flaky: %w: unknown step %q", contract.ErrInvalidInput, s)
		}
	}
	fields, _ := json.Marshal(map[string]any{"fields": o.Fields, "prefix": "FLAKY"})
	inner, err := mock.New(fields)
	if err != nil {
		return nil, err
	}
	return &Client{script: o.Script, logPath: o.LogPath, ok: inner}, nil
}

// Calls 返回已发生的调用次数。
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *Client) next() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	step := StepOK
	if c.calls < len(c.script) {
		step = c.script[c.calls]
	}
	c.calls++
	c.log(step)
	return step
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	switch c.next() {
	case StepRateLimited:
		return contract.Raw{}, fmt.Errorf("flaky: %w", contract.ErrRateLimited)
	case StepTooLarge:
		return contract.Raw{}, fmt.Errorf("flaky: %w", contract.ErrRequestTooLarge)
	case StepInvalid:
		return contract.Raw{Text: "invalid", Usage: contract.Usage{TotalTokens: int64(b.InputTokens), InputTokens: int64(b.InputTokens)}}, nil
	case StepMissing:
		if b.Len() > 0 {
			b.Items = b.Items[:b.Len()-1]
		}
	}
	return c.ok.Invoke(ctx, b, p)
}

var _ contract.LLMClient = (*Client)(nil)
