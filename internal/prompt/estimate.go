package prompt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"docbatch/internal/diag"
	"docbatch/pkg/contract"
)

// 模型前缀 → tiktoken 编码；未命中取 cl100k_base。
var modelEncodings = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4.1", "o200k_base"},
	{"gpt-4o", "o200k_base"},
	{"o1", "o200k_base"},
	{"o3", "o200k_base"},
	{"o4", "o200k_base"},
	{"gpt-4", "cl100k_base"},
	{"gpt-3.5", "cl100k_base"},
}

// EncodingFor 返回模型对应的编码名。
func EncodingFor(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, e := range modelEncodings {
		if strings.HasPrefix(m, e.prefix) {
			return e.encoding
		}
	}
	return "cl100k_base"
}

// Tiktoken: 基于 tiktoken 的估算器。编码延迟加载（首次使用可能下载 BPE 数据）。
// 加载或编码失败时返回 0 并只告警一次，不中止流程。
type Tiktoken struct {
	model    string
	encoding string
	log      *diag.Logger

	load    func(encoding string) (*tiktoken.Tiktoken, error)
	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
	warn    sync.Once
}

// NewTiktoken 为给定模型创建估算器；log 可为 nil。
func NewTiktoken(model string, log *diag.Logger) *Tiktoken {
	return &Tiktoken{model: model, encoding: EncodingFor(model), log: log, load: tiktoken.GetEncoding}
}

func (t *Tiktoken) init() error {
	t.once.Do(func() {
		enc, err := t.load(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// Count 返回 s 的 token 数；失败返回 0。
func (t *Tiktoken) Count(s string) int {
	if s == "" {
		return 0
	}
	if err := t.init(); err != nil {
		t.warnOnce(err)
		return 0
	}
	return len(t.enc.Encode(s, nil, nil))
}

func (t *Tiktoken) warnOnce(err error) {
	t.warn.Do(func() {
		if t.log != nil {
			t.log.Warn("tokenizer", string(diag.Classify(err)), "token estimation unavailable, counting 0", "", "",
				map[string]string{"model": t.model, "encoding": t.encoding, "error": err.Error()})
		}
	})
}

// Estimator 适配为 contract.TokenEstimator。
func (t *Tiktoken) Estimator() contract.TokenEstimator { return t.Count }

// Name 返回估算器描述。
func (t *Tiktoken) Name() string { return fmt.Sprintf("tiktoken[%s]", t.encoding) }

// NewEstimator 按 kind 构造估算器：tiktoken（默认）或 bytes。
func NewEstimator(kind, model string, bytesPerToken int, log *diag.Logger) (contract.TokenEstimator, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "tiktoken":
		return NewTiktoken(model, log).Estimator(), nil
	case "bytes":
		return MakeEstimator(bytesPerToken), nil
	default:
		return nil, fmt.Errorf("prompt: unknown tokenizer %q: %w", kind, contract.ErrInvalidInput)
	}
}
