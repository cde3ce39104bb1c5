package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// 键使用 snake_case；未知字段在解析期失败。
type Config struct {
	Inputs []string `json:"inputs"`
	// Output: 工件基名，生成 <output>.csv 与 <output>.jsonl。
	Output string `json:"output"`

	// 预算
	MaxTotalTokens      int      `json:"max_total_tokens"`
	MaxOutputTokens     int      `json:"max_output_tokens"`
	SafetyMargin        *float64 `json:"safety_margin,omitempty"`
	OutputTokensPerItem int      `json:"output_tokens_per_item"`

	// 调度
	Concurrency        int       `json:"concurrency"`
	RateLimit          RateLimit `json:"rate_limit"`
	ExtractConcurrency int       `json:"extract_concurrency"`
	// OnBatchError: placeholder（默认，整批补 ND 并告警）| fail（整次运行失败）。
	OnBatchError string `json:"on_batch_error"`

	Tokenizer Tokenizer `json:"tokenizer"`
	Pricing   Pricing   `json:"pricing"`
	Logging   Logging   `json:"logging"`
	Metrics   Metrics   `json:"metrics"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

const (
	OnBatchErrorPlaceholder = "placeholder"
	OnBatchErrorFail        = "fail"
)

// RateLimit: 滑动窗口准入；非零时覆盖 provider.limits.rpm。
type RateLimit struct {
	MaxPerWindow int      `json:"max_per_window"`
	Window       Duration `json:"window"`
}

// Tokenizer: token 估算器选择。
type Tokenizer struct {
	// Kind: tiktoken（默认）| bytes
	Kind          string `json:"kind"`
	Model         string `json:"model"`
	BytesPerToken int    `json:"bytes_per_token"`
	// TokensPerSecond: 仅用于进度预估；0 关闭。
	TokensPerSecond int `json:"tokens_per_second"`
}

// Pricing: 每 1K token 美元单价与换算币种。
type Pricing struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
	Currency    string  `json:"currency"`
	FX          FX      `json:"fx"`
}

// FX: 汇率来源（registry.RateSource 中的实现名 + 原样 Options）。
type FX struct {
	Source  string          `json:"source"`
	Options json.RawMessage `json:"options,omitempty"`
}

// Logging: 日志等级、落盘目录与控制台格式。
type Logging struct {
	Level  string `json:"level"`
	Dir    string `json:"dir"`
	Format string `json:"format"`
}

// Metrics: 运行结束时写出 Prometheus textfile；为空不写。
type Metrics struct {
	Textfile string `json:"textfile"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader        string `json:"reader"`
	Extractor     string `json:"extractor"`
	Batcher       string `json:"batcher"`
	Writer        string `json:"writer"`
	PromptBuilder string `json:"prompt_builder"`
	Decoder       string `json:"decoder"`
	Assembler     string `json:"assembler"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader        json.RawMessage `json:"reader,omitempty"`
	Extractor     json.RawMessage `json:"extractor,omitempty"`
	Batcher       json.RawMessage `json:"batcher,omitempty"`
	Writer        json.RawMessage `json:"writer,omitempty"`
	PromptBuilder json.RawMessage `json:"prompt_builder,omitempty"`
	Decoder       json.RawMessage `json:"decoder,omitempty"`
	Assembler     json.RawMessage `json:"assembler,omitempty"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options,omitempty"`
	Limits  Limits          `json:"limits"`
}

// Limits: provider 限额；rpm 映射为 1 分钟窗口，tpm 映射为 token 速率。
type Limits struct {
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}

// Duration 接受 "90s"/"1m" 形式的字符串或以秒计的数字。
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s == "" {
			*d = 0
			return nil
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var sec float64
	if err := json.Unmarshal(b, &sec); err != nil {
		return fmt.Errorf("duration: %s", string(b))
	}
	*d = Duration(sec * float64(time.Second))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	if d == 0 {
		return json.Marshal("")
	}
	return json.Marshal(time.Duration(d).String())
}

// D 返回 time.Duration。
func (d Duration) D() time.Duration { return time.Duration(d) }
