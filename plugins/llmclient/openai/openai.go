package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"docbatch/pkg/contract"
)

// Options: 最小必需配置。
type Options struct {
	BaseURL        string `json:"base_url"`        // 例如 https://api.openai.com/v1
	Model          string `json:"model"`           // 为空则使用默认
	APIKeyEnv      string `json:"api_key_env"`     // 优先从环境变量读取
	APIKey         string `json:"api_key"`         // 明文传入（不推荐，按需用于测试）
	TimeoutSeconds int    `json:"timeout_seconds"` // 可选 client 级超时（秒）
	// MaxTokens: 请求的输出上限；0 表示不发送。
	MaxTokens   int      `json:"max_tokens"`
	Temperature *float64 `json:"temperature,omitempty"`
	// JSONMode: 启用 response_format=json_object（要求模型返回对象包裹）。
	JSONMode bool `json:"json_mode"`
	// 第三方兼容（最小）：
	EndpointPath       string            `json:"endpoint_path"`        // 覆盖默认 /chat/completions；可为完整 URL（以 http 开头）
	DisableDefaultAuth bool              `json:"disable_default_auth"` // 关闭默认 Authorization: Bearer 注入
	ExtraHeaders       map[string]string `json:"extra_headers"`        // 追加/覆盖请求头（Azure/OpenRouter 等兼容服务）
}

const defaultModel = "gpt-4o"

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = defaultModel
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/chat/completions"
	}
	if o.Temperature == nil {
		zero := 0.0
		o.Temperature = &zero
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 120
	}
}

type Client struct {
	url         string
	apiKey      string
	temp        *float64
	model       string
	maxTokens   int
	jsonMode    bool
	extraH      map[string]string
	disableAuth bool
	do          func(*http.Request) (*http.Response, error)
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	return newClient(raw, nil)
}

func newClient(raw json.RawMessage, do func(*http.Request) (*http.Response, error)) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" && !opts.DisableDefaultAuth {
		return nil, fmt.Errorf("openai: %w: missing api key", contract.ErrInvalidInput)
	}
	if opts.MaxTokens < 0 {
		return nil, fmt.Errorf("openai: %w: max_tokens must be >= 0", contract.ErrInvalidInput)
	}
	if do == nil {
		hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
		do = hc.Do
	}
	// 允许 endpoint_path 为完整 URL
	fullURL := opts.EndpointPath
	if !(strings.HasPrefix(fullURL, "http://") || strings.HasPrefix(fullURL, "https://")) {
		base := strings.TrimRight(opts.BaseURL, "/")
		path := strings.TrimLeft(opts.EndpointPath, "/")
		fullURL = base + "/" + path
	}
	return &Client{
		url:         fullURL,
		apiKey:      key,
		temp:        opts.Temperature,
		model:       opts.Model,
		maxTokens:   opts.MaxTokens,
		jsonMode:    opts.JSONMode,
		extraH:      opts.ExtraHeaders,
		disableAuth: opts.DisableDefaultAuth,
		do:          do,
	}, nil
}

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaResponseFormat struct {
	Type string `json:"type"`
}

type oaReq struct {
	Model          string            `json:"model"`
	Messages       []oaMessage       `json:"messages"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    *float64          `json:"temperature,omitempty"`
	ResponseFormat *oaResponseFormat `json:"response_format,omitempty"`
}

type oaResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// upstreamError 实现 net.Error，用于将 HTTP 上游 5xx/408 映射为网络类错误，便于分类。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("openai upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

func (c *Client) encodePrompt(p contract.Prompt) ([]byte, error) {
	req := oaReq{Model: c.model, Temperature: c.temp, MaxTokens: c.maxTokens}
	switch v := p.(type) {
	case contract.TextPrompt:
		req.Messages = []oaMessage{{Role: "user", Content: string(v)}}
	case contract.ChatPrompt:
		if len(v) == 0 {
			return nil, contract.ErrInvalidInput
		}
		req.Messages = make([]oaMessage, 0, len(v))
		for _, m := range v {
			req.Messages = append(req.Messages, oaMessage{Role: m.Role, Content: m.Content})
		}
	default:
		return nil, contract.ErrInvalidInput
	}
	if c.jsonMode {
		req.ResponseFormat = &oaResponseFormat{Type: "json_object"}
	}
	return json.Marshal(&req)
}

// Invoke: 单次调用，同步返回。
func (c *Client) Invoke(ctx context.Context, _ contract.Batch, p contract.Prompt) (contract.Raw, error) {
	body, err := c.encodePrompt(p)
	if err != nil {
		if errors.Is(err, contract.ErrInvalidInput) {
			return contract.Raw{}, err
		}
		return contract.Raw{}, fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return contract.Raw{}, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	if !c.disableAuth {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.extraH {
		if k == "" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return contract.Raw{}, ctx.Err()
			}
		}
		return contract.Raw{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return contract.Raw{}, classify(resp.StatusCode, strings.TrimSpace(string(slurp)))
	}
	var or oaResp
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return contract.Raw{}, fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	u := contract.Usage{
		TotalTokens:  or.Usage.TotalTokens,
		InputTokens:  or.Usage.PromptTokens,
		OutputTokens: or.Usage.CompletionTokens,
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	if len(or.Choices) == 0 || or.Choices[0].Message.Content == "" {
		// 计量依然有效：上游已计费
		return contract.Raw{Usage: u}, contract.ErrResponseInvalid
	}
	return contract.Raw{Text: or.Choices[0].Message.Content, Usage: u}, nil
}

// classify 将非 2xx 响应映射为错误分类：
// 429/rate_limit_exceeded → 限流；400/413 且提及上下文或 max_tokens → 超限；
// 408/5xx → upstreamError；其余 4xx → 无效输入。
func classify(status int, msg string) error {
	low := strings.ToLower(msg)
	switch {
	case status == http.StatusTooManyRequests || strings.Contains(low, "rate_limit_exceeded"):
		return fmt.Errorf("openai upstream %d: %w", status, contract.ErrRateLimited)
	case (status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge) &&
		(strings.Contains(low, "max_tokens") || strings.Contains(low, "context_length")):
		return fmt.Errorf("openai upstream %d: %w", status, contract.ErrRequestTooLarge)
	case status == http.StatusRequestTimeout || status/100 == 5:
		return upstreamError{status: status, msg: msg}
	default:
		return fmt.Errorf("openai upstream %d: %w", status, contract.ErrInvalidInput)
	}
}

var _ contract.LLMClient = (*Client)(nil)
