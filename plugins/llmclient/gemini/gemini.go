package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"docbatch/pkg/contract"
)

// Options: Google Generative Language API (Gemini) 最小必需。
type Options struct {
	BaseURL   string `json:"base_url"`    // https://generativelanguage.googleapis.com
	Model     string `json:"model"`       // 默认 gemini-2.5-flash
	APIKeyEnv string `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey    string `json:"api_key"`
	// 客户端超时（秒）。未设置或 <=0 时采用默认 120 秒。
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// MaxOutputTokens: generationConfig.maxOutputTokens；0 表示不发送。
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	// 第三方兼容（最小）
	EndpointPath  string            `json:"endpoint_path"`    // 默认 /v1beta/models/{model}:generateContent；支持 {model} 占位
	APIKeyInQuery *bool             `json:"api_key_in_query"` // 默认 true；为 false 时使用 x-goog-api-key 头
	ExtraHeaders  map[string]string `json:"extra_headers"`
	ExtraQuery    map[string]string `json:"extra_query"`
	// ResponseMIMEType: 例如 application/json；为空则不约束。
	ResponseMIMEType string `json:"response_mime_type,omitempty"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/v1beta/models/{model}:generateContent"
	}
	if o.APIKeyInQuery == nil {
		t := true
		o.APIKeyInQuery = &t
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
	url     string // 完整路径（含模型）
	apiKey  string
	inQuery bool
	extraH  map[string]string
	extraQ  map[string]string
	do      func(*http.Request) (*http.Response, error)
	genCfg  *gmGenerationConfig
}

func New(raw json.RawMessage) (contract.LLMClient, error) {
	return newClient(raw, nil)
}

func newClient(raw json.RawMessage, do func(*http.Request) (*http.Response, error)) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gemini options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrInvalidInput)
	}
	path := strings.ReplaceAll(opts.EndpointPath, "{model}", url.PathEscape(opts.Model))
	if !(strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")) {
		base := strings.TrimRight(opts.BaseURL, "/")
		p := strings.TrimLeft(path, "/")
		path = base + "/" + p
	}
	if do == nil {
		hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
		do = hc.Do
	}
	gc := &gmGenerationConfig{
		Temperature:      opts.Temperature,
		MaxOutputTokens:  opts.MaxOutputTokens,
		ResponseMIMEType: opts.ResponseMIMEType,
	}
	return &Client{url: path, apiKey: key, inQuery: *opts.APIKeyInQuery, extraH: opts.ExtraHeaders,
		extraQ: opts.ExtraQuery, do: do, genCfg: gc}, nil
}

// 请求/响应（最小字段）。
type gmPart struct {
	Text string `json:"text"`
}
type gmContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []gmPart `json:"parts"`
}
type gmGenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	ResponseMIMEType string   `json:"responseMimeType,omitempty"`
}
type gmReq struct {
	SystemInstruction *gmContent          `json:"systemInstruction,omitempty"`
	Contents          []gmContent         `json:"contents"`
	GenerationConfig  *gmGenerationConfig `json:"generationConfig,omitempty"`
}
type gmResp struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// upstreamError 实现 net.Error，用于将 HTTP 上游 5xx/408 映射为网络类错误。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("gemini upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

func encodePrompt(p contract.Prompt, gc *gmGenerationConfig) ([]byte, error) {
	var req gmReq
	switch v := p.(type) {
	case contract.TextPrompt:
		req.Contents = []gmContent{{Role: "user", Parts: []gmPart{{Text: string(v)}}}}
	case contract.ChatPrompt:
		req.Contents = make([]gmContent, 0, len(v))
		var sys []gmPart
		for _, m := range v {
			// system 消息合并进 systemInstruction
			if strings.EqualFold(strings.TrimSpace(m.Role), "system") {
				sys = append(sys, gmPart{Text: m.Content})
				continue
			}
			req.Contents = append(req.Contents, gmContent{Role: normalizeGeminiRole(m.Role), Parts: []gmPart{{Text: m.Content}}})
		}
		if len(sys) > 0 {
			req.SystemInstruction = &gmContent{Parts: sys}
		}
		if len(req.Contents) == 0 {
			return nil, contract.ErrInvalidInput
		}
	default:
		return nil, contract.ErrInvalidInput
	}
	req.GenerationConfig = gc
	return json.Marshal(&req)
}

// normalizeGeminiRole 将通用 Chat 角色映射为 Gemini 支持的集合：user|model。
// 规则：assistant→model，其余未知→user；大小写不敏感。
func normalizeGeminiRole(r string) string {
	switch strings.ToLower(strings.TrimSpace(r)) {
	case "model", "assistant":
		return "model"
	default:
		return "user"
	}
}

func (c *Client) Invoke(ctx context.Context, _ contract.Batch, p contract.Prompt) (contract.Raw, error) {
	body, err := encodePrompt(p, c.genCfg)
	if err != nil {
		if errors.Is(err, contract.ErrInvalidInput) {
			return contract.Raw{}, err
		}
		return contract.Raw{}, fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	u, err := url.Parse(c.url)
	if err != nil {
		return contract.Raw{}, fmt.Errorf("invalid url: %v: %w", err, contract.ErrInvalidInput)
	}
	q := u.Query()
	if c.inQuery {
		q.Set("key", c.apiKey)
	}
	for k, v := range c.extraQ {
		if k == "" {
			continue
		}
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return contract.Raw{}, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if !c.inQuery {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}
	for k, v := range c.extraH {
		if k != "" {
			req.Header.Set(k, v)
		}
	}
	resp, err := c.do(req)
	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return contract.Raw{}, ctx.Err()
		}
		return contract.Raw{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return contract.Raw{}, classify(resp.StatusCode, strings.TrimSpace(string(slurp)))
	}
	var gr gmResp
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return contract.Raw{}, fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	um := gr.UsageMetadata
	usage := contract.Usage{TotalTokens: um.TotalTokenCount, InputTokens: um.PromptTokenCount, OutputTokens: um.CandidatesTokenCount}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return contract.Raw{Usage: usage}, contract.ErrResponseInvalid
	}
	var sb strings.Builder
	for _, part := range gr.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	if sb.Len() == 0 {
		return contract.Raw{Usage: usage}, contract.ErrResponseInvalid
	}
	return contract.Raw{Text: sb.String(), Usage: usage}, nil
}

// classify: 429/RESOURCE_EXHAUSTED → 限流；400/413 且提及 token 上限 → 超限；
// 408/5xx → upstreamError；其余 4xx → 无效输入。
func classify(status int, msg string) error {
	low := strings.ToLower(msg)
	switch {
	case status == http.StatusTooManyRequests || strings.Contains(low, "resource_exhausted"):
		return fmt.Errorf("gemini upstream %d: %w", status, contract.ErrRateLimited)
	case (status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge) &&
		(strings.Contains(low, "maximum number of tokens") || strings.Contains(low, "max_output_tokens") ||
			strings.Contains(low, "context_length")):
		return fmt.Errorf("gemini upstream %d: %w", status, contract.ErrRequestTooLarge)
	case status == http.StatusRequestTimeout || status/100 == 5:
		return upstreamError{status: status, msg: msg}
	default:
		return fmt.Errorf("gemini upstream %d: %w", status, contract.ErrInvalidInput)
	}
}

var _ contract.LLMClient = (*Client)(nil)
