// Package exchangerate 从 exchangerate-api v4 形状的接口查询汇率。
package exchangerate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"docbatch/pkg/contract"
)

// Options: 汇率来源配置。
type Options struct {
	// BaseURL: 以 /latest 结尾的接口前缀，币种追加在末尾。
	BaseURL string `json:"base_url"`
	// Currency: 目标币种（响应的 base），如 EUR。
	Currency string `json:"currency"`
	// Quote: 计价币种，默认 USD。
	Quote          string `json:"quote"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

const defaultBaseURL = "https://api.exchangerate-api.com/v4/latest"

// Source 实现 usage.RateSource：返回 1 单位 Currency 折合的 Quote 数。
type Source struct {
	url   string
	quote string
	do    func(*http.Request) (*http.Response, error)
}

// New 构造汇率来源；Currency 必填。
func New(raw json.RawMessage) (*Source, error) {
	return newSource(raw, nil)
}

func newSource(raw json.RawMessage, do func(*http.Request) (*http.Response, error)) (*Source, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("exchangerate options: %w", err)
		}
	}
	o.Currency = strings.ToUpper(strings.TrimSpace(o.Currency))
	if o.Currency == "" {
		return nil, fmt.Errorf("exchangerate: %w: currency required", contract.ErrInvalidInput)
	}
	if o.BaseURL == "" {
		o.BaseURL = defaultBaseURL
	}
	if o.Quote == "" {
		o.Quote = "USD"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 10
	}
	if do == nil {
		hc := &http.Client{Timeout: time.Duration(o.TimeoutSeconds) * time.Second}
		do = hc.Do
	}
	return &Source{
		url:   strings.TrimRight(o.BaseURL, "/") + "/" + o.Currency,
		quote: strings.ToUpper(o.Quote),
		do:    do,
	}, nil
}

// Rate 查询一次汇率；非 2xx、缺少币种或非正值均为错误。
func (s *Source) Rate(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.do(req)
	if err != nil {
		return 0, fmt.Errorf("exchangerate: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("exchangerate: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("exchangerate: status %d: %w", resp.StatusCode, contract.ErrResponseInvalid)
	}
	if !gjson.ValidBytes(body) {
		return 0, fmt.Errorf("exchangerate: %w: body is not json", contract.ErrResponseInvalid)
	}
	v := gjson.GetBytes(body, "rates."+s.quote)
	if v.Type != gjson.Number || v.Float() <= 0 {
		return 0, fmt.Errorf("exchangerate: %w: no positive rate for %s", contract.ErrResponseInvalid, s.quote)
	}
	return v.Float(), nil
}
