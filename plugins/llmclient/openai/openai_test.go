package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docbatch/pkg/contract"
)

func newTestClient(t *testing.T, h http.HandlerFunc, extra string) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	raw := `{"base_url":"` + srv.URL + `","api_key":"k","max_tokens":16384` + extra + `}`
	c, err := newClient(json.RawMessage(raw), nil)
	require.NoError(t, err)
	return c
}

var chat = contract.ChatPrompt{{Role: "system", Content: "sys"}, {Role: "user", Content: "Document 1 - a.pdf\ntext"}}

// UT-OAI-01 成功调用：请求体字段与 usage 解析
func TestInvokeParsesUsage(t *testing.T) {
	var got oaReq
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"[{\"id\":\"1\"}]"}}],
			"usage":{"prompt_tokens":120,"completion_tokens":30,"total_tokens":150}}`))
	}, "")
	raw, err := c.Invoke(context.Background(), contract.Batch{}, chat)
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"1"}]`, raw.Text)
	assert.Equal(t, contract.Usage{TotalTokens: 150, InputTokens: 120, OutputTokens: 30}, raw.Usage)
	assert.Equal(t, defaultModel, got.Model)
	assert.Equal(t, 16384, got.MaxTokens)
	require.NotNil(t, got.Temperature)
	assert.Equal(t, 0.0, *got.Temperature)
	assert.Len(t, got.Messages, 2)
	assert.Nil(t, got.ResponseFormat)
}

// UT-OAI-02 429 与 rate_limit_exceeded 均为限流（致命）
func TestInvokeRateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"rate_limit_exceeded"}}`))
	}, "")
	_, err := c.Invoke(context.Background(), contract.Batch{}, chat)
	require.ErrorIs(t, err, contract.ErrRateLimited)
	assert.True(t, contract.IsFatal(err))

	assert.ErrorIs(t, classify(http.StatusForbidden, `{"error":{"code":"rate_limit_exceeded"}}`), contract.ErrRateLimited)
}

// UT-OAI-03 上下文超限映射
func TestInvokeRequestTooLarge(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"context_length_exceeded","message":"maximum context length"}}`))
	}, "")
	_, err := c.Invoke(context.Background(), contract.Batch{}, chat)
	require.ErrorIs(t, err, contract.ErrRequestTooLarge)
	assert.True(t, contract.IsFatal(err))

	assert.ErrorIs(t, classify(http.StatusRequestEntityTooLarge, "max_tokens is too large"), contract.ErrRequestTooLarge)
	// 普通 400 不致命
	err = classify(http.StatusBadRequest, "bad role")
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	assert.False(t, contract.IsFatal(err))
}

// UT-OAI-04 5xx 映射为 upstreamError（net.Error + UpstreamError）
func TestInvokeUpstream5xx(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("bad gateway"))
	}, "")
	_, err := c.Invoke(context.Background(), contract.Batch{}, chat)
	require.Error(t, err)
	var ne net.Error
	require.True(t, errors.As(err, &ne))
	var ue contract.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusBadGateway, ue.UpstreamStatus())
	assert.Equal(t, "bad gateway", ue.UpstreamMessage())
	assert.False(t, contract.IsFatal(err))
}

// UT-OAI-05 空 choices：响应无效，但保留计量
func TestInvokeEmptyChoicesKeepsUsage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":0}}`))
	}, "")
	raw, err := c.Invoke(context.Background(), contract.Batch{}, chat)
	require.ErrorIs(t, err, contract.ErrResponseInvalid)
	assert.Equal(t, int64(10), raw.Usage.TotalTokens)
}

// UT-OAI-06 json_mode / extra headers / 完整 endpoint URL
func TestInvokeJSONModeAndHeaders(t *testing.T) {
	var got oaReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/custom", r.URL.Path)
		assert.Equal(t, "", r.Header.Get("Authorization"))
		assert.Equal(t, "v", r.Header.Get("X-Test"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{}"}}]}`))
	}))
	defer srv.Close()
	c, err := newClient(json.RawMessage(`{"endpoint_path":"`+srv.URL+`/custom","disable_default_auth":true,
		"json_mode":true,"extra_headers":{"X-Test":"v"}}`), nil)
	require.NoError(t, err)
	_, err = c.Invoke(context.Background(), contract.Batch{}, contract.TextPrompt("hi"))
	require.NoError(t, err)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
	assert.Equal(t, []oaMessage{{Role: "user", Content: "hi"}}, got.Messages)
}

// UT-OAI-07 构造期校验与取消
func TestNewAndCancel(t *testing.T) {
	t.Setenv("DOCBATCH_TEST_NO_KEY", "")
	_, err := New(json.RawMessage(`{"api_key_env":"DOCBATCH_TEST_NO_KEY"}`))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = New(json.RawMessage(`{"api_key":"k","max_tokens":-1}`))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Invoke(ctx, contract.Batch{}, chat)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = c.Invoke(context.Background(), contract.Batch{}, 42)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}
