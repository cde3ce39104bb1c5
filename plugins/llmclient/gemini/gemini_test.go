package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docbatch/pkg/contract"
)

// UT-GEM-01 systemInstruction 拆分、key 位置、usageMetadata 解析
func TestInvokeSystemAndUsage(t *testing.T) {
	var got gmReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "k", r.URL.Query().Get("key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"[{\"id\":"},{"text":"\"1\"}]"}]}}],
			"usageMetadata":{"promptTokenCount":90,"candidatesTokenCount":10,"totalTokenCount":100}}`))
	}))
	defer srv.Close()
	c, err := newClient(json.RawMessage(`{"base_url":"`+srv.URL+`","api_key":"k","max_output_tokens":512}`), nil)
	require.NoError(t, err)

	raw, err := c.Invoke(context.Background(), contract.Batch{}, contract.ChatPrompt{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "u"},
		{Role: "assistant", Content: "a"},
	})
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"1"}]`, raw.Text)
	assert.Equal(t, contract.Usage{TotalTokens: 100, InputTokens: 90, OutputTokens: 10}, raw.Usage)

	require.NotNil(t, got.SystemInstruction)
	assert.Equal(t, "sys", got.SystemInstruction.Parts[0].Text)
	require.Len(t, got.Contents, 2)
	assert.Equal(t, "user", got.Contents[0].Role)
	assert.Equal(t, "model", got.Contents[1].Role)
	require.NotNil(t, got.GenerationConfig)
	assert.Equal(t, 512, got.GenerationConfig.MaxOutputTokens)
}

// UT-GEM-02 header 传 key 与错误分类
func TestInvokeHeaderKeyAndErrors(t *testing.T) {
	status := http.StatusTooManyRequests
	body := `{"error":{"status":"RESOURCE_EXHAUSTED"}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "", r.URL.Query().Get("key"))
		assert.Equal(t, "k", r.Header.Get("x-goog-api-key"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()
	c, err := newClient(json.RawMessage(`{"base_url":"`+srv.URL+`","api_key":"k","api_key_in_query":false}`), nil)
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), contract.Batch{}, contract.TextPrompt("x"))
	assert.ErrorIs(t, err, contract.ErrRateLimited)

	status, body = http.StatusBadRequest, "The input token count exceeds the maximum number of tokens allowed"
	_, err = c.Invoke(context.Background(), contract.Batch{}, contract.TextPrompt("x"))
	assert.ErrorIs(t, err, contract.ErrRequestTooLarge)

	status, body = http.StatusServiceUnavailable, "overloaded"
	_, err = c.Invoke(context.Background(), contract.Batch{}, contract.TextPrompt("x"))
	var ue contract.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusServiceUnavailable, ue.UpstreamStatus())
}

// UT-GEM-03 空候选：响应无效但保留计量；空对话拒绝
func TestInvokeEmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[],"usageMetadata":{"promptTokenCount":7}}`))
	}))
	defer srv.Close()
	c, err := newClient(json.RawMessage(`{"base_url":"`+srv.URL+`","api_key":"k"}`), nil)
	require.NoError(t, err)
	raw, err := c.Invoke(context.Background(), contract.Batch{}, contract.TextPrompt("x"))
	assert.ErrorIs(t, err, contract.ErrResponseInvalid)
	assert.Equal(t, int64(7), raw.Usage.TotalTokens)

	_, err = c.Invoke(context.Background(), contract.Batch{}, contract.ChatPrompt{{Role: "system", Content: "only"}})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

func TestNormalizeRole(t *testing.T) {
	assert.Equal(t, "model", normalizeGeminiRole(" Assistant "))
	assert.Equal(t, "user", normalizeGeminiRole("tool"))
}
