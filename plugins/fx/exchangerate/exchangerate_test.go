package exchangerate

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

func serve(t *testing.T, status int, body string) (*httptest.Server, *string) {
	t.Helper()
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &path
}

func opts(base string) json.RawMessage {
	b, _ := json.Marshal(Options{BaseURL: base + "/v4/latest/", Currency: "eur"})
	return b
}

// UT-FX-01 正常响应：按目标币种取路径，读取 rates.USD
func TestRateOK(t *testing.T) {
	srv, path := serve(t, 200, `{"base":"EUR","date":"2024-05-01","rates":{"EUR":1,"USD":1.072}}`)
	s, err := New(opts(srv.URL))
	require.NoError(t, err)
	r, err := s.Rate(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1.072, r, 1e-9)
	assert.Equal(t, "/v4/latest/EUR", *path)
}

// UT-FX-02 异常响应均为 ErrResponseInvalid
func TestRateInvalid(t *testing.T) {
	for _, tc := range []struct {
		status int
		body   string
	}{
		{500, `{}`},
		{200, `not json`},
		{200, `{"rates":{"GBP":0.8}}`},
		{200, `{"rates":{"USD":"1.1"}}`},
		{200, `{"rates":{"USD":0}}`},
	} {
		srv, _ := serve(t, tc.status, tc.body)
		s, err := New(opts(srv.URL))
		require.NoError(t, err)
		_, err = s.Rate(context.Background())
		assert.ErrorIs(t, err, contract.ErrResponseInvalid, tc.body)
	}
}

// UT-FX-03 缺少币种拒绝构造；ctx 取消传递到请求
func TestOptionsAndCancel(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = New(json.RawMessage(`{"currency":1}`))
	assert.Error(t, err)

	srv, _ := serve(t, 200, `{"rates":{"USD":1.1}}`)
	s, err := New(opts(srv.URL))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Rate(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
