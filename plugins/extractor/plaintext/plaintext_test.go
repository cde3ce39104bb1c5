package plaintext

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docbatch/pkg/contract"
)

// UT-PTX-01 归一化：BOM、CRLF、行尾空白、首尾空行
func TestNormalize(t *testing.T) {
	assert.Equal(t, "a\nb\n\nc", Normalize("\ufeff\r\na  \r\nb\t\r\r\nc\n\n"))
	assert.Equal(t, "", Normalize(" \r\n "))
}

// UT-PTX-02 读取与失败分支
func TestExtract(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)
	got, err := e.Extract(context.Background(), "a.txt", strings.NewReader("Nome: Mario\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "Nome: Mario", got)

	_, err = e.Extract(context.Background(), "e.txt", strings.NewReader("  \n"))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	_, err = e.Extract(context.Background(), "bin", strings.NewReader("\xff\xfe"))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	small, err := New(json.RawMessage(`{"max_bytes":4,"allow_empty":true}`))
	require.NoError(t, err)
	_, err = small.Extract(context.Background(), "big", strings.NewReader("12345"))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	got, err = small.Extract(context.Background(), "e", strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "", got)

	_, err = New(json.RawMessage(`{"unknown":1}`))
	assert.Error(t, err)
}
