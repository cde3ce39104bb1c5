package plaintext

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"docbatch/pkg/contract"
)

// Options: 直读文本提取。
type Options struct {
	// MaxBytes: 单文档读取上限，默认 16 MiB；超出视为失败。
	MaxBytes int64 `json:"max_bytes"`
	// AllowEmpty: 允许空文本（默认空文本视为提取失败）。
	AllowEmpty bool `json:"allow_empty"`
}

const defaultMaxBytes = 16 << 20

type Extractor struct {
	maxBytes   int64
	allowEmpty bool
}

// New 从原样 JSON 选项构造（拒绝未知字段）。
func New(raw json.RawMessage) (contract.TextExtractor, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("plaintext options: %w", err)
		}
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = defaultMaxBytes
	}
	return &Extractor{maxBytes: o.MaxBytes, allowEmpty: o.AllowEmpty}, nil
}

// Extract 读取全部字节并归一化。
func (e *Extractor) Extract(ctx context.Context, id contract.DocID, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b, err := io.ReadAll(io.LimitReader(r, e.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("plaintext %s: %w", id, err)
	}
	if int64(len(b)) > e.maxBytes {
		return "", fmt.Errorf("plaintext %s: %w: larger than %d bytes", id, contract.ErrInvalidInput, e.maxBytes)
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("plaintext %s: %w: not utf-8", id, contract.ErrInvalidInput)
	}
	text := Normalize(string(b))
	if text == "" && !e.allowEmpty {
		return "", fmt.Errorf("plaintext %s: %w: empty text", id, contract.ErrInvalidInput)
	}
	return text, nil
}

// Normalize 去 BOM、CRLF/CR→LF、去除行尾空白与首尾空行。
func Normalize(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, ln := range lines {
		lines[i] = strings.TrimRight(ln, " \t\f\v")
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}

var _ contract.TextExtractor = (*Extractor)(nil)
