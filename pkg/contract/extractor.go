package contract

import (
	"context"
	"io"
)

// TextExtractor: 将单文档字节流转换为纯文本（直读/OCR）。
// 失败仅影响该文档，由编排层决定跳过。
type TextExtractor interface {
	Extract(ctx context.Context, id DocID, r io.Reader) (string, error)
}
