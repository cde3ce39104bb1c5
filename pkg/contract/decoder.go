package contract

import "context"

// Decoder: 将 Raw 解码为记录列表。
// 仅负责语法层面（去围栏、取数组、字段归一）；条数/序号对齐由编排层完成。
// 无法解析时返回包装 ErrResponseInvalid 的错误。
type Decoder interface {
	Decode(ctx context.Context, b Batch, raw Raw) ([]Record, error)
}
