package contract

import (
	"context"
	"io"
)

// Row: 最终输出行（来源条目 + 对齐后的记录）。
type Row struct {
	Item   Item
	Record Record
	// Placeholder: 记录为占位（模型遗漏或批失败）。
	Placeholder bool
}

// Assembler: 将按文档序排列的行装配为单个工件。
// 约束：
//  1. 不重排；
//  2. 不引入跨运行状态；
//  3. 行数与输入一致。
type Assembler interface {
	Assemble(ctx context.Context, rows []Row) (io.Reader, error)
}

// Continuable: 可选能力。续写已有工件时返回省略表头等一次性前导内容的装配器。
type Continuable interface {
	Continue() Assembler
}

// SidecarAssembler: 可选能力。额外产出逐行 JSON（.jsonl）工件，保留原始记录。
type SidecarAssembler interface {
	AssembleSidecar(ctx context.Context, rows []Row) (io.Reader, error)
}
