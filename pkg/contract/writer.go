package contract

import (
	"context"
	"io"
)

// ArtifactID: 与 DocID 同构的持久化工件标识（语义别名）。
type ArtifactID = DocID

// Writer: 将装配结果以流式方式持久化到目标介质（文件系统/对象存储等）。
// 约束：
//  1. 同一 ArtifactID 单写者；
//  2. 流式写入（O(1) 额外内存），按字节透传，不读取/修改业务内容；
//  3. ctx 取消/超时需尽快返回；
//  4. 错误直接上抛（不做重试/回退）。
type Writer interface {
	Write(ctx context.Context, id ArtifactID, r io.Reader) error
}

// ArtifactChecker: 可选能力。续写模式下探测工件是否已存在且非空。
type ArtifactChecker interface {
	Appending() bool
	Exists(id ArtifactID) (bool, error)
}
