package contract

// DocID: 逻辑文档ID（通常为路径，需规范化，跨平台一致）。
type DocID string

// Meta: 可选的轻量元信息；核心流程不读取其键值。
type Meta map[string]string

// Item: 单个文档的可打包文本单元。
// 约束：
// - Seq 为文档序（0..n-1），全链路保持；
// - ID 为批内 1 基序号，仅在封批时赋值；
// - Tokens 为估算值，0 表示“未知”而非“空”。
type Item struct {
	ID     int
	Seq    int
	DocID  DocID
	Label  string
	Text   string
	Tokens int
}

// Batch: 一次远端请求的载荷。
// 封批后 InputTokens ≤ 输入上限、OutputTokens ≤ 输出上限；
// 唯一例外是单个超限条目被隔离为独立批。
type Batch struct {
	// Index: 提交顺序（0..n-1，严格递增），用于结果回收时的顺序恢复。
	Index        int64
	Items        []Item
	InputTokens  int
	OutputTokens int
}

// Len 返回批内条目数。
func (b Batch) Len() int { return len(b.Items) }

// Record: 模型针对单个条目抽取出的字段集合。
// 必含 FieldID，值为对应条目的批内 1 基序号。
type Record map[string]string

const (
	// FieldID: 记录中用于对齐的序号字段名。
	FieldID = "id"
	// PlaceholderValue: 缺失字段/缺失记录的占位值。
	PlaceholderValue = "ND"
)

// Placeholder 构造占位记录：schema 内全部字段为 ND，id 为给定序号。
func Placeholder(fields []string, id string) Record {
	r := make(Record, len(fields)+1)
	for _, f := range fields {
		r[f] = PlaceholderValue
	}
	r[FieldID] = id
	return r
}

// Clone 深拷贝记录。
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Usage: 远端返回的 token 计量。
type Usage struct {
	TotalTokens  int64
	InputTokens  int64
	OutputTokens int64
}

// Add 返回两者之和。
func (u Usage) Add(o Usage) Usage {
	return Usage{
		TotalTokens:  u.TotalTokens + o.TotalTokens,
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
	}
}

// BatchResult: 单批的终态。要么整体成功（Records 非空、Err 为 nil），
// 要么整体失败（Err 非空、无 Records）。
type BatchResult struct {
	Batch   Batch
	Records []Record
	Usage   Usage
	Err     error
}
