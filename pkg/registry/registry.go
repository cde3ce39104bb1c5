package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"docbatch/internal/usage"
	"docbatch/pkg/contract"
	sheet "docbatch/plugins/assembler/sheet"
	greedy "docbatch/plugins/batcher/greedy"
	rjson "docbatch/plugins/decoder/recordjson"
	xcmd "docbatch/plugins/extractor/command"
	xtxt "docbatch/plugins/extractor/plaintext"
	fxer "docbatch/plugins/fx/exchangerate"
	flaky "docbatch/plugins/llmclient/flaky"
	gmi "docbatch/plugins/llmclient/gemini"
	mock "docbatch/plugins/llmclient/mock"
	oai "docbatch/plugins/llmclient/openai"
	pext "docbatch/plugins/prompt/extract"
	rfs "docbatch/plugins/reader/filesystem"
	wfs "docbatch/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewExtractor 工厂签名：接收原样 JSON Options。
type NewExtractor func(raw json.RawMessage) (contract.TextExtractor, error)

// NewBatcher 工厂签名：接收原样 JSON Options。
type NewBatcher func(raw json.RawMessage) (contract.Batcher, error)

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewLLMClient 工厂签名：接收原样 JSON Options。
type NewLLMClient func(raw json.RawMessage) (contract.LLMClient, error)

// NewDecoder 工厂签名：接收原样 JSON Options。
type NewDecoder func(raw json.RawMessage) (contract.Decoder, error)

// NewAssembler 工厂签名：接收原样 JSON Options。
type NewAssembler func(raw json.RawMessage) (contract.Assembler, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// NewRateSource 工厂签名：接收原样 JSON Options。
type NewRateSource func(raw json.RawMessage) (usage.RateSource, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 文件系统 Reader（扩展名过滤、字典序）
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Extractor 工厂注册表。
var Extractor = map[string]NewExtractor{
	// plaintext: 直读 UTF-8 文本
	"plaintext": func(raw json.RawMessage) (contract.TextExtractor, error) { return xtxt.New(raw) },
	// command: 外部 OCR/转换命令（stdin→stdout）
	"command": func(raw json.RawMessage) (contract.TextExtractor, error) { return xcmd.New(raw) },
}

// Batcher 工厂注册表。
var Batcher = map[string]NewBatcher{
	// greedy: 按文档序贪心装批（输入/输出双上限）
	"greedy": func(raw json.RawMessage) (contract.Batcher, error) {
		var opts greedy.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return greedy.New(&opts), nil
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// extract: 字段抽取 PromptBuilder（模板 + 参考库 + Chat）
	"extract": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts pext.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return pext.New(&opts)
	},
}

// LLMClient 工厂注册表。
var LLMClient = map[string]NewLLMClient{
	"openai": func(raw json.RawMessage) (contract.LLMClient, error) { return oai.New(raw) },
	"gemini": func(raw json.RawMessage) (contract.LLMClient, error) { return gmi.New(raw) },
	"mock":   func(raw json.RawMessage) (contract.LLMClient, error) { return mock.New(raw) },
	"flaky":  func(raw json.RawMessage) (contract.LLMClient, error) { return flaky.New(raw) },
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// recordjson: 记录数组（容忍代码围栏/对象包裹）
	"recordjson": func(raw json.RawMessage) (contract.Decoder, error) { return rjson.New(raw) },
}

// Assembler 工厂注册表。
var Assembler = map[string]NewAssembler{
	// sheet: CSV 表格 + JSONL 旁路
	"sheet": func(raw json.RawMessage) (contract.Assembler, error) { return sheet.New(raw) },
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（原子替换/追加/备份可配置）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}

// StaticRateOptions: 固定汇率。
type StaticRateOptions struct {
	Rate float64 `json:"rate"`
}

// RateSource 工厂注册表（费用换算）。
var RateSource = map[string]NewRateSource{
	"exchangerate": func(raw json.RawMessage) (usage.RateSource, error) { return fxer.New(raw) },
	"static": func(raw json.RawMessage) (usage.RateSource, error) {
		var opts StaticRateOptions
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		if opts.Rate <= 0 {
			return nil, fmt.Errorf("static rate: %w: rate must be > 0", contract.ErrInvalidInput)
		}
		return usage.StaticRate(opts.Rate), nil
	},
}
