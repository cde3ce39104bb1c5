package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"

	"docbatch/pkg/contract"
)

// Options 为“批量字段抽取（Chat）” PromptBuilder 的配置。
// 模板、参考库、附加规则均为二选一（inline 优先），构造期完成 I/O。
type Options struct {
	InlineSystemTemplate string `json:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path"`
	// Fields: 每条记录需抽取的字段（不含 id）。为空时使用 DefaultFields。
	Fields []string `json:"fields"`
	// ItemLabel: user 消息中每个条目的引导词，默认 "Document"。
	ItemLabel string `json:"item_label"`
	// 参考库：CSV（带表头）或纯文本。
	InlineReference string `json:"inline_reference"`
	ReferencePath   string `json:"reference_path"`
	// 附加抽取规则（领域说明），追加在 system 尾部。
	InlineInstructions string `json:"inline_instructions"`
	InstructionsPath   string `json:"instructions_path"`
}

// DefaultFields 对应培训证书的抽取字段。
var DefaultFields = []string{
	"nome_partecipante",
	"cognome_partecipante",
	"codice_fiscale",
	"data_fine_corso",
	"nome_corso",
	"codice_corso",
	"dati_anagrafici",
	"tdi",
	"durata_corso",
}

// Builder: 以 Batch 构造 ChatPrompt（system+user）。
// 运行期不做 I/O；模板在构造期解析。
type Builder struct {
	sysT   *template.Template
	fields []string
	label  string
	ref    string
	rules  string
}

type tplData struct {
	N         int
	ItemLabel string
	Fields    []string
	Schema    string
	Reference string
}

// New 创建 PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	src, err := pick(o.InlineSystemTemplate, o.SystemTemplatePath, defaultSystemTemplate)
	if err != nil {
		return nil, fmt.Errorf("system template read: %w", err)
	}
	tpl, err := template.New("system").Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("system template parse: %w", err)
	}
	fields := o.Fields
	if len(fields) == 0 {
		fields = DefaultFields
	}
	seen := map[string]bool{contract.FieldID: true}
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			return nil, fmt.Errorf("prompt: %w: empty or duplicate field %q", contract.ErrInvalidInput, f)
		}
		seen[f] = true
	}
	label := strings.TrimSpace(o.ItemLabel)
	if label == "" {
		label = "Document"
	}

	var ref string
	switch {
	case o.InlineReference != "":
		ref, err = renderReference(o.InlineReference, false)
	case o.ReferencePath != "":
		var b []byte
		if b, err = os.ReadFile(o.ReferencePath); err != nil {
			return nil, fmt.Errorf("reference read: %w", err)
		}
		ref, err = renderReference(string(b), strings.EqualFold(extOf(o.ReferencePath), ".csv"))
	}
	if err != nil {
		return nil, err
	}
	rules, err := pick(o.InlineInstructions, o.InstructionsPath, "")
	if err != nil {
		return nil, fmt.Errorf("instructions read: %w", err)
	}

	b := &Builder{sysT: tpl, fields: append([]string(nil), fields...), label: label, ref: ref, rules: strings.TrimSpace(rules)}
	// 构造期试渲染，模板错误尽早暴露
	if _, err := b.system(0); err != nil {
		return nil, err
	}
	return b, nil
}

func pick(inline, path, def string) (string, error) {
	if inline != "" {
		return inline, nil
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return def, nil
}

func extOf(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i:]
	}
	return ""
}

// Fields 返回抽取字段（不含 id）。
func (b *Builder) Fields() []string { return append([]string(nil), b.fields...) }

// Reference 返回渲染后的参考库文本。
func (b *Builder) Reference() string { return b.ref }

func (b *Builder) system(n int) (string, error) {
	var buf bytes.Buffer
	data := tplData{N: n, ItemLabel: b.label, Fields: b.fields, Schema: schemaExample(b.fields), Reference: b.ref}
	if err := b.sysT.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("system render: %v: %w", err, contract.ErrInvalidInput)
	}
	if b.rules != "" {
		buf.WriteString("\n\n")
		buf.WriteString(b.rules)
	}
	return buf.String(), nil
}

// schemaExample 渲染单条记录的 JSON 形状（键序固定：id 在前）。
func schemaExample(fields []string) string {
	var sb strings.Builder
	sb.WriteString("{\n  \"id\": \"<number X>\"")
	for _, f := range fields {
		k, _ := json.Marshal(f)
		sb.WriteString(",\n  ")
		sb.Write(k)
		sb.WriteString(": \"<value>\"")
	}
	sb.WriteString("\n}")
	return sb.String()
}

// Build: 基于 Batch 构造 ChatPrompt（system+user）。
func (b *Builder) Build(ctx context.Context, batch contract.Batch) (contract.Prompt, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if batch.Len() == 0 {
		return nil, fmt.Errorf("prompt: %w: empty batch", contract.ErrInvalidInput)
	}
	sys, err := b.system(batch.Len())
	if err != nil {
		return nil, err
	}
	var uw strings.Builder
	for i, it := range batch.Items {
		if it.ID != i+1 {
			return nil, fmt.Errorf("prompt: %w: item ids must be 1..N, got %d at %d", contract.ErrInvariantViolation, it.ID, i)
		}
		if i > 0 {
			uw.WriteString("\n\n")
		}
		uw.WriteString(b.label)
		uw.WriteByte(' ')
		uw.WriteString(strconv.Itoa(it.ID))
		uw.WriteString(" - ")
		uw.WriteString(it.Label)
		uw.WriteByte('\n')
		uw.WriteString(it.Text)
	}
	return contract.ChatPrompt{
		{Role: "system", Content: sys},
		{Role: "user", Content: uw.String()},
	}, nil
}

// EstimateOverheadTokens: system 部分（N=0 渲染 + 参考库 + 规则）。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	sys, err := b.system(0)
	if err != nil {
		return 0
	}
	return estimate(sys)
}

var (
	_ contract.PromptBuilder = (*Builder)(nil)
	_ contract.FieldSchema   = (*Builder)(nil)
)

const defaultSystemTemplate = `{{if .Reference}}This is a reference database. Each line has the form [CODE] --- [NAME] (alias) --- [MIN DURATION-MAX DURATION]:

{{.Reference}}

{{end}}You will receive a total of {{.N}} texts extracted from as many documents.
Each text is numbered and introduced by the line "{{.ItemLabel}} X - [file name]", where X is the position of the document in the list and also its id.
Always answer with a list [] containing EXACTLY {{.N}} JSON objects, one for each document. Every document gets its own object, never shared with another document.
Example output for N documents: [{json_document1}, {json_document2}, ... {json_documentN}]
Your output is processed automatically. Any deviation from the required format breaks the system.

Use this exact format for the JSON of each document:
{{.Schema}}

Rules:
> In "id" write the number X taken from "{{.ItemLabel}} X - [file name]".
> If a value is missing from the document, write "ND".`
