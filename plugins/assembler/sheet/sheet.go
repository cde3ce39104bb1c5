package sheet

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"docbatch/pkg/contract"
)

// 伪字段：取自来源条目而非模型记录。
const (
	FieldLabel       = "$label"       // 来源标签（文件名）
	FieldDocID       = "$doc_id"      // 来源 DocID
	FieldSeq         = "$seq"         // 文档序（1 基）
	FieldText        = "$text"        // 提取文本
	FieldRaw         = "$raw"         // 原始记录 JSON
	FieldPlaceholder = "$placeholder" // YES/NO
)

// 列变换。
const (
	TransformNone       = ""
	TransformUpper      = "upper"
	TransformFiscalCode = "fiscal_code"
	TransformCourseName = "course_name" // 清洗后转大写
)

// Column: 输出列定义。
type Column struct {
	Header    string `json:"header"`
	Field     string `json:"field"`
	Transform string `json:"transform,omitempty"`
}

// Options: 表格装配配置。
type Options struct {
	// Columns: 列顺序与来源；为空时使用 DefaultColumns。
	Columns []Column `json:"columns"`
	// Header: 是否输出表头，默认 true。
	Header *bool `json:"header,omitempty"`
	// Delimiter: 单字符分隔符，默认 ","。
	Delimiter string `json:"delimiter,omitempty"`
	// MaxCellBytes: 单元格字节上限（超出截断），0 表示不限制；电子表格单元格通常限 32767 字符。
	MaxCellBytes int `json:"max_cell_bytes,omitempty"`
}

// DefaultColumns 对应培训证书登记表的列布局（含调试列）。
var DefaultColumns = []Column{
	{Header: "NOME", Field: "nome_partecipante", Transform: TransformUpper},
	{Header: "COGNOME", Field: "cognome_partecipante", Transform: TransformUpper},
	{Header: "DATA FINE CORSO", Field: "data_fine_corso"},
	{Header: "DATI ANAGRAFICI", Field: "dati_anagrafici"},
	{Header: "CODICE FISCALE", Field: "codice_fiscale", Transform: TransformFiscalCode},
	{Header: "CODICE CORSO", Field: "codice_corso"},
	{Header: "TDI", Field: "tdi"},
	{Header: "FILE", Field: FieldLabel},
	{Header: "DURATA CORSO", Field: "durata_corso"},
	{Header: "NOME CORSO", Field: "nome_corso", Transform: TransformCourseName},
	{Header: "TESTO", Field: FieldText},
	{Header: "JSON", Field: FieldRaw},
}

type assembler struct {
	cols    []Column
	header  bool
	comma   rune
	maxCell int
}

// New 从原样 JSON Options 创建表格装配器（拒绝未知字段）。
func New(raw json.RawMessage) (contract.Assembler, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("sheet options: %w", err)
		}
	}
	cols := o.Columns
	if len(cols) == 0 {
		cols = DefaultColumns
	}
	for i, c := range cols {
		if strings.TrimSpace(c.Field) == "" {
			return nil, fmt.Errorf("sheet: %w: column %d has no field", contract.ErrInvalidInput, i)
		}
		switch c.Transform {
		case TransformNone, TransformUpper, TransformFiscalCode, TransformCourseName:
		default:
			return nil, fmt.Errorf("sheet: %w: unknown transform %q", contract.ErrInvalidInput, c.Transform)
		}
	}
	comma := ','
	if o.Delimiter != "" {
		r, n := utf8.DecodeRuneInString(o.Delimiter)
		if n != len(o.Delimiter) || r == '"' || r == '\r' || r == '\n' || r == utf8.RuneError {
			return nil, fmt.Errorf("sheet: %w: invalid delimiter %q", contract.ErrInvalidInput, o.Delimiter)
		}
		comma = r
	}
	header := true
	if o.Header != nil {
		header = *o.Header
	}
	if o.MaxCellBytes < 0 {
		return nil, fmt.Errorf("sheet: %w: max_cell_bytes must be >= 0", contract.ErrInvalidInput)
	}
	return &assembler{cols: append([]Column(nil), cols...), header: header, comma: comma, maxCell: o.MaxCellBytes}, nil
}

// Continue 返回省略表头的副本（续写已有表格）。
func (a *assembler) Continue() contract.Assembler {
	c := *a
	c.header = false
	return &c
}

// Assemble 逐行输出 CSV；不重排，行数与输入一致（不含表头）。
func (a *assembler) Assemble(ctx context.Context, rows []contract.Row) (io.Reader, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = a.comma
	if a.header {
		hdr := make([]string, len(a.cols))
		for i, c := range a.cols {
			hdr[i] = c.Header
			if hdr[i] == "" {
				hdr[i] = c.Field
			}
		}
		if err := w.Write(hdr); err != nil {
			return nil, err
		}
	}
	line := make([]string, len(a.cols))
	for i, row := range rows {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for j, c := range a.cols {
			line[j] = a.clip(a.cell(row, c))
		}
		if err := w.Write(line); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func (a *assembler) cell(row contract.Row, c Column) string {
	var v string
	switch c.Field {
	case FieldLabel:
		v = row.Item.Label
	case FieldDocID:
		v = string(row.Item.DocID)
	case FieldSeq:
		v = strconv.Itoa(row.Item.Seq + 1)
	case FieldText:
		v = row.Item.Text
	case FieldRaw:
		b, _ := json.Marshal(row.Record)
		v = string(b)
	case FieldPlaceholder:
		v = "NO"
		if row.Placeholder {
			v = "YES"
		}
	default:
		var ok bool
		if v, ok = row.Record[c.Field]; !ok || strings.TrimSpace(v) == "" {
			v = contract.PlaceholderValue
		}
	}
	switch c.Transform {
	case TransformUpper:
		v = strings.ToUpper(v)
	case TransformFiscalCode:
		v = FiscalCode(v)
	case TransformCourseName:
		v = strings.ToUpper(CourseName(v))
	}
	return v
}

func (a *assembler) clip(s string) string {
	if a.maxCell <= 0 || len(s) <= a.maxCell {
		return s
	}
	cut := a.maxCell
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// sidecarLine: JSONL 每行的形状。
type sidecarLine struct {
	Seq         int             `json:"seq"`
	DocID       contract.DocID  `json:"doc_id"`
	Label       string          `json:"label"`
	Placeholder bool            `json:"placeholder"`
	Record      contract.Record `json:"record"`
}

// AssembleSidecar 逐行输出原始记录（未经列变换）。
func (a *assembler) AssembleSidecar(ctx context.Context, rows []contract.Row) (io.Reader, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, row := range rows {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if err := enc.Encode(sidecarLine{
			Seq:         row.Item.Seq,
			DocID:       row.Item.DocID,
			Label:       row.Item.Label,
			Placeholder: row.Placeholder,
			Record:      row.Record,
		}); err != nil {
			return nil, err
		}
	}
	return &buf, nil
}

var (
	_ contract.Assembler        = (*assembler)(nil)
	_ contract.Continuable      = (*assembler)(nil)
	_ contract.SidecarAssembler = (*assembler)(nil)
)
