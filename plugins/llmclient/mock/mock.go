package mock

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"docbatch/pkg/contract"
)

// Options: 离线调试配置（可选）。
type Options struct {
	Prefix string `json:"prefix"` // 未命中字段的取值前缀，默认 "MOCK"
	// Fields: 每条记录输出的字段；为空时仅输出 id。
	Fields []string `json:"fields"`
	// ResponseMode: 响应形态（用于集成测试与无网络联调）。
	//  - "records"（默认）：严格 JSON 数组 [{"id":"1",...}]；
	//  - "fenced"：同上，但包裹在 ```json 围栏中并附带说明文字；
	//  - "object"：{"records":[...]} 对象包裹；
	//  - "echo"：回显 Prompt 摘要（非 JSON）。
	ResponseMode string `json:"response_mode,omitempty"`
	// DropIDs: 故意遗漏的批内序号（模拟模型漏条）。
	DropIDs []int `json:"drop_ids,omitempty"`
	// OutputTokensPerItem: 计量中每条记录的输出 token，默认 170。
	OutputTokensPerItem int `json:"output_tokens_per_item,omitempty"`
}

type Client struct {
	prefix string
	fields []string
	mode   string
	drop   map[int]bool
	outPer int64
}

func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	mode := strings.TrimSpace(o.ResponseMode)
	switch mode {
	case "":
		mode = "records"
	case "records", "fenced", "object", "echo":
	default:
		return nil, fmt.Errorf("mock: %w: unknown response_mode %q", contract.ErrInvalidInput, mode)
	}
	if o.OutputTokensPerItem <= 0 {
		o.OutputTokensPerItem = 170
	}
	drop := make(map[int]bool, len(o.DropIDs))
	for _, id := range o.DropIDs {
		drop[id] = true
	}
	return &Client{prefix: o.Prefix, fields: o.Fields, mode: mode, drop: drop, outPer: int64(o.OutputTokensPerItem)}, nil
}

// Invoke 按批内序号生成确定性记录。字段取值规则：
// 条目文本中若有 "field: value" 行则取 value，否则为 Prefix-field-ID。
func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	select {
	case <-ctx.Done():
		return contract.Raw{}, ctx.Err()
	default:
	}
	usage := contract.Usage{InputTokens: int64(b.InputTokens), OutputTokens: c.outPer * int64(b.Len())}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens

	if c.mode == "echo" {
		return contract.Raw{Text: c.echo(p), Usage: usage}, nil
	}

	recs := make([]map[string]string, 0, b.Len())
	for _, it := range b.Items {
		if c.drop[it.ID] {
			continue
		}
		kv := parseKV(it.Text)
		rec := make(map[string]string, len(c.fields)+1)
		for _, f := range c.fields {
			if v, ok := kv[f]; ok {
				rec[f] = v
			} else {
				rec[f] = fmt.Sprintf("%s-%s-%d", c.prefix, f, it.ID)
			}
		}
		rec[contract.FieldID] = strconv.Itoa(it.ID)
		recs = append(recs, rec)
	}
	bts, err := json.Marshal(recs)
	if err != nil {
		return contract.Raw{}, err
	}
	switch c.mode {
	case "fenced":
		return contract.Raw{Text: "Ecco i risultati:\n```json\n" + string(bts) + "\n```\n", Usage: usage}, nil
	case "object":
		return contract.Raw{Text: `{"records":` + string(bts) + `}`, Usage: usage}, nil
	}
	return contract.Raw{Text: string(bts), Usage: usage}, nil
}

func (c *Client) echo(p contract.Prompt) string {
	switch v := p.(type) {
	case contract.TextPrompt:
		return fmt.Sprintf("%s(text): %s", c.prefix, string(v))
	case contract.ChatPrompt:
		if len(v) == 0 {
			return fmt.Sprintf("%s(chat): <empty>", c.prefix)
		}
		// 仅取最后一条，避免打印过长
		last := v[len(v)-1]
		return fmt.Sprintf("%s(chat:%s): %s", c.prefix, last.Role, last.Content)
	default:
		return fmt.Sprintf("%s(unknown prompt type)", c.prefix)
	}
}

// parseKV 读取 "key: value" 行；重复键以首次出现为准。
func parseKV(text string) map[string]string {
	out := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, seen := out[k]; !seen {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}

var _ contract.LLMClient = (*Client)(nil)
