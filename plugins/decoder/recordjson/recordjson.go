package recordjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"docbatch/pkg/contract"
)

// Options: 解码宽松度。
type Options struct {
	// ArrayPath: 当模型返回对象包裹（如 {"records":[...]}）时的 gjson 路径；为空时自动探测。
	ArrayPath string `json:"array_path"`
	// NullAs: JSON null 的替代值，默认 ND。
	NullAs string `json:"null_as"`
}

type decoder struct {
	arrayPath string
	nullAs    string
}

var fence = regexp.MustCompile("(?s)```(\\w*)\\s*\\n(.*?)```")

// New 从原样 JSON Options 创建解码器（拒绝未知字段）。
func New(raw json.RawMessage) (contract.Decoder, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("recordjson options: %w", err)
		}
	}
	if opts.NullAs == "" {
		opts.NullAs = contract.PlaceholderValue
	}
	return &decoder{arrayPath: opts.ArrayPath, nullAs: opts.NullAs}, nil
}

// Decode 期望 Raw.Text 含一个 JSON 对象数组：[{"id": "1", ...}, ...]。
// 容忍 ```json 围栏、数组前后的说明文字、数字型 id。
// 非对象元素解码为空记录，由对齐阶段计入未知。
func (d *decoder) Decode(ctx context.Context, _ contract.Batch, raw contract.Raw) ([]contract.Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	arr, err := d.locate(raw.Text)
	if err != nil {
		return nil, err
	}
	out := make([]contract.Record, 0, len(arr))
	for _, el := range arr {
		rec := contract.Record{}
		if el.IsObject() {
			el.ForEach(func(k, v gjson.Result) bool {
				rec[k.String()] = d.scalar(v)
				return true
			})
		}
		out = append(out, rec)
	}
	return out, nil
}

// locate 去围栏、截取数组并解析。
func (d *decoder) locate(text string) ([]gjson.Result, error) {
	s := Clean(text)
	if s == "" {
		return nil, fmt.Errorf("empty response: %w", contract.ErrResponseInvalid)
	}
	if !gjson.Valid(s) {
		return nil, fmt.Errorf("response is not valid json: %w", contract.ErrResponseInvalid)
	}
	res := gjson.Parse(s)
	if res.IsObject() {
		path := d.arrayPath
		if path == "" {
			// 自动探测：取第一个数组字段
			res.ForEach(func(k, v gjson.Result) bool {
				if v.IsArray() {
					path = k.String()
					return false
				}
				return true
			})
		}
		if path == "" {
			return nil, fmt.Errorf("object response without array: %w", contract.ErrResponseInvalid)
		}
		res = res.Get(path)
	}
	if !res.IsArray() {
		return nil, fmt.Errorf("response is not a json array: %w", contract.ErrResponseInvalid)
	}
	return res.Array(), nil
}

// Clean 去除 markdown 围栏与数组外的说明文字；找不到数组时原样（去空白）返回。
func Clean(text string) string {
	s := strings.TrimSpace(text)
	if m := fence.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[2])
	}
	if strings.HasPrefix(s, "{") && gjson.Valid(s) {
		return s
	}
	i := strings.Index(s, "[")
	j := strings.LastIndex(s, "]")
	if i >= 0 && j > i {
		return s[i : j+1]
	}
	return s
}

func (d *decoder) scalar(v gjson.Result) string {
	switch v.Type {
	case gjson.Null:
		return d.nullAs
	case gjson.String:
		return strings.TrimSpace(v.String())
	case gjson.Number:
		// 保留原文，避免 3 → 3.0
		return v.Raw
	case gjson.True, gjson.False:
		return v.String()
	default:
		return v.Raw
	}
}
