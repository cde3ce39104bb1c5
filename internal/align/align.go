package align

import (
	"regexp"
	"strconv"
	"strings"

	"docbatch/pkg/contract"
)

// Report: 对齐过程中的差异统计（用于告警，不构成错误）。
type Report struct {
	Expected   int
	Received   int
	Missing    []int // 以占位补齐的批内序号
	Duplicates []int // 重复出现的序号（后者覆盖前者）
	Unknown    int   // 序号缺失/无法解析/越界的记录数
}

// Mismatch 返回条数或序号集合是否与批不一致。
func (r Report) Mismatch() bool {
	return r.Received != r.Expected || len(r.Missing) > 0 || len(r.Duplicates) > 0 || r.Unknown > 0
}

var digits = regexp.MustCompile(`\d+`)

// ParseID 宽松解析记录序号："3"、" 3 "、"3.0"、"Document 3" 均解析为 3。
func ParseID(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int(f)) {
		return int(f), true
	}
	m := digits.FindAllString(s, -1)
	if len(m) != 1 {
		return 0, false
	}
	n, err := strconv.Atoi(m[0])
	return n, err == nil
}

// Align 将模型返回的记录按序号映射回批内位置，输出长度恒等于批条目数。
//   - 以记录声明的 id 建索引，重复 id 以最后一条为准；
//   - 缺失位置以占位记录（全部字段 ND）补齐；
//   - 输出记录的 id 归一为位置序号，缺少的 schema 字段补 ND。
//
// 纯函数，不修改 raw。
func Align(b contract.Batch, raw []contract.Record, fields []string) ([]contract.Record, Report) {
	n := len(b.Items)
	rep := Report{Expected: n, Received: len(raw)}
	byID := make(map[int]contract.Record, len(raw))
	for _, r := range raw {
		id, ok := ParseID(r[contract.FieldID])
		if !ok || id < 1 || id > n {
			rep.Unknown++
			continue
		}
		if _, dup := byID[id]; dup {
			rep.Duplicates = append(rep.Duplicates, id)
		}
		byID[id] = r
	}
	out := make([]contract.Record, n)
	for pos := 1; pos <= n; pos++ {
		key := strconv.Itoa(pos)
		r, ok := byID[pos]
		if !ok {
			rep.Missing = append(rep.Missing, pos)
			out[pos-1] = contract.Placeholder(fields, key)
			continue
		}
		c := r.Clone()
		c[contract.FieldID] = key
		for _, f := range fields {
			if _, has := c[f]; !has {
				c[f] = contract.PlaceholderValue
			}
		}
		out[pos-1] = c
	}
	return out, rep
}

// Placeholders 返回整批占位（批失败时使用）。
func Placeholders(b contract.Batch, fields []string) []contract.Record {
	out := make([]contract.Record, len(b.Items))
	for i := range out {
		out[i] = contract.Placeholder(fields, strconv.Itoa(i+1))
	}
	return out
}
