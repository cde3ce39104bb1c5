package align

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"docbatch/pkg/contract"
)

var fields = []string{"id", "nome", "codice"}

func batchOf(n int) contract.Batch {
	b := contract.Batch{}
	for i := 0; i < n; i++ {
		b.Items = append(b.Items, contract.Item{ID: i + 1, Seq: i})
	}
	return b
}

// UT-ALN-01: 缺失补占位
func TestAlignMissing(t *testing.T) {
	out, rep := Align(batchOf(2), []contract.Record{{"id": "1", "nome": "A", "codice": "X"}}, fields)
	require.Len(t, out, 2)
	assert.Equal(t, contract.Record{"id": "1", "nome": "A", "codice": "X"}, out[0])
	assert.Equal(t, contract.Record{"id": "2", "nome": "ND", "codice": "ND"}, out[1])
	assert.Equal(t, []int{2}, rep.Missing)
	assert.True(t, rep.Mismatch())
}

// UT-ALN-02: 乱序与重复（后者覆盖）
func TestAlignOrderAndDuplicates(t *testing.T) {
	raw := []contract.Record{
		{"id": "2", "nome": "B"},
		{"id": "1", "nome": "A"},
		{"id": "2", "nome": "B2"},
	}
	out, rep := Align(batchOf(2), raw, fields)
	assert.Equal(t, "A", out[0]["nome"])
	assert.Equal(t, "B2", out[1]["nome"])
	assert.Equal(t, "ND", out[1]["codice"], "缺少字段补 ND")
	assert.Equal(t, []int{2}, rep.Duplicates)
	assert.Empty(t, rep.Missing)
}

// UT-ALN-03: 非法与越界序号
func TestAlignUnknownIDs(t *testing.T) {
	raw := []contract.Record{{"id": "x"}, {"id": "0"}, {"id": "9"}, {"nome": "no id"}, {"id": "Document 1", "nome": "A"}}
	out, rep := Align(batchOf(1), raw, fields)
	assert.Equal(t, 4, rep.Unknown)
	assert.Equal(t, "A", out[0]["nome"])
	assert.Equal(t, "1", out[0]["id"])
}

// UT-ALN-04: 空批与空响应
func TestAlignEmpty(t *testing.T) {
	out, rep := Align(batchOf(0), nil, fields)
	assert.Empty(t, out)
	assert.False(t, rep.Mismatch())
	out, rep = Align(batchOf(3), nil, fields)
	require.Len(t, out, 3)
	assert.Equal(t, []int{1, 2, 3}, rep.Missing)
	for _, r := range out {
		assert.Equal(t, contract.Placeholder(fields, r[contract.FieldID]), r)
	}
}

// UT-ALN-05: 宽松序号解析
func TestParseID(t *testing.T) {
	cases := map[string]int{"3": 3, " 3 ": 3, "3.0": 3, "Document 3": 3, "Attestato 12": 12}
	for in, want := range cases {
		got, ok := ParseID(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "abc", "1 and 2", "3.5"} {
		_, ok := ParseID(in)
		assert.False(t, ok, in)
	}
}

// UT-ALN-06: 不修改入参
func TestAlignDoesNotMutate(t *testing.T) {
	raw := []contract.Record{{"id": " 1 ", "nome": "A"}}
	out, _ := Align(batchOf(1), raw, fields)
	out[0]["nome"] = "Z"
	assert.Equal(t, " 1 ", raw[0]["id"])
	assert.Equal(t, "A", raw[0]["nome"])
}

// UT-ALN-07: 整批占位
func TestPlaceholders(t *testing.T) {
	out := Placeholders(batchOf(2), fields)
	require.Len(t, out, 2)
	assert.Equal(t, "2", out[1]["id"])
	for _, f := range fields {
		if f != contract.FieldID {
			assert.Equal(t, contract.PlaceholderValue, out[0][f])
		}
	}
}

// 输出长度恒等于批条目数，位置 id 连续
func TestProperty_AlignTotal(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(rt, "n")
		ids := rapid.SliceOf(rapid.IntRange(-2, 35)).Draw(rt, "ids")
		raw := make([]contract.Record, len(ids))
		for i, id := range ids {
			raw[i] = contract.Record{"id": strconv.Itoa(id), "nome": "v" + strconv.Itoa(i)}
		}
		out, rep := Align(batchOf(n), raw, fields)
		if len(out) != n {
			rt.Fatalf("len %d != %d", len(out), n)
		}
		for i, r := range out {
			if r["id"] != strconv.Itoa(i+1) {
				rt.Fatalf("pos %d id %q", i+1, r["id"])
			}
		}
		if rep.Expected != n || rep.Received != len(ids) {
			rt.Fatalf("report counts wrong: %+v", rep)
		}
	})
}

// 对齐结果再次对齐保持不变
func TestProperty_AlignIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(rt, "n")
		perm := rapid.Permutation(makeRange(n)).Draw(rt, "perm")
		raw := make([]contract.Record, 0, n)
		for _, id := range perm {
			raw = append(raw, contract.Record{"id": strconv.Itoa(id), "nome": "n" + strconv.Itoa(id), "codice": "c"})
		}
		b := batchOf(n)
		once, rep := Align(b, raw, fields)
		if rep.Mismatch() {
			rt.Fatalf("well-formed input reported mismatch: %+v", rep)
		}
		twice, _ := Align(b, once, fields)
		for i := range once {
			for k, v := range once[i] {
				if twice[i][k] != v {
					rt.Fatalf("pos %d field %s changed", i+1, k)
				}
			}
			if once[i]["nome"] != "n"+strconv.Itoa(i+1) {
				rt.Fatalf("pos %d got %q", i+1, once[i]["nome"])
			}
		}
	})
}

func makeRange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}
