package sheet

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"docbatch/pkg/contract"
)

func rows() []contract.Row {
	return []contract.Row{
		{
			Item: contract.Item{Seq: 0, DocID: "in/a.pdf", Label: "a.pdf", Text: "testo, con virgola\nsu due righe"},
			Record: contract.Record{
				"id": "1", "nome_partecipante": "mario", "cognome_partecipante": "rossi",
				"codice_fiscale": "rss mra 80a01 h5O1u", "nome_corso": "Sicurezza - rischio (basso)!",
				"data_fine_corso": "01/02/2024",
			},
		},
		{
			Item:        contract.Item{Seq: 1, DocID: "in/b.pdf", Label: "b.pdf", Text: "illeggibile"},
			Record:      contract.Placeholder([]string{"nome_partecipante"}, "2"),
			Placeholder: true,
		},
	}
}

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(b)
}

// UT-SHT-01 默认列：表头、顺序、变换与引号转义
func TestAssembleDefaultColumns(t *testing.T) {
	a, err := New(nil)
	require.NoError(t, err)
	out, err := a.Assemble(context.Background(), rows())
	require.NoError(t, err)

	recs, err := csv.NewReader(strings.NewReader(readAll(t, out))).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "NOME", recs[0][0])
	assert.Len(t, recs[0], len(DefaultColumns))

	r1 := recs[1]
	assert.Equal(t, "MARIO", r1[0])
	assert.Equal(t, "ROSSI", r1[1])
	assert.Equal(t, "01/02/2024", r1[2])
	assert.Equal(t, "ND", r1[3]) // 缺失字段
	assert.Equal(t, "RSSMRA80A01H501U", r1[4])
	assert.Equal(t, "a.pdf", r1[7])
	assert.Equal(t, "SICUREZZA RISCHIO BASSO", r1[9])
	assert.Equal(t, "testo, con virgola\nsu due righe", r1[10])
	var raw map[string]string
	require.NoError(t, json.Unmarshal([]byte(r1[11]), &raw))
	assert.Equal(t, "mario", raw["nome_partecipante"])

	r2 := recs[2]
	assert.Equal(t, "ND", r2[0])
	assert.Equal(t, "ND", r2[4])
	assert.Equal(t, "ND", r2[9])
}

// UT-SHT-02 自定义列、伪字段、分隔符、无表头、Continue
func TestAssembleCustom(t *testing.T) {
	a, err := New(json.RawMessage(`{"columns":[{"field":"$seq"},{"header":"P","field":"$placeholder"},
		{"header":"D","field":"$doc_id"}],"delimiter":";"}`))
	require.NoError(t, err)
	out, err := a.Assemble(context.Background(), rows())
	require.NoError(t, err)
	assert.Equal(t, "$seq;P;D\n1;NO;in/a.pdf\n2;YES;in/b.pdf\n", readAll(t, out))

	cont := a.(contract.Continuable).Continue()
	out, err = cont.Assemble(context.Background(), rows()[:1])
	require.NoError(t, err)
	assert.Equal(t, "1;NO;in/a.pdf\n", readAll(t, out))

	// 原装配器不受影响
	out, err = a.Assemble(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "$seq;P;D\n", readAll(t, out))
}

// UT-SHT-03 JSONL 旁路：每行一条，保留原始记录
func TestAssembleSidecar(t *testing.T) {
	a, err := New(nil)
	require.NoError(t, err)
	out, err := a.(contract.SidecarAssembler).AssembleSidecar(context.Background(), rows())
	require.NoError(t, err)
	sc := bufio.NewScanner(out)
	var lines []sidecarLine
	for sc.Scan() {
		var l sidecarLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		lines = append(lines, l)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "rss mra 80a01 h5O1u", lines[0].Record["codice_fiscale"])
	assert.True(t, lines[1].Placeholder)
	assert.Equal(t, 1, lines[1].Seq)
	assert.Equal(t, contract.DocID("in/b.pdf"), lines[1].DocID)
}

// UT-SHT-04 非法配置与取消
func TestOptionsAndCancel(t *testing.T) {
	for _, raw := range []string{
		`{"columns":[{"field":""}]}`,
		`{"columns":[{"field":"a","transform":"lower"}]}`,
		`{"delimiter":"ab"}`,
		`{"delimiter":"\""}`,
		`{"max_cell_bytes":-1}`,
		`{"nope":1}`,
	} {
		_, err := New(json.RawMessage(raw))
		assert.Error(t, err, raw)
	}
	a, err := New(nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Assemble(ctx, rows())
	assert.ErrorIs(t, err, context.Canceled)
}

// UT-SHT-05 单元格截断按 rune 边界
func TestClip(t *testing.T) {
	a, err := New(json.RawMessage(`{"columns":[{"field":"$text"}],"header":false,"max_cell_bytes":3}`))
	require.NoError(t, err)
	out, err := a.Assemble(context.Background(), []contract.Row{{Item: contract.Item{Text: "aèb"}}})
	require.NoError(t, err)
	assert.Equal(t, "aè\n", readAll(t, out))
	out, err = a.Assemble(context.Background(), []contract.Row{{Item: contract.Item{Text: "èèè"}}})
	require.NoError(t, err)
	assert.Equal(t, "è\n", readAll(t, out))
}

// UT-SHT-06 税号修复
func TestFiscalCode(t *testing.T) {
	cases := map[string]string{
		"ZNLMTT94R21C618B":    "ZNLMTT94R21C618B",
		"ZNL MTT 94R21 C618B": "ZNLMTT94R21C618B",
		"znlmtt94r21c618b":    "ZNLMTT94R21C618B",
		"ZN1MTT9OR21C618B":    "ZNIMTT90R21C618B",
		"Z0LMTT94R21C618B":    "ZOLMTT94R21C618B",
		"Z5LMTT94R21C618B":    "ND",
		"ZNLMTTX4R21C618B":    "ND",
		"ZNLMTT94R21C618":     "ND",
		"ND":                  "ND",
		"":                    "ND",
	}
	for in, want := range cases {
		assert.Equal(t, want, FiscalCode(in), in)
	}
}

// UT-SHT-07 课程名清洗
func TestCourseName(t *testing.T) {
	assert.Equal(t, "Sicurezza rischio basso", CourseName("  Sicurezza -- rischio (basso)!! "))
	assert.Equal(t, "Perché è così", CourseName("Perché, è così?"))
	assert.Equal(t, "ND", CourseName("ND"))
	assert.Equal(t, "ND", CourseName("  "))
	assert.Equal(t, "ND", CourseName("---"))
}

// 税号修复幂等且输出要么为 ND，要么符合位型
func TestFiscalCodeProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringMatching(`[A-Z0-9IO ]{0,20}`).Draw(t, "cf")
		once := FiscalCode(s)
		if FiscalCode(once) != once {
			t.Fatalf("not idempotent: %q -> %q -> %q", s, once, FiscalCode(once))
		}
		if once == contract.PlaceholderValue {
			return
		}
		if len(once) != len(fiscalPattern) {
			t.Fatalf("bad length %q", once)
		}
		for i := 0; i < len(once); i++ {
			digit := once[i] >= '0' && once[i] <= '9'
			if (fiscalPattern[i] == 'N') != digit {
				t.Fatalf("position %d of %q violates pattern", i, once)
			}
		}
	})
}
