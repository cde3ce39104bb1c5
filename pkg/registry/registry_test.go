package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"docbatch/pkg/contract"
)

// TestStrictUnmarshal 验证严格解码逻辑。
func TestStrictUnmarshal(t *testing.T) {
	type opt struct {
		A int `json:"a"`
	}
	var o opt
	if err := strictUnmarshal(nil, &o); err != nil || o.A != 0 {
		t.Fatalf("nil 输入失败: %v", err)
	}
	if err := strictUnmarshal(json.RawMessage(`{"a":1}`), &o); err != nil || o.A != 1 {
		t.Fatalf("合法 JSON 解析失败: %v", err)
	}
	if err := strictUnmarshal(json.RawMessage(`{"a":1,"b":2}`), &o); err == nil {
		t.Fatalf("未知字段应报错")
	}
}

// TestFactories 遍历注册表入口。
func TestFactories(t *testing.T) {
	t.Run("reader", func(t *testing.T) {
		if _, err := Reader["fs"](json.RawMessage(`{"extensions":["pdf"]}`)); err != nil {
			t.Fatalf("reader: %v", err)
		}
		if _, err := Reader["fs"](json.RawMessage(`{"x":1}`)); err == nil {
			t.Fatalf("reader 未对未知字段报错")
		}
	})
	t.Run("extractor", func(t *testing.T) {
		if _, err := Extractor["plaintext"](json.RawMessage(`{}`)); err != nil {
			t.Fatalf("plaintext: %v", err)
		}
		if _, err := Extractor["plaintext"](json.RawMessage(`{"x":1}`)); err == nil {
			t.Fatalf("plaintext 未对未知字段报错")
		}
		if _, err := Extractor["command"](json.RawMessage(`{"command":["definitely-not-a-binary-xyz"]}`)); err == nil {
			t.Fatalf("command 未对缺失可执行文件报错")
		}
	})
	t.Run("batcher", func(t *testing.T) {
		if _, err := Batcher["greedy"](json.RawMessage(`{"extra_tokens_per_item":8}`)); err != nil {
			t.Fatalf("batcher: %v", err)
		}
		if _, err := Batcher["greedy"](json.RawMessage(`{"x":1}`)); err == nil {
			t.Fatalf("batcher 未对未知字段报错")
		}
	})
	t.Run("prompt", func(t *testing.T) {
		pb, err := PromptBuilder["extract"](json.RawMessage(`{}`))
		if err != nil {
			t.Fatalf("prompt: %v", err)
		}
		if _, ok := pb.(contract.FieldSchema); !ok {
			t.Fatalf("extract 应声明字段 schema")
		}
		if _, err := PromptBuilder["extract"](json.RawMessage(`{"x":1}`)); err == nil {
			t.Fatalf("prompt 未对未知字段报错")
		}
	})
	t.Run("decoder", func(t *testing.T) {
		if _, err := Decoder["recordjson"](json.RawMessage(`{}`)); err != nil {
			t.Fatalf("decoder: %v", err)
		}
	})
	t.Run("assembler", func(t *testing.T) {
		a, err := Assembler["sheet"](json.RawMessage(`{}`))
		if err != nil {
			t.Fatalf("assembler: %v", err)
		}
		if _, ok := a.(contract.Continuable); !ok {
			t.Fatalf("sheet 应支持续写")
		}
	})
	t.Run("writer", func(t *testing.T) {
		tmp := t.TempDir()
		raw := json.RawMessage([]byte(fmt.Sprintf(`{"output_dir":%q,"append":true}`, tmp)))
		w, err := Writer["fs"](raw)
		if err != nil {
			t.Fatalf("writer: %v", err)
		}
		if p, ok := w.(contract.ArtifactChecker); !ok || !p.Appending() {
			t.Fatalf("writer 应暴露续写探测")
		}
		bad := json.RawMessage([]byte(fmt.Sprintf(`{"output_dir":%q,"x":1}`, tmp)))
		if _, err := Writer["fs"](bad); err == nil {
			t.Fatalf("writer 未对未知字段报错")
		}
	})
	t.Run("llm-mock", func(t *testing.T) {
		if _, err := LLMClient["mock"](json.RawMessage(`{}`)); err != nil {
			t.Fatalf("mock: %v", err)
		}
		if _, err := LLMClient["flaky"](json.RawMessage(`{}`)); err != nil {
			t.Fatalf("flaky: %v", err)
		}
	})
	t.Run("llm-openai", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		if _, err := LLMClient["openai"](json.RawMessage(`{}`)); !errors.Is(err, contract.ErrInvalidInput) {
			t.Fatalf("openai 未按预期报错: %v", err)
		}
	})
	t.Run("llm-gemini", func(t *testing.T) {
		t.Setenv("GOOGLE_API_KEY", "")
		if _, err := LLMClient["gemini"](json.RawMessage(`{}`)); !errors.Is(err, contract.ErrInvalidInput) {
			t.Fatalf("gemini 未按预期报错: %v", err)
		}
	})
	t.Run("rate", func(t *testing.T) {
		src, err := RateSource["static"](json.RawMessage(`{"rate":1.08}`))
		if err != nil {
			t.Fatalf("static: %v", err)
		}
		if r, err := src.Rate(context.Background()); err != nil || r != 1.08 {
			t.Fatalf("static rate=%v err=%v", r, err)
		}
		if _, err := RateSource["static"](json.RawMessage(`{}`)); !errors.Is(err, contract.ErrInvalidInput) {
			t.Fatalf("static 未对缺失汇率报错: %v", err)
		}
		if _, err := RateSource["exchangerate"](json.RawMessage(`{"currency":"EUR"}`)); err != nil {
			t.Fatalf("exchangerate: %v", err)
		}
	})
}
