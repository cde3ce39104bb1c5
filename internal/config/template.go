package config

import "encoding/json"

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 使用 mock LLM 与合理限额（本地/离线调试友好）；
// - 默认输入目录 ./in，Writer 输出到 ./out 目录；
// - 组件名采用仓库内置实现；
// - 选项给出安全中性默认值。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := d
	cfg.Inputs = []string{"in"}
	cfg.RateLimit = RateLimit{MaxPerWindow: 0, Window: 0}
	cfg.Tokenizer.TokensPerSecond = 60
	cfg.Pricing = Pricing{
		InputPer1K:  0.0025,
		OutputPer1K: 0.01,
		Currency:    "EUR",
		FX:          FX{Source: "exchangerate", Options: json.RawMessage(`{"currency":"EUR","timeout_seconds":10}`)},
	}
	cfg.LLM = "mock"
	cfg.Provider = map[string]Provider{
		"mock": {
			Client:  "mock",
			Options: json.RawMessage(`{"prefix":"","fields":["nome_partecipante","cognome_partecipante","codice_fiscale","data_fine_corso","nome_corso","codice_corso","dati_anagrafici","tdi","durata_corso"],"response_mode":"fenced"}`),
			Limits:  Limits{RPM: 60, TPM: 0, MaxTokensPerReq: 0},
		},
		"openai": {
			Client: "openai",
			// 覆盖全部 OpenAI 选项键，值可为空/默认
			Options: json.RawMessage(`{
  "base_url": "",
  "model": "gpt-4o",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "timeout_seconds": 120,
  "max_tokens": 16384,
  "temperature": 0,
  "json_mode": false,
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {}
}`),
			Limits: Limits{RPM: 500, TPM: 30000, MaxTokensPerReq: 128000},
		},
		"gemini": {
			Client: "gemini",
			// 覆盖全部 Gemini 选项键，值可为空/默认
			Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "GOOGLE_API_KEY",
  "api_key": "",
  "endpoint_path": "",
  "timeout_seconds": 120,
  "max_output_tokens": 16384,
  "api_key_in_query": true,
  "extra_headers": {},
  "extra_query": {},
  "response_mime_type": "application/json"
}`),
			Limits: Limits{RPM: 0, TPM: 0, MaxTokensPerReq: 0},
		},
	}
	// Options：包含所有键（值可为空/默认），确保键存在。
	cfg.Options.Reader = json.RawMessage(`{
  "buf_size": 65536,
  "exclude_dir_names": [".git", "node_modules", "vendor"],
  "extensions": [".txt"],
  "include_hidden": false
}`)
	cfg.Options.Extractor = json.RawMessage(`{
  "max_bytes": 16777216,
  "allow_empty": false
}`)
	cfg.Options.Batcher = json.RawMessage(`{
  "extra_tokens_per_item": 8
}`)
	cfg.Options.Writer = json.RawMessage(`{
  "output_dir": "out",
  "atomic": true,
  "flat": true,
  "append": false,
  "backup": false,
  "perm_file": 0,
  "perm_dir": 0,
  "buf_size": 65536
}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "inline_system_template": "",
  "system_template_path": "",
  "fields": [],
  "item_label": "Document",
  "inline_reference": "",
  "reference_path": "",
  "inline_instructions": "",
  "instructions_path": ""
}`)
	cfg.Options.Decoder = json.RawMessage(`{
  "array_path": "",
  "null_as": "ND"
}`)
	// 列为空时使用内置证书登记表布局
	cfg.Options.Assembler = json.RawMessage(`{
  "columns": [],
  "header": true,
  "delimiter": ",",
  "max_cell_bytes": 32767
}`)
	return cfg
}
