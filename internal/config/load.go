package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvPrefix: 环境变量覆盖前缀。
const EnvPrefix = "DOCBATCH_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由配置/ENV/CLI 提供）。
func Defaults() Config {
	margin := 0.1
	return Config{
		Output:              "records",
		MaxTotalTokens:      128000,
		MaxOutputTokens:     16384,
		SafetyMargin:        &margin,
		OutputTokensPerItem: 170,
		Concurrency:         4,
		ExtractConcurrency:  4,
		OnBatchError:        OnBatchErrorPlaceholder,
		Tokenizer:           Tokenizer{Kind: "tiktoken", Model: "gpt-4o", BytesPerToken: 4},
		Pricing:             Pricing{InputPer1K: 0.0025, OutputPer1K: 0.01, Currency: "USD"},
		Logging:             Logging{Level: "info", Dir: "logs"},
		Components: Components{
			Reader:        "fs",
			Extractor:     "plaintext",
			Batcher:       "greedy",
			Writer:        "fs",
			PromptBuilder: "extract",
			Decoder:       "recordjson",
			Assembler:     "sheet",
		},
	}
}

// Format: 配置文件格式。
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatOf 按扩展名判定格式（未知扩展名按 JSON 处理）。
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	default:
		return FormatJSON
	}
}

// Load 从文件加载配置，格式按扩展名判定。
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	return Decode(f, FormatOf(path))
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	switch {
	case len(raw) > 0:
		return Decode(bytes.NewReader(raw), FormatJSON)
	case path != "":
		return Load(path)
	default:
		return Config{}, errors.New("no config source provided")
	}
}

// Decode 解析任意受支持格式。YAML/TOML 先转为通用树再经 JSON 严格解码，
// 因此三种格式共享同一套键名与未知字段校验。
func Decode(r io.Reader, f Format) (Config, error) {
	var cfg Config
	var src io.Reader = r
	switch f {
	case FormatYAML:
		var tree map[string]any
		if err := yaml.NewDecoder(r).Decode(&tree); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("yaml: %w", err)
		}
		b, err := json.Marshal(tree)
		if err != nil {
			return cfg, fmt.Errorf("yaml: %w", err)
		}
		src = bytes.NewReader(b)
	case FormatTOML:
		var tree map[string]any
		if _, err := toml.NewDecoder(r).Decode(&tree); err != nil {
			return cfg, fmt.Errorf("toml: %w", err)
		}
		b, err := json.Marshal(tree)
		if err != nil {
			return cfg, fmt.Errorf("toml: %w", err)
		}
		src = bytes.NewReader(b)
	}
	dec := json.NewDecoder(src)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if len(over.Inputs) > 0 {
		out.Inputs = cloneStrings(over.Inputs)
	}
	if s := strings.TrimSpace(over.Output); s != "" {
		out.Output = s
	}
	setInt(&out.MaxTotalTokens, over.MaxTotalTokens)
	setInt(&out.MaxOutputTokens, over.MaxOutputTokens)
	// SafetyMargin 的 0 具有语义，以指针区分“未覆盖”
	if over.SafetyMargin != nil {
		v := *over.SafetyMargin
		out.SafetyMargin = &v
	}
	setInt(&out.OutputTokensPerItem, over.OutputTokensPerItem)
	setInt(&out.Concurrency, over.Concurrency)
	setInt(&out.ExtractConcurrency, over.ExtractConcurrency)
	setInt(&out.RateLimit.MaxPerWindow, over.RateLimit.MaxPerWindow)
	if over.RateLimit.Window != 0 {
		out.RateLimit.Window = over.RateLimit.Window
	}
	setStr(&out.OnBatchError, over.OnBatchError)

	setStr(&out.Tokenizer.Kind, over.Tokenizer.Kind)
	setStr(&out.Tokenizer.Model, over.Tokenizer.Model)
	setInt(&out.Tokenizer.BytesPerToken, over.Tokenizer.BytesPerToken)
	setInt(&out.Tokenizer.TokensPerSecond, over.Tokenizer.TokensPerSecond)

	if over.Pricing.InputPer1K != 0 {
		out.Pricing.InputPer1K = over.Pricing.InputPer1K
	}
	if over.Pricing.OutputPer1K != 0 {
		out.Pricing.OutputPer1K = over.Pricing.OutputPer1K
	}
	setStr(&out.Pricing.Currency, over.Pricing.Currency)
	if over.Pricing.FX.Source != "" {
		out.Pricing.FX = FX{Source: over.Pricing.FX.Source, Options: cloneRaw(over.Pricing.FX.Options)}
	}

	setStr(&out.Logging.Level, over.Logging.Level)
	setStr(&out.Logging.Dir, over.Logging.Dir)
	setStr(&out.Logging.Format, over.Logging.Format)
	setStr(&out.Metrics.Textfile, over.Metrics.Textfile)

	// 组件名（空不覆盖）
	setStr(&out.Components.Reader, over.Components.Reader)
	setStr(&out.Components.Extractor, over.Components.Extractor)
	setStr(&out.Components.Batcher, over.Components.Batcher)
	setStr(&out.Components.Writer, over.Components.Writer)
	setStr(&out.Components.PromptBuilder, over.Components.PromptBuilder)
	setStr(&out.Components.Decoder, over.Components.Decoder)
	setStr(&out.Components.Assembler, over.Components.Assembler)

	// Provider（完整替换对应键）
	if len(over.Provider) > 0 {
		merged := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			merged[k] = v
		}
		for k, v := range over.Provider {
			merged[k] = v
		}
		out.Provider = merged
	}

	// Options（完整替换对应键）
	setRaw(&out.Options.Reader, over.Options.Reader)
	setRaw(&out.Options.Extractor, over.Options.Extractor)
	setRaw(&out.Options.Batcher, over.Options.Batcher)
	setRaw(&out.Options.Writer, over.Options.Writer)
	setRaw(&out.Options.PromptBuilder, over.Options.PromptBuilder)
	setRaw(&out.Options.Decoder, over.Options.Decoder)
	setRaw(&out.Options.Assembler, over.Options.Assembler)

	setStr(&out.LLM, over.LLM)
	return out
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setStr(dst *string, v string) {
	if t := strings.TrimSpace(v); t != "" {
		*dst = t
	}
}

func setRaw(dst *json.RawMessage, v json.RawMessage) {
	if len(v) > 0 {
		*dst = cloneRaw(v)
	}
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 DOCBATCH_；集合之外的键忽略；数值解析失败返回错误。
// 支持：INPUTS, OUTPUT, CONCURRENCY, EXTRACT_CONCURRENCY, MAX_TOTAL_TOKENS, MAX_OUTPUT_TOKENS,
// SAFETY_MARGIN, OUTPUT_TOKENS_PER_ITEM, ON_BATCH_ERROR, RATE_LIMIT_{MAX_PER_WINDOW,WINDOW},
// TOKENIZER_{KIND,MODEL}, PRICING_CURRENCY, LOG_{LEVEL,DIR,FORMAT}, METRICS_TEXTFILE, LLM, COMPONENTS_*
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / PROVIDER__<name>__OPTIONS_JSON
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	prov := map[string]Provider{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[:eq]
		val := strings.TrimSpace(kv[eq+1:])
		if val == "" {
			continue
		}
		nk := strings.TrimPrefix(key, EnvPrefix)
		var err error
		switch nk {
		case "INPUTS":
			over.Inputs = splitComma(val)
		case "OUTPUT":
			over.Output = val
		case "CONCURRENCY":
			over.Concurrency, err = atoi(val)
		case "EXTRACT_CONCURRENCY":
			over.ExtractConcurrency, err = atoi(val)
		case "MAX_TOTAL_TOKENS":
			over.MaxTotalTokens, err = atoi(val)
		case "MAX_OUTPUT_TOKENS":
			over.MaxOutputTokens, err = atoi(val)
		case "OUTPUT_TOKENS_PER_ITEM":
			over.OutputTokensPerItem, err = atoi(val)
		case "SAFETY_MARGIN":
			var f float64
			if f, err = strconv.ParseFloat(val, 64); err == nil {
				over.SafetyMargin = &f
			}
		case "ON_BATCH_ERROR":
			over.OnBatchError = val
		case "RATE_LIMIT_MAX_PER_WINDOW":
			over.RateLimit.MaxPerWindow, err = atoi(val)
		case "RATE_LIMIT_WINDOW":
			err = over.RateLimit.Window.UnmarshalJSON(strconv.AppendQuote(nil, val))
		case "TOKENIZER_KIND":
			over.Tokenizer.Kind = val
		case "TOKENIZER_MODEL":
			over.Tokenizer.Model = val
		case "PRICING_CURRENCY":
			over.Pricing.Currency = strings.ToUpper(val)
		case "LOG_LEVEL":
			over.Logging.Level = val
		case "LOG_DIR":
			over.Logging.Dir = val
		case "LOG_FORMAT":
			over.Logging.Format = val
		case "METRICS_TEXTFILE":
			over.Metrics.Textfile = val
		case "LLM":
			over.LLM = val
		case "COMPONENTS_READER":
			over.Components.Reader = val
		case "COMPONENTS_EXTRACTOR":
			over.Components.Extractor = val
		case "COMPONENTS_BATCHER":
			over.Components.Batcher = val
		case "COMPONENTS_WRITER":
			over.Components.Writer = val
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = val
		case "COMPONENTS_DECODER":
			over.Components.Decoder = val
		case "COMPONENTS_ASSEMBLER":
			over.Components.Assembler = val
		default:
			// provider.* 路径：PROVIDER__name__FOO
			if strings.HasPrefix(nk, "PROVIDER__") {
				err = envProvider(prov, nk, val)
			}
		}
		if err != nil {
			return Config{}, fmt.Errorf("env %s: %w", key, err)
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

func envProvider(prov map[string]Provider, nk, val string) error {
	parts := strings.Split(nk, "__")
	if len(parts) < 3 {
		return nil
	}
	name := strings.TrimSpace(parts[1])
	field := strings.Join(parts[2:], "__")
	p := prov[name]
	var err error
	switch field {
	case "CLIENT":
		p.Client = val
	case "LIMITS_RPM":
		p.Limits.RPM, err = atoi(val)
	case "LIMITS_TPM":
		p.Limits.TPM, err = atoi(val)
	case "LIMITS_MAX_TOKENS_PER_REQ":
		p.Limits.MaxTokensPerReq, err = atoi(val)
	case "OPTIONS_JSON":
		if !json.Valid([]byte(val)) {
			return errors.New("options_json is not valid json")
		}
		p.Options = json.RawMessage(val)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	prov[name] = p
	return nil
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
