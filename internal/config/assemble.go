package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"docbatch/internal/diag"
	"docbatch/internal/dispatch"
	"docbatch/internal/pipeline"
	"docbatch/internal/prompt"
	"docbatch/internal/usage"
	"docbatch/pkg/registry"
)

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	if len(cfg.Inputs) == 0 {
		return errors.New("config: inputs empty")
	}
	// 输入路径不得为空字符串；"-" 不能与其他根混用
	dash := false
	for _, r := range cfg.Inputs {
		if strings.TrimSpace(r) == "" {
			return errors.New("config: input path cannot be empty")
		}
		if strings.TrimSpace(r) == "-" {
			dash = true
		}
	}
	if dash && len(cfg.Inputs) > 1 {
		return errors.New("config: '-' cannot be mixed with other roots")
	}
	if cfg.Concurrency < 1 {
		return errors.New("config: concurrency must be >= 1")
	}
	if cfg.ExtractConcurrency < 0 {
		return errors.New("config: extract_concurrency must be >= 0")
	}
	if cfg.MaxTotalTokens <= 0 || cfg.MaxOutputTokens <= 0 || cfg.OutputTokensPerItem <= 0 {
		return errors.New("config: max_total_tokens, max_output_tokens and output_tokens_per_item must be > 0")
	}
	if cfg.MaxOutputTokens >= cfg.MaxTotalTokens {
		return fmt.Errorf("config: max_output_tokens(%d) must be < max_total_tokens(%d)", cfg.MaxOutputTokens, cfg.MaxTotalTokens)
	}
	if m := margin(cfg); m < 0 || m >= 1 {
		return fmt.Errorf("config: safety_margin %.3f out of [0,1)", m)
	}
	if cfg.RateLimit.MaxPerWindow < 0 || cfg.RateLimit.Window < 0 {
		return errors.New("config: rate_limit values must be >= 0")
	}
	switch cfg.OnBatchError {
	case "", OnBatchErrorPlaceholder, OnBatchErrorFail:
	default:
		return fmt.Errorf("config: on_batch_error %q (want placeholder|fail)", cfg.OnBatchError)
	}
	switch strings.ToLower(cfg.Tokenizer.Kind) {
	case "", "tiktoken", "bytes":
	default:
		return fmt.Errorf("config: tokenizer.kind %q (want tiktoken|bytes)", cfg.Tokenizer.Kind)
	}
	if cfg.Pricing.InputPer1K < 0 || cfg.Pricing.OutputPer1K < 0 {
		return errors.New("config: pricing must be >= 0")
	}
	if src := cfg.Pricing.FX.Source; src != "" && registry.RateSource[src] == nil {
		return fmt.Errorf("config: fx source %q not registered", src)
	}
	if cfg.Output != "" && strings.ContainsAny(cfg.Output, `/\`) {
		return fmt.Errorf("config: output %q must be a base name", cfg.Output)
	}
	if cfg.LLM == "" {
		return errors.New("config: llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("config: provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return fmt.Errorf("config: provider %q missing client", cfg.LLM)
	}
	if prov.Limits.RPM < 0 || prov.Limits.TPM < 0 {
		return fmt.Errorf("config: provider %q limits must be >= 0", cfg.LLM)
	}
	if prov.Limits.MaxTokensPerReq > 0 && cfg.MaxTotalTokens > prov.Limits.MaxTokensPerReq {
		return fmt.Errorf("config: max_total_tokens(%d) exceeds provider.max_tokens_per_req(%d)", cfg.MaxTotalTokens, prov.Limits.MaxTokensPerReq)
	}
	// 组件名若为空，使用默认名（由 Defaults() 提供）。此处只要最终有值即可。
	d := Defaults().Components
	if name := effName(cfg.Components.Reader, d.Reader); registry.Reader[name] == nil {
		return fmt.Errorf("config: reader %q not registered", name)
	}
	if name := effName(cfg.Components.Extractor, d.Extractor); registry.Extractor[name] == nil {
		return fmt.Errorf("config: extractor %q not registered", name)
	}
	if name := effName(cfg.Components.Batcher, d.Batcher); registry.Batcher[name] == nil {
		return fmt.Errorf("config: batcher %q not registered", name)
	}
	if name := effName(cfg.Components.PromptBuilder, d.PromptBuilder); registry.PromptBuilder[name] == nil {
		return fmt.Errorf("config: prompt_builder %q not registered", name)
	}
	if name := effName(cfg.Components.Decoder, d.Decoder); registry.Decoder[name] == nil {
		return fmt.Errorf("config: decoder %q not registered", name)
	}
	if name := effName(cfg.Components.Assembler, d.Assembler); registry.Assembler[name] == nil {
		return fmt.Errorf("config: assembler %q not registered", name)
	}
	if name := effName(cfg.Components.Writer, d.Writer); registry.Writer[name] == nil {
		return fmt.Errorf("config: writer %q not registered", name)
	}
	if registry.LLMClient[prov.Client] == nil {
		return fmt.Errorf("config: llm client %q not registered", prov.Client)
	}
	return nil
}

// Assemble 构造 Components 与 Settings。
// 严格 Options 解析在 registry （工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config, log *diag.Logger) (pipeline.Components, pipeline.Settings, error) {
	if err := Validate(cfg); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}
	fail := func(stage string, err error) (pipeline.Components, pipeline.Settings, error) {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("config: %s: %w", stage, err)
	}

	d := Defaults().Components
	r, err := registry.Reader[effName(cfg.Components.Reader, d.Reader)](cfg.Options.Reader)
	if err != nil {
		return fail("reader", err)
	}
	x, err := registry.Extractor[effName(cfg.Components.Extractor, d.Extractor)](cfg.Options.Extractor)
	if err != nil {
		return fail("extractor", err)
	}
	b, err := registry.Batcher[effName(cfg.Components.Batcher, d.Batcher)](cfg.Options.Batcher)
	if err != nil {
		return fail("batcher", err)
	}
	pb, err := registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.PromptBuilder)](cfg.Options.PromptBuilder)
	if err != nil {
		return fail("prompt_builder", err)
	}
	dec, err := registry.Decoder[effName(cfg.Components.Decoder, d.Decoder)](cfg.Options.Decoder)
	if err != nil {
		return fail("decoder", err)
	}
	asm, err := registry.Assembler[effName(cfg.Components.Assembler, d.Assembler)](cfg.Options.Assembler)
	if err != nil {
		return fail("assembler", err)
	}
	w, err := registry.Writer[effName(cfg.Components.Writer, d.Writer)](cfg.Options.Writer)
	if err != nil {
		return fail("writer", err)
	}

	// LLM 客户端
	prov := cfg.Provider[cfg.LLM]
	llm, err := registry.LLMClient[prov.Client](prov.Options)
	if err != nil {
		return fail("llm", err)
	}

	est, err := prompt.NewEstimator(cfg.Tokenizer.Kind, cfg.Tokenizer.Model, cfg.Tokenizer.BytesPerToken, log)
	if err != nil {
		return fail("tokenizer", err)
	}

	comp := pipeline.Components{
		Reader:        r,
		Extractor:     x,
		Batcher:       b,
		PromptBuilder: pb,
		LLM:           llm,
		Decoder:       dec,
		Assembler:     asm,
		Writer:        w,
	}
	set := pipeline.Settings{
		Inputs: cloneStrings(cfg.Inputs),
		Output: cfg.Output,
		Budget: prompt.Budget{
			MaxTotalTokens:      cfg.MaxTotalTokens,
			MaxOutputTokens:     cfg.MaxOutputTokens,
			SafetyMargin:        margin(cfg),
			OutputTokensPerItem: cfg.OutputTokensPerItem,
		},
		Estimator:          est,
		ExtractConcurrency: cfg.ExtractConcurrency,
		Dispatch:           DispatchOptions(cfg),
		FailOnBatchError:   cfg.OnBatchError == OnBatchErrorFail,
		TokensPerSecond:    cfg.Tokenizer.TokensPerSecond,
	}
	return comp, set, nil
}

// DispatchOptions: provider 的 rpm 映射为 1 分钟窗口，rate_limit 非零时覆盖；tpm 映射为 token 速率，
// max_tokens_per_req 映射为单批上限。
func DispatchOptions(cfg Config) dispatch.Options {
	prov := cfg.Provider[cfg.LLM]
	o := dispatch.Options{
		MaxConcurrent:   cfg.Concurrency,
		MaxPerWindow:    prov.Limits.RPM,
		Window:          time.Minute,
		TokensPerMinute: prov.Limits.TPM,
		MaxTokensPerReq: prov.Limits.MaxTokensPerReq,
	}
	if cfg.RateLimit.MaxPerWindow > 0 {
		o.MaxPerWindow = cfg.RateLimit.MaxPerWindow
		if cfg.RateLimit.Window > 0 {
			o.Window = cfg.RateLimit.Window.D()
		}
	}
	if o.MaxPerWindow == 0 {
		o.Window = 0
	}
	return o
}

// PricingOf 转为 usage.Pricing。
func PricingOf(cfg Config) usage.Pricing {
	return usage.Pricing{
		InputPer1K:  cfg.Pricing.InputPer1K,
		OutputPer1K: cfg.Pricing.OutputPer1K,
		Currency:    strings.ToUpper(strings.TrimSpace(cfg.Pricing.Currency)),
	}
}

// RateSource 构造汇率来源（单次运行内缓存）；无需换算时返回 nil。
func RateSource(cfg Config) (usage.RateSource, error) {
	p := PricingOf(cfg)
	if p.Currency == "" || p.Currency == "USD" || cfg.Pricing.FX.Source == "" {
		return nil, nil
	}
	newSrc := registry.RateSource[cfg.Pricing.FX.Source]
	if newSrc == nil {
		return nil, fmt.Errorf("config: fx source %q not registered", cfg.Pricing.FX.Source)
	}
	src, err := newSrc(cfg.Pricing.FX.Options)
	if err != nil {
		return nil, fmt.Errorf("config: fx: %w", err)
	}
	return usage.NewCachedRate(src), nil
}

func margin(cfg Config) float64 {
	if cfg.SafetyMargin == nil {
		return 0
	}
	return *cfg.SafetyMargin
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
