package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	cfgpkg "docbatch/internal/config"
	"docbatch/internal/diag"
	"docbatch/internal/pipeline"
	"docbatch/internal/usage"
	"docbatch/pkg/contract"
)

var pipelineRun = pipeline.Run

// 默认配置文件查找顺序（工作目录）。
var defaultConfigNames = []string{"config.json", "config.yaml", "config.yml", "config.toml"}

// 简化的 CLI：默认子命令 run。
// 位置参数为 roots（文件/目录 或 "-" 表示 STDIN，不能与其他根混用）。
// 退出码：0 成功；1 运行期失败；3 配置/装配失败。
func main() {
	os.Exit(run())
}

func run() int {
	start := time.Now()
	corrID := uuid.NewString()
	// 在任何 ENV 读取前加载 .env（不覆盖已有 ENV）。
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fprintf(os.Stderr, "提示：.env 读取失败（已跳过）：%v\n", err)
	}
	// 先占位，合并配置后按最终 logging 重建
	logger := diag.New(corrID, diag.Options{Level: "info", Console: os.Stderr})
	var (
		flagConfig       string
		flagLLM          string
		flagOutput       string
		flagOnBatchError string
		flagLogLevel     string
		flagConcurrency  int
		flagInitDir      string
		flagStatus       bool
	)
	flag.StringVar(&flagConfig, "config", "", "配置文件路径（JSON/YAML/TOML）；缺省读取 ./config.{json,yaml,yml,toml}（若存在）")
	flag.StringVar(&flagLLM, "llm", "", "provider 名称（覆盖配置）")
	flag.StringVar(&flagOutput, "output", "", "工件基名（覆盖配置）")
	flag.StringVar(&flagOnBatchError, "on-batch-error", "", "批次失败策略 placeholder|fail（覆盖配置）")
	flag.StringVar(&flagLogLevel, "log-level", "", "日志级别（覆盖配置）")
	flag.IntVar(&flagConcurrency, "concurrency", 0, "并发度（覆盖配置）")
	flag.StringVar(&flagInitDir, "init-config", "", "在指定目录生成默认 config.json 与 .env 模板（已存在则失败，不覆盖）；不带值时默认当前目录")
	flag.BoolVar(&flagStatus, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	normalizeInitArg()
	flag.Parse()

	roots := flag.Args()

	if initDir := strings.TrimSpace(flagInitDir); initDir != "" {
		if err := initConfig(initDir); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.Error("cli", string(diag.Classify(err)), "init-config failed", &start)
			return 3
		}
		return 0
	}

	// 配置来源：--config > DOCBATCH_CONFIG_FILE > DOCBATCH_CONFIG_JSON > 工作目录默认文件
	var cfgJSON []byte
	if s := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON"); s != "" {
		cfgJSON = []byte(s)
	}
	if flagConfig == "" {
		flagConfig = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if flagConfig == "" && len(cfgJSON) == 0 {
		flagConfig = findDefaultConfig()
	}

	cfg := cfgpkg.Defaults()
	if flagConfig != "" || len(cfgJSON) > 0 {
		var base cfgpkg.Config
		var err error
		if flagConfig != "" {
			base, err = cfgpkg.Load(flagConfig)
		} else {
			base, err = cfgpkg.LoadJSON("", cfgJSON)
		}
		if err != nil {
			fprintf(os.Stderr, "配置解析失败: %v\n", err)
			logger.Error("config", string(diag.Classify(err)), "load failed", &start)
			return 3
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		fprintf(os.Stderr, "环境变量解析失败: %v\n", err)
		logger.Error("config", string(diag.Classify(err)), "env overlay failed", &start)
		return 3
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	// CLI 覆盖
	var overCLI cfgpkg.Config
	overCLI.LLM = flagLLM
	overCLI.Output = flagOutput
	overCLI.OnBatchError = flagOnBatchError
	overCLI.Logging.Level = flagLogLevel
	if flagConcurrency > 0 {
		overCLI.Concurrency = flagConcurrency
	}
	if len(roots) > 0 {
		overCLI.Inputs = roots
	}
	cfg = cfgpkg.Merge(cfg, overCLI)

	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(os.Stderr, "配置校验失败: %v\n", err)
		_ = dumpConfig(cfg)
		logger.Error("config", string(diag.Classify(err)), "validate failed", &start)
		return 3
	}

	_ = logger.Close()
	logger = newLogger(corrID, cfg.Logging)
	defer func() { _ = logger.Close() }()

	if err := preflightCheckOutputDir(cfg); err != nil {
		fprintf(os.Stderr, "输出目录不可写或无法创建: %v\n", err)
		logger.Error("config", string(diag.Classify(err)), "preflight failed", &start)
		return 3
	}

	comp, set, err := cfgpkg.Assemble(cfg, logger)
	if err != nil {
		fprintf(os.Stderr, "装配失败: %v\n", err)
		logger.Error("config", string(diag.Classify(err)), "assemble failed", &start)
		return 3
	}
	fx, err := cfgpkg.RateSource(cfg)
	if err != nil {
		fprintf(os.Stderr, "汇率来源装配失败: %v\n", err)
		logger.Error("config", string(diag.Classify(err)), "fx assemble failed", &start)
		return 3
	}

	term := diag.NewTerminal(os.Stderr, flagStatus)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	term.RunStart(cfg.Concurrency, cfg.LLM)

	logger.DebugStart("config", "effective", "", "", effectiveKV(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	acc := usage.New()
	t := logger.Start("pipeline", "run")
	rep, runErr := pipelineRun(ctx, comp, set, acc, logger)

	// 用量与费用：失败时同样报告已消耗的 token
	cost, fxErr := usage.Report(ctx, acc, cfgpkg.PricingOf(cfg), fx)
	if fxErr != nil {
		logger.Warn("usage", string(diag.Classify(fxErr)), "exchange rate unavailable, reporting USD only", "", "",
			map[string]string{"currency": cost.Currency, "error": fxErr.Error()})
	}
	u := cost.Usage
	term.Usage(u.TotalTokens, u.InputTokens, u.OutputTokens, cost.String())
	logger.Info("usage", "summary", map[string]string{
		"calls":         fmt.Sprintf("%d", acc.Calls()),
		"total_tokens":  fmt.Sprintf("%d", u.TotalTokens),
		"input_tokens":  fmt.Sprintf("%d", u.InputTokens),
		"output_tokens": fmt.Sprintf("%d", u.OutputTokens),
		"cost_usd":      fmt.Sprintf("%.3f", cost.USD),
		"cost":          cost.String(),
	})
	if runErr != nil {
		code := string(diag.Classify(runErr))
		logger.Error("pipeline", code, "first error", &start)
		diag.IncOp("pipeline", "finish", "error")
		if code != string(diag.CodeUnknown) {
			diag.IncError("pipeline", code)
		}
		if !errors.Is(runErr, context.Canceled) {
			fprintf(os.Stderr, "运行失败: %v\n", runErr)
		}
		writeMetrics(cfg, logger)
		term.RunFinish(false, time.Since(start))
		return 1
	}
	t.Finish("run", int64(rep.Items))
	logger.Info("pipeline", "report", map[string]string{
		"documents":      fmt.Sprintf("%d", rep.Documents),
		"skipped":        fmt.Sprintf("%d", rep.Skipped),
		"items":          fmt.Sprintf("%d", rep.Items),
		"batches":        fmt.Sprintf("%d", rep.Batches),
		"failed_batches": fmt.Sprintf("%d", rep.FailedBatches),
		"placeholders":   fmt.Sprintf("%d", rep.Placeholders),
		"mismatches":     fmt.Sprintf("%d", rep.Mismatches),
		"artifacts":      joinArtifacts(rep.Artifacts),
	})
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	writeMetrics(cfg, logger)
	term.RunFinish(true, time.Since(start))
	return 0
}

func joinArtifacts(ids []contract.ArtifactID) string {
	ss := make([]string, len(ids))
	for i, id := range ids {
		ss[i] = string(id)
	}
	return strings.Join(ss, ",")
}

func newLogger(corrID string, lc cfgpkg.Logging) *diag.Logger {
	o := diag.Options{Level: strings.TrimSpace(lc.Level), Dir: strings.TrimSpace(lc.Dir)}
	if f := strings.TrimSpace(lc.Format); f != "" {
		o.Console = os.Stderr
		o.Format = f
	}
	return diag.New(corrID, o)
}

// effectiveKV 输出运行时配置摘要（不含密钥）。
func effectiveKV(cfg cfgpkg.Config) map[string]string {
	kv := map[string]string{
		"inputs_count":      fmt.Sprintf("%d", len(cfg.Inputs)),
		"output":            cfg.Output,
		"concurrency":       fmt.Sprintf("%d", cfg.Concurrency),
		"max_total_tokens":  fmt.Sprintf("%d", cfg.MaxTotalTokens),
		"max_output_tokens": fmt.Sprintf("%d", cfg.MaxOutputTokens),
		"on_batch_error":    cfg.OnBatchError,
		"tokenizer":         cfg.Tokenizer.Kind,
		"llm":               cfg.LLM,
		"reader":            cfg.Components.Reader,
		"extractor":         cfg.Components.Extractor,
		"batcher":           cfg.Components.Batcher,
		"prompt_builder":    cfg.Components.PromptBuilder,
		"decoder":           cfg.Components.Decoder,
		"assembler":         cfg.Components.Assembler,
		"writer":            cfg.Components.Writer,
	}
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var s struct {
			BaseURL  string `json:"base_url"`
			Model    string `json:"model"`
			Endpoint string `json:"endpoint_path"`
		}
		_ = json.Unmarshal(p.Options, &s)
		if s.BaseURL != "" {
			kv["base_url"] = s.BaseURL
		}
		if s.Model != "" {
			kv["model"] = s.Model
		}
		if s.Endpoint != "" {
			kv["endpoint_path"] = s.Endpoint
		}
	}
	return kv
}

func writeMetrics(cfg cfgpkg.Config, logger *diag.Logger) {
	path := strings.TrimSpace(cfg.Metrics.Textfile)
	if path == "" {
		return
	}
	if err := diag.WriteTextfile(path); err != nil {
		logger.Warn("metrics", string(diag.Classify(err)), "write textfile failed", "", "", map[string]string{"path": path, "error": err.Error()})
	}
}

func findDefaultConfig() string {
	for _, name := range defaultConfigNames {
		if st, err := os.Stat(name); err == nil && !st.IsDir() {
			return name
		}
	}
	return ""
}

func fprintf(w *os.File, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = os.Stderr.Write(append([]byte("有效配置:\n"), b...))
	_, _ = os.Stderr.Write([]byte("\n"))
	return nil
}

func initConfig(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeConfig(filepath.Join(dir, "config.json"), cfgpkg.DefaultTemplateConfig()); err != nil {
		return err
	}
	if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
		fprintf(os.Stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
	}
	return nil
}

func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(append(b, '\n'))
		return err
	}
	// 不覆盖已存在文件
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// normalizeInitArg: 允许 --init-config 不带值（默认当前目录 "."）。
//
//	--init-config                => 等价于 --init-config .
//	--init-config=out
//	--init-config out
func normalizeInitArg() {
	args := os.Args
	if len(args) <= 1 {
		return
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0])
	for i := 1; i < len(args); i++ {
		a := args[i]
		out = append(out, a)
		if a == "--init-config" || a == "-init-config" {
			if i == len(args)-1 || strings.HasPrefix(args[i+1], "-") {
				out = append(out, ".")
			}
		}
	}
	os.Args = out
}

// envTemplate: 生成的 .env 键（空值表示未设置）。
var envTemplate = []struct {
	comment string
	keys    []string
}{
	{"配置来源（可二选一）", []string{"CONFIG_FILE", "CONFIG_JSON"}},
	{"运行参数覆盖", []string{
		"INPUTS", "OUTPUT", "CONCURRENCY", "EXTRACT_CONCURRENCY",
		"MAX_TOTAL_TOKENS", "MAX_OUTPUT_TOKENS", "SAFETY_MARGIN", "OUTPUT_TOKENS_PER_ITEM",
		"ON_BATCH_ERROR", "RATE_LIMIT_MAX_PER_WINDOW", "RATE_LIMIT_WINDOW",
		"TOKENIZER_KIND", "TOKENIZER_MODEL", "PRICING_CURRENCY",
		"LOG_LEVEL", "LOG_DIR", "LOG_FORMAT", "METRICS_TEXTFILE", "LLM",
	}},
	{"组件选择", []string{
		"COMPONENTS_READER", "COMPONENTS_EXTRACTOR", "COMPONENTS_BATCHER", "COMPONENTS_WRITER",
		"COMPONENTS_PROMPT_BUILDER", "COMPONENTS_DECODER", "COMPONENTS_ASSEMBLER",
	}},
	{"Provider 覆盖（openai）", providerKeys("openai")},
	{"Provider 覆盖（gemini）", providerKeys("gemini")},
}

func providerKeys(name string) []string {
	p := "PROVIDER__" + name + "__"
	return []string{p + "CLIENT", p + "LIMITS_RPM", p + "LIMITS_TPM", p + "LIMITS_MAX_TOKENS_PER_REQ", p + "OPTIONS_JSON"}
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	var b strings.Builder
	b.WriteString("# docbatch .env 模板（由 --init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件\n\n")
	for _, sec := range envTemplate {
		b.WriteString("# " + sec.comment + "\n")
		for _, k := range sec.keys {
			b.WriteString(cfgpkg.EnvPrefix + k + "=\n")
		}
		b.WriteString("\n")
	}
	// 供应商 API Key 由客户端直接读取，不带前缀
	b.WriteString("# 常见供应商 API Key\n")
	b.WriteString("OPENAI_API_KEY=\n")
	b.WriteString("GOOGLE_API_KEY=\n")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(b.String())
	return err
}

// preflightCheckOutputDir: 使用 fs writer 时，启动前检查输出目录可写性。
// 目录存在则试写临时文件；不存在则检查父目录可写。
func preflightCheckOutputDir(cfg cfgpkg.Config) error {
	writerName := strings.TrimSpace(cfg.Components.Writer)
	if writerName == "" {
		writerName = cfgpkg.Defaults().Components.Writer
	}
	if writerName != "fs" {
		return nil
	}
	var wopts struct {
		OutputDir string `json:"output_dir"`
	}
	if len(cfg.Options.Writer) > 0 {
		_ = json.Unmarshal(cfg.Options.Writer, &wopts)
	}
	dir := strings.TrimSpace(wopts.OutputDir)
	if dir == "" {
		return nil
	}
	st, err := os.Stat(dir)
	switch {
	case err == nil && st.IsDir():
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
		return nil
	case err == nil:
		return fmt.Errorf("路径存在但不是目录: %s", dir)
	case !os.IsNotExist(err):
		return err
	}
	parent := filepath.Dir(dir)
	if parent == "" || parent == dir {
		return fmt.Errorf("无法确定父目录: %s", dir)
	}
	pst, err := os.Stat(parent)
	if err != nil {
		return err
	}
	if !pst.IsDir() {
		return fmt.Errorf("父路径不是目录: %s", parent)
	}
	tmpd, err := os.MkdirTemp(parent, ".wcheck-*")
	if err != nil {
		return err
	}
	_ = os.RemoveAll(tmpd)
	return nil
}
