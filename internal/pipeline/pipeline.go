package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"docbatch/internal/align"
	"docbatch/internal/diag"
	"docbatch/internal/dispatch"
	"docbatch/internal/prompt"
	"docbatch/internal/usage"
	"docbatch/pkg/contract"
)

// - 单点并发：提取阶段与调度阶段各自有界；原子组件均为同步、无内部并发。
// - 顺序恢复：结果按 Batch.Index 回收，行按文档序输出。
// - 致命中止：限流/请求超限丢弃全部部分结果，不写出任何工件。
// - 预算：进入打包前以 PromptBuilder 固定开销与安全边际计算有效上限。

// Components 聚合运行所需的原子组件。
type Components struct {
	Reader        contract.Reader
	Extractor     contract.TextExtractor
	Batcher       contract.Batcher
	PromptBuilder contract.PromptBuilder
	LLM           contract.LLMClient
	Decoder       contract.Decoder
	Assembler     contract.Assembler
	Writer        contract.Writer
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	Inputs []string
	// Output: 工件基名（<Output>.csv / <Output>.jsonl）。
	Output    string
	Budget    prompt.Budget
	Estimator contract.TokenEstimator
	// ExtractConcurrency: 提取阶段并发上限；<=0 取 1。
	ExtractConcurrency int
	Dispatch           dispatch.Options
	// FailOnBatchError: 任一批非致命失败即整次运行失败（否则整批补占位）。
	FailOnBatchError bool
	// Fields: 输出字段；为空时取 PromptBuilder 声明的 schema。
	Fields []string
	// TokensPerSecond: 仅用于进度预估。
	TokensPerSecond int
}

// Report: 单次运行摘要。
type Report struct {
	Documents     int
	Skipped       int
	Items         int
	Batches       int
	FailedBatches int
	Placeholders  int
	Mismatches    int
	Usage         contract.Usage
	Artifacts     []contract.ArtifactID
}

// ErrBatchFailed: on_batch_error=fail 时的运行失败原因。
var ErrBatchFailed = errors.New("batch failed")

// Run 执行完整流水线：Reader → Extractor → Batcher → Dispatcher(Prompt → LLM → Decoder → Align) → Assembler → Writer。
// acc 为本次运行的计量汇总（不可为 nil）。
func Run(ctx context.Context, comp Components, set Settings, acc *usage.Accumulator, logger *diag.Logger) (Report, error) {
	var rep Report
	if err := sanity(comp, set, acc); err != nil {
		return rep, fmt.Errorf("sanity: %w", err)
	}
	if logger == nil {
		logger = diag.NewNop()
	}
	est := set.Estimator
	if est == nil {
		est = prompt.MakeEstimator(0)
	}
	fields := set.Fields
	if len(fields) == 0 {
		if fs, ok := comp.PromptBuilder.(contract.FieldSchema); ok {
			fields = fs.Fields()
		}
	}

	// 预算先于提取校验，避免无效配置下做完 OCR
	overhead := comp.PromptBuilder.EstimateOverheadTokens(est)
	lim, err := prompt.EffectiveLimits(set.Budget, overhead)
	if err != nil {
		logger.ErrorWith("budget", string(diag.Classify(err)), err.Error(), nil, "", "")
		return rep, err
	}
	logger.Info("budget", "limits", map[string]string{
		"overhead":       strconv.Itoa(overhead),
		"max_input":      strconv.Itoa(lim.MaxInputTokens),
		"max_output":     strconv.Itoa(lim.MaxOutputTokens),
		"output_per_doc": strconv.Itoa(lim.OutputTokensPerItem),
	})

	items, docs, err := extractAll(ctx, comp, set, est, logger)
	if err != nil {
		return rep, err
	}
	rep.Documents = docs
	rep.Items = len(items)
	rep.Skipped = docs - len(items)

	btimer := logger.Start("batcher", "make")
	batches, err := comp.Batcher.Make(ctx, items, lim)
	if err != nil {
		code := diag.Classify(err)
		logger.ErrorWith("batcher", string(code), "make failed", btimer.StartedAt(), "", "")
		diag.IncOp("batcher", "make", "error")
		diag.IncError("batcher", string(code))
		return rep, fmt.Errorf("batcher make: %w", err)
	}
	btimer.Finish("make", int64(len(batches)))
	diag.IncOp("batcher", "make", "success")
	rep.Batches = len(batches)
	term := diag.GetTerminal()
	term.BatchesPlanned(len(items), len(batches), eta(batches, overhead, set))

	results, failed, err := dispatchAll(ctx, comp, set, acc, logger, batches, fields, &rep)
	if err != nil {
		return rep, err
	}

	rows := make([]contract.Row, 0, len(items))
	for i, b := range batches {
		res := results[i]
		if res.Err != nil {
			rep.FailedBatches++
			bid := strconv.FormatInt(b.Index, 10)
			if set.FailOnBatchError {
				return rep, fmt.Errorf("batch %d: %w: %w", b.Index, ErrBatchFailed, res.Err)
			}
			logger.Warn("pipeline", string(diag.Classify(res.Err)), "batch failed, filling placeholders", "", bid,
				map[string]string{"items": strconv.Itoa(b.Len())})
			res.Records = align.Placeholders(b, fields)
		}
		for j, it := range b.Items {
			ph := res.Err != nil || failed[b.Index][j+1]
			if ph {
				rep.Placeholders++
			}
			rows = append(rows, contract.Row{Item: it, Record: res.Records[j], Placeholder: ph})
		}
	}

	arts, err := writeAll(ctx, comp, set, rows, logger)
	rep.Artifacts = arts
	rep.Usage = acc.Snapshot()
	if err != nil {
		return rep, err
	}
	return rep, nil
}

type document struct {
	id   contract.DocID
	text string
	ok   bool
}

// extractAll 读取全部文档并以有界并发提取文本；失败的文档告警后跳过，文档序保持不变。
func extractAll(ctx context.Context, comp Components, set Settings, est contract.TokenEstimator, logger *diag.Logger) ([]contract.Item, int, error) {
	start := time.Now()
	rtimer := logger.Start("reader", "iterate")
	g, gctx := errgroup.WithContext(ctx)
	limit := set.ExtractConcurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	var docs []*document
	err := comp.Reader.Iterate(gctx, set.Inputs, func(id contract.DocID, rc io.ReadCloser) error {
		data, rerr := io.ReadAll(rc)
		_ = rc.Close()
		d := &document{id: id}
		docs = append(docs, d)
		if rerr != nil {
			logger.Warn("reader", string(diag.Classify(rerr)), "read failed, skipping: "+rerr.Error(), string(id), "", nil)
			diag.IncOp("reader", "read", "error")
			return nil
		}
		g.Go(func() error {
			t := logger.StartWith("extractor", "extract", string(id), "")
			text, xerr := comp.Extractor.Extract(gctx, id, bytes.NewReader(data))
			if xerr != nil {
				if gctx.Err() != nil {
					return context.Cause(gctx)
				}
				code := diag.Classify(xerr)
				logger.Warn("extractor", string(code), "extract failed, skipping: "+xerr.Error(), string(id), "", nil)
				diag.IncOp("extractor", "extract", "error")
				diag.IncError("extractor", string(code))
				return nil
			}
			d.text, d.ok = text, true
			t.Finish("extract", int64(len(text)))
			diag.IncOp("extractor", "extract", "success")
			return nil
		})
		return nil
	})
	werr := g.Wait()
	if err == nil {
		err = werr
	}
	if err != nil {
		code := diag.Classify(err)
		logger.ErrorWith("reader", string(code), "iterate failed", rtimer.StartedAt(), "", "")
		diag.IncOp("reader", "iterate", "error")
		diag.IncError("reader", string(code))
		return nil, 0, fmt.Errorf("reader iterate: %w", err)
	}
	rtimer.Finish("iterate", int64(len(docs)))
	diag.IncOp("reader", "iterate", "success")

	items := make([]contract.Item, 0, len(docs))
	for _, d := range docs {
		if !d.ok {
			continue
		}
		items = append(items, contract.Item{
			Seq:    len(items),
			DocID:  d.id,
			Label:  filepath.Base(filepath.FromSlash(string(d.id))),
			Text:   d.text,
			Tokens: est(d.text),
		})
	}
	diag.GetTerminal().Extracted(len(docs), len(docs)-len(items), time.Since(start))
	return items, len(docs), nil
}

// dispatchAll 并发提交全部批次并按 Batch.Index 回收结果。
// failed[index][pos] 标记被占位补齐的批内位置。
func dispatchAll(ctx context.Context, comp Components, set Settings, acc *usage.Accumulator, logger *diag.Logger,
	batches []contract.Batch, fields []string, rep *Report) ([]contract.BatchResult, map[int64]map[int]bool, error) {
	var (
		mu       sync.Mutex
		missing  = make(map[int64]map[int]bool)
		mismatch atomic.Int64
	)
	submit := func(ctx context.Context, b contract.Batch) ([]contract.Record, contract.Usage, error) {
		bid := strconv.FormatInt(b.Index, 10)
		p, err := comp.PromptBuilder.Build(ctx, b)
		if err != nil {
			return nil, contract.Usage{}, fmt.Errorf("prompt build: %w", err)
		}
		raw, err := comp.LLM.Invoke(ctx, b, p)
		if err != nil {
			var ue contract.UpstreamError
			if errors.As(err, &ue) {
				logger.Warn("llm_client", string(diag.Classify(err)), "upstream error", "", bid, map[string]string{
					"http_status":  strconv.Itoa(ue.UpstreamStatus()),
					"upstream_msg": clip(ue.UpstreamMessage(), 200),
				})
			}
			if raw.Usage.TotalTokens > 0 {
				logger.Warn("llm_client", string(diag.Classify(err)), "tokens spent on failed call", "", bid,
					map[string]string{"tokens": strconv.FormatInt(raw.Usage.TotalTokens, 10)})
			}
			return nil, contract.Usage{}, err
		}
		recs, err := comp.Decoder.Decode(ctx, b, raw)
		if err != nil {
			// 调用已计费但结果不可用：仅记录，不计入累加器
			logger.Warn("decoder", string(diag.Classify(err)), "tokens spent on undecodable response", "", bid,
				map[string]string{"tokens": strconv.FormatInt(raw.Usage.TotalTokens, 10)})
			return nil, contract.Usage{}, fmt.Errorf("decode: %w", err)
		}
		aligned, ar := align.Align(b, recs, fields)
		if ar.Mismatch() {
			mismatch.Add(1)
			logger.Warn("align", "mismatch", "response does not match batch", "", bid, map[string]string{
				"expected":   strconv.Itoa(ar.Expected),
				"received":   strconv.Itoa(ar.Received),
				"missing":    strconv.Itoa(len(ar.Missing)),
				"duplicates": strconv.Itoa(len(ar.Duplicates)),
				"unknown":    strconv.Itoa(ar.Unknown),
			})
		}
		if len(ar.Missing) > 0 {
			m := make(map[int]bool, len(ar.Missing))
			for _, pos := range ar.Missing {
				m[pos] = true
			}
			mu.Lock()
			missing[b.Index] = m
			mu.Unlock()
		}
		return aligned, raw.Usage, nil
	}

	start := time.Now()
	term := diag.GetTerminal()
	run := dispatch.New(set.Dispatch, logger, acc).Dispatch(ctx, batches, submit)
	results := make([]contract.BatchResult, len(batches))
	done, errs, holes := 0, 0, 0
	var bad error
	for res := range run.Results() {
		if res.Batch.Index < 0 || res.Batch.Index >= int64(len(results)) {
			bad = fmt.Errorf("pipeline: %w: batch index %d out of range", contract.ErrInvariantViolation, res.Batch.Index)
			continue
		}
		results[res.Batch.Index] = res
		done++
		if res.Err != nil {
			errs++
			holes += res.Batch.Len()
		} else {
			mu.Lock()
			holes += len(missing[res.Batch.Index])
			mu.Unlock()
		}
		term.BatchProgress(done, holes, errs)
	}
	err := run.Wait()
	rep.Mismatches = int(mismatch.Load())
	term.BatchesFinish(err == nil, time.Since(start))
	if err != nil {
		// 致命：丢弃全部部分结果
		logger.ErrorWith("pipeline", string(diag.Classify(err)), "run aborted, discarding results", nil, "", "")
		return nil, nil, err
	}
	if bad != nil {
		return nil, nil, bad
	}
	if done != len(batches) {
		return nil, nil, fmt.Errorf("pipeline: %w: %d results for %d batches", contract.ErrInvariantViolation, done, len(batches))
	}
	return results, missing, nil
}

// writeAll 装配并写出 CSV 与 JSONL 旁路；续写模式下已有表格省略表头。
func writeAll(ctx context.Context, comp Components, set Settings, rows []contract.Row, logger *diag.Logger) ([]contract.ArtifactID, error) {
	base := set.Output
	if base == "" {
		base = "records"
	}
	csvID := contract.ArtifactID(base + ".csv")
	asm := comp.Assembler
	if pr, ok := comp.Writer.(contract.ArtifactChecker); ok && pr.Appending() {
		exists, err := pr.Exists(csvID)
		if err != nil {
			return nil, fmt.Errorf("writer check: %w", err)
		}
		if c, ok := asm.(contract.Continuable); ok && exists {
			asm = c.Continue()
		}
	}
	var arts []contract.ArtifactID
	if err := writeOne(ctx, comp.Writer, csvID, rows, asm.Assemble, logger); err != nil {
		return arts, err
	}
	arts = append(arts, csvID)
	if sa, ok := comp.Assembler.(contract.SidecarAssembler); ok {
		id := contract.ArtifactID(base + ".jsonl")
		if err := writeOne(ctx, comp.Writer, id, rows, sa.AssembleSidecar, logger); err != nil {
			return arts, err
		}
		arts = append(arts, id)
	}
	return arts, nil
}

func writeOne(ctx context.Context, w contract.Writer, id contract.ArtifactID, rows []contract.Row,
	assemble func(context.Context, []contract.Row) (io.Reader, error), logger *diag.Logger) error {
	atimer := logger.StartWith("assembler", "assemble", string(id), "")
	r, err := assemble(ctx, rows)
	if err != nil {
		code := diag.Classify(err)
		logger.ErrorWith("assembler", string(code), "assemble failed", atimer.StartedAt(), string(id), "")
		diag.IncOp("assembler", "assemble", "error")
		diag.IncError("assembler", string(code))
		return fmt.Errorf("assembler assemble: %w", err)
	}
	atimer.Finish("assemble", int64(len(rows)))
	diag.IncOp("assembler", "assemble", "success")

	wtimer := logger.StartWith("writer", "write", string(id), "")
	if err := w.Write(ctx, id, r); err != nil {
		code := diag.Classify(err)
		logger.ErrorWith("writer", string(code), "write failed", wtimer.StartedAt(), string(id), "")
		diag.IncOp("writer", "write", "error")
		diag.IncError("writer", string(code))
		return fmt.Errorf("writer write %s: %w", id, err)
	}
	wtimer.Finish("write", 1)
	diag.IncOp("writer", "write", "success")
	return nil
}

func sanity(c Components, s Settings, acc *usage.Accumulator) error {
	if c.Reader == nil || c.Extractor == nil || c.Batcher == nil || c.PromptBuilder == nil || c.LLM == nil ||
		c.Decoder == nil || c.Assembler == nil || c.Writer == nil {
		return errors.New("pipeline: missing components")
	}
	if acc == nil {
		return errors.New("pipeline: missing usage accumulator")
	}
	if len(s.Inputs) == 0 {
		return errors.New("pipeline: empty inputs")
	}
	return nil
}

// eta: 单批耗时估计之和按并发度摊分（仅展示）。
func eta(batches []contract.Batch, overhead int, set Settings) float64 {
	if set.TokensPerSecond <= 0 {
		return 0
	}
	var sum float64
	for _, b := range batches {
		sum += prompt.EstimateSeconds(b, overhead, set.TokensPerSecond)
	}
	c := set.Dispatch.MaxConcurrent
	if c < 1 {
		c = 1
	}
	return sum / float64(c)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
