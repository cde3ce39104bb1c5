package diag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 进程级指标，注册在私有 Registry 上（不污染默认注册表）。
// 名称：
// - docbatch_op_total{comp,stage,result}
// - docbatch_error_total{comp,code}
// - docbatch_op_duration_ms{comp,stage}
// - docbatch_llm_tokens_total{kind}
// - docbatch_batches_total{result}
// - docbatch_inflight_submissions
const namespace = "docbatch"

var (
	registry = prometheus.NewRegistry()
	factory  = promauto.With(registry)

	opTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "op_total",
		Help:      "Operations by component, stage and result.",
	}, []string{"comp", "stage", "result"})

	errorTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "error_total",
		Help:      "Errors by component and classification code.",
	}, []string{"comp", "code"})

	opDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "op_duration_ms",
		Help:      "Stage duration in milliseconds.",
		Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 15000, 60000, 180000},
	}, []string{"comp", "stage"})

	tokensTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_tokens_total",
		Help:      "Tokens reported by the LLM provider.",
	}, []string{"kind"}) // kind: total, input, output

	batchesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_total",
		Help:      "Dispatched batches by outcome.",
	}, []string{"result"}) // result: ok, failed, fatal

	inflight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inflight_submissions",
		Help:      "Submissions currently awaiting the remote call.",
	})
)

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) { opTotal.WithLabelValues(comp, stage, result).Inc() }

// IncError 按分类累加错误计数。
func IncError(comp, code string) { errorTotal.WithLabelValues(comp, code).Inc() }

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// AddTokens 累加上游计量。Counter 不接受负增量，负值按 0 计。
func AddTokens(total, input, output int64) {
	tokensTotal.WithLabelValues("total").Add(nonNeg(total))
	tokensTotal.WithLabelValues("input").Add(nonNeg(input))
	tokensTotal.WithLabelValues("output").Add(nonNeg(output))
}

func nonNeg(n int64) float64 {
	if n < 0 {
		return 0
	}
	return float64(n)
}

// IncBatch 按结果累加批计数。
func IncBatch(result string) { batchesTotal.WithLabelValues(result).Inc() }

// InflightAdd 调整在途提交数（+1 发起，-1 返回）。
func InflightAdd(d float64) { inflight.Add(d) }

// Registry 返回指标注册表（供导出）。
func Registry() *prometheus.Registry { return registry }

// WriteTextfile 以 node-exporter textfile 格式原子写出全部指标。
func WriteTextfile(path string) error { return prometheus.WriteToTextfile(path, registry) }
