package diag

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	scenarioStarted   *prometheus.CounterVec
	scenarioStopped   *prometheus.CounterVec
	transactionPosted *prometheus.CounterVec
	completionReaped  *prometheus.CounterVec
	completionFailed  *prometheus.CounterVec
	checkRecorded     *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		scenarioStarted:   counter("gni_diag_scenario_started_total", "Number of diagnostic runs started", scenarioLabelKeys),
		scenarioStopped:   counter("gni_diag_scenario_stopped_total", "Number of diagnostic runs finished, by outcome", stoppedLabelKeys),
		transactionPosted: counter("gni_diag_transactions_posted_total", "Number of transactions posted", postedLabelKeys),
		completionReaped:  counter("gni_diag_completions_reaped_total", "Number of completion events reaped", reapedLabelKeys),
		completionFailed:  counter("gni_diag_completions_failed_total", "Number of failed, overrun or faulted completion events", failedLabelKeys),
		checkRecorded:     counter("gni_diag_checks_total", "Number of verification checks, by status", checkLabelKeys),
	}

	var err error
	if p.scenarioStarted, err = registerCounterVec(reg, p.scenarioStarted); err != nil {
		return nil, err
	}
	if p.scenarioStopped, err = registerCounterVec(reg, p.scenarioStopped); err != nil {
		return nil, err
	}
	if p.transactionPosted, err = registerCounterVec(reg, p.transactionPosted); err != nil {
		return nil, err
	}
	if p.completionReaped, err = registerCounterVec(reg, p.completionReaped); err != nil {
		return nil, err
	}
	if p.completionFailed, err = registerCounterVec(reg, p.completionFailed); err != nil {
		return nil, err
	}
	if p.checkRecorded, err = registerCounterVec(reg, p.checkRecorded); err != nil {
		return nil, err
	}
	return p, nil
}

var (
	scenarioLabelKeys = []string{labelScenario, labelGeneration}
	stoppedLabelKeys  = []string{labelScenario, labelGeneration, labelStatus}
	postedLabelKeys   = []string{labelScenario, labelGeneration, labelRank, labelOperation}
	reapedLabelKeys   = []string{labelScenario, labelGeneration, labelRank, labelQueue, labelStatus}
	failedLabelKeys   = []string{labelScenario, labelGeneration, labelRank, labelQueue, labelKind}
	checkLabelKeys    = []string{labelScenario, labelGeneration, labelRank, labelKind, labelStatus}
)

func (p *PrometheusMetrics) ScenarioStarted(attrs map[string]string) {
	p.scenarioStarted.With(labels(attrs, scenarioLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ScenarioStopped(attrs map[string]string) {
	p.scenarioStopped.With(labels(attrs, stoppedLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) TransactionPosted(attrs map[string]string) {
	p.transactionPosted.With(labels(attrs, postedLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) CompletionReaped(attrs map[string]string) {
	p.completionReaped.With(labels(attrs, reapedLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) CompletionFailed(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, failedLabelKeys...)
	labs[labelKind] = kind
	p.completionFailed.With(labs).Inc()
}

func (p *PrometheusMetrics) CheckRecorded(attrs map[string]string) {
	p.checkRecorded.With(labels(attrs, checkLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
