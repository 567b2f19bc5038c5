package statistics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder collects engine statistics. A nil *Recorder is valid and records nothing.
type Recorder struct {
	rewrites *RewriteRecordList
	passes   *PassThroughRecordList
	metrics  *Metrics
}

type RecorderConfig struct {
	RewriteDumpFile string
	PassDumpFile    string
	Registerer      prometheus.Registerer
}

func NewRecorder(cfg RecorderConfig) *Recorder {
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Recorder{
		rewrites: NewRewriteRecordList(cfg.RewriteDumpFile),
		passes:   NewPassThroughRecordList(cfg.PassDumpFile),
		metrics:  NewMetrics(reg),
	}
}

func (r *Recorder) Run() {
	if r == nil {
		return
	}
	r.rewrites.Run()
	r.passes.Run()
}

// AddRewriteRecord queues a mutation record without blocking the caller.
func (r *Recorder) AddRewriteRecord(record *RewriteRecord) {
	if r == nil {
		return
	}
	r.metrics.mutations.WithLabelValues(string(record.Op)).Inc()
	select {
	case r.rewrites.recordAddChan <- record:
	default:
	}
}

func (r *Recorder) AddPassThroughRecord(record *PassThroughRecord) {
	if r == nil {
		return
	}
	select {
	case r.passes.recordAddChan <- record:
	default:
	}
}

func (r *Recorder) ObserveRequest(result string) {
	if r == nil {
		return
	}
	r.metrics.requests.WithLabelValues(result).Inc()
}

func (r *Recorder) ObserveCacheLookup(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.metrics.cacheLookups.WithLabelValues(result).Inc()
}

func (r *Recorder) ObserveInspection() {
	if r == nil {
		return
	}
	r.metrics.inspections.Inc()
}

func (r *Recorder) ObserveProbeFailure() {
	if r == nil {
		return
	}
	r.metrics.probeFailures.Inc()
}

func (r *Recorder) ObserveReload(rules, warnings int, elevated bool) {
	if r == nil {
		return
	}
	r.metrics.reloads.Inc()
	r.metrics.warnings.Add(float64(warnings))
	r.metrics.rules.Set(float64(rules))
	if elevated {
		r.metrics.elevated.Set(1)
	} else {
		r.metrics.elevated.Set(0)
	}
}

func (r *Recorder) RewriteRecords() []RewriteRecord {
	if r == nil {
		return nil
	}
	return r.rewrites.Snapshot()
}

func (r *Recorder) PassThroughRecords() []PassThroughRecord {
	if r == nil {
		return nil
	}
	return r.passes.Snapshot()
}
