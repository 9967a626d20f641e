package metrics

import (
	"sync"

	"go-passport-reader/session"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScansStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "passport_scans_started_total",
			Help: "Total number of passport scans started",
		},
	)

	// state is succeeded, failed or discarded.
	ScansFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passport_scans_finished_total",
			Help: "Total number of passport scans that ended, by final state",
		},
		[]string{"state"},
	)

	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "passport_scan_duration_seconds",
			Help:    "Time from scan start until a record was read or the scan failed",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 90, 120},
		},
	)

	LogExports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passport_log_exports_total",
			Help: "Total number of log exports, by result",
		},
		[]string{"result"},
	)
)

const discarded = "discarded"

// RecordLogExport counts a log export attempt.
func RecordLogExport(err error) {
	if err != nil {
		LogExports.WithLabelValues("error").Inc()
		return
	}
	LogExports.WithLabelValues("ok").Inc()
}

// SessionObserver turns session state changes into scan metrics.
type SessionObserver struct {
	mutex    sync.Mutex
	scanning string
}

func NewSessionObserver() *SessionObserver {
	return &SessionObserver{}
}

func (o *SessionObserver) SessionChanged(s session.Snapshot) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	switch s.State {
	case session.Scanning:
		if o.scanning != "" && o.scanning != s.ID {
			ScansFinished.WithLabelValues(discarded).Inc()
		}
		if o.scanning != s.ID {
			ScansStarted.Inc()
		}
		o.scanning = s.ID
	case session.Succeeded, session.Failed:
		if o.scanning != s.ID {
			// failed before it was ever reported as scanning
			ScansStarted.Inc()
		}
		if s.StartedAt != nil && s.FinishedAt != nil {
			ScanDuration.Observe(s.FinishedAt.Sub(*s.StartedAt).Seconds())
		}
		ScansFinished.WithLabelValues(s.State.String()).Inc()
		o.scanning = ""
	case session.Idle:
		if o.scanning != "" {
			ScansFinished.WithLabelValues(discarded).Inc()
			o.scanning = ""
		}
	}
}
