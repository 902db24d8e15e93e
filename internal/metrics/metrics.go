package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	loopStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loopd",
			Subsystem: "loop",
			Name:      "starts_total",
			Help:      "Number of successful loop subprocess starts.",
		}, []string{"project"},
	)
	loopStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loopd",
			Subsystem: "loop",
			Name:      "stops_total",
			Help:      "Number of loop terminations (clean exit or stop).",
		}, []string{"project"},
	)
	loopCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loopd",
			Subsystem: "loop",
			Name:      "crashes_total",
			Help:      "Number of loop subprocess crashes (non-zero exit).",
		}, []string{"project"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loopd",
			Subsystem: "loop",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"project", "from", "to"},
	)
	runningLoops = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "loopd",
			Subsystem: "registry",
			Name:      "running_loops",
			Help:      "Loops currently occupying an execution slot.",
		},
	)
	queuedLoops = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "loopd",
			Subsystem: "registry",
			Name:      "queued_loops",
			Help:      "Loops waiting in the admission queue.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// Safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{loopStarts, loopStops, loopCrashes, stateTransitions, runningLoops, queuedLoops}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// RegisterDefault registers against the default Prometheus registry.
func RegisterDefault() error { return Register(prometheus.DefaultRegisterer) }

func IncStart(project string) { loopStarts.WithLabelValues(project).Inc() }

func IncStop(project string) { loopStops.WithLabelValues(project).Inc() }

func IncCrash(project string) { loopCrashes.WithLabelValues(project).Inc() }

func IncTransition(project, from, to string) {
	stateTransitions.WithLabelValues(project, from, to).Inc()
}

func SetRunningLoops(n int) { runningLoops.Set(float64(n)) }

func SetQueuedLoops(n int) { queuedLoops.Set(float64(n)) }

// Handler exposes the default registry for scraping.
func Handler() http.Handler { return promhttp.Handler() }

// Serve starts a standalone metrics listener on addr. It returns the server
// so callers can shut it down.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
