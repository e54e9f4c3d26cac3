// Package metrics exports the cellular lifecycle as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/librescoot/cellular-service/internal/automaton"
	"github.com/librescoot/cellular-service/internal/modem"
	"github.com/librescoot/cellular-service/internal/nfmc"
)

// Collector implements automaton.Observer on top of a private registry.
type Collector struct {
	registry *prometheus.Registry

	state       prometheus.Gauge
	transitions *prometheus.CounterVec
	global      prometheus.Gauge
	faults      *prometheus.CounterVec
	rssi        prometheus.Gauge
	dbm         prometheus.Gauge
	tempo       *prometheus.GaugeVec
	nfmcActive  prometheus.Gauge
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cellular_state",
			Help: "Current lifecycle state of the modem automaton",
		}),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cellular_transitions_total",
				Help: "State transitions by target state",
			},
			[]string{"state"},
		),
		global: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cellular_global_retry_count",
			Help: "Faults recorded since the last successful data session",
		}),
		faults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cellular_faults_total",
				Help: "Faults by cause and outcome",
			},
			[]string{"cause", "outcome"},
		),
		rssi: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cellular_signal_rssi",
			Help: "Last reported RSSI index (99 is unknown)",
		}),
		dbm: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cellular_signal_dbm",
			Help: "Last reported signal strength in dBm",
		}),
		tempo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cellular_nfmc_tempo_ms",
				Help: "NFMC backoff tempos",
			},
			[]string{"index"},
		),
		nfmcActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cellular_nfmc_active",
			Help: "1 when NFMC backoff is in use",
		}),
	}

	c.registry.MustRegister(
		c.state, c.transitions, c.global, c.faults,
		c.rssi, c.dbm, c.tempo, c.nfmcActive,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) StateChanged(_, to automaton.State) {
	c.state.Set(float64(to))
	c.transitions.WithLabelValues(to.String()).Inc()
	// reaching data-ready clears every retry counter
	if to == automaton.StateDataReady {
		c.global.Set(0)
	}
}

func (c *Collector) Fault(cause automaton.FailCause, outcome automaton.Outcome, global int) {
	c.faults.WithLabelValues(cause.String(), outcome.String()).Inc()
	c.global.Set(float64(global))
}

func (c *Collector) SignalChanged(q modem.SignalQuality) {
	c.rssi.Set(float64(q.RSSI))
	if q.RSSI == modem.RSSIUnknown {
		c.dbm.Set(0)
		return
	}
	c.dbm.Set(float64(-113 + 2*int(q.RSSI)))
}

func (c *Collector) Tempos(active bool, tempo [nfmc.TempoCount]uint32) {
	if active {
		c.nfmcActive.Set(1)
	} else {
		c.nfmcActive.Set(0)
	}
	for i, v := range tempo {
		c.tempo.WithLabelValues(strconv.Itoa(i)).Set(float64(v))
	}
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
