package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"advtorch/attack"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var trainingStates = []string{"initializing", "stepping", "evaluating", "checkpointing", "stopped"}

// Recorder exports training progress as Prometheus metrics.
type Recorder struct {
	steps       prometheus.Counter
	nonFinite   prometheus.Counter
	checkpoints prometheus.Counter
	globalStep  prometheus.Gauge
	losses      *prometheus.GaugeVec
	regs        *prometheus.GaugeVec
	accuracy    *prometheus.GaugeVec
	variant     *prometheus.CounterVec
	state       *prometheus.GaugeVec
	stepSeconds prometheus.Histogram
}

// NewRecorder creates the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "advtorch", Name: "train_steps_total",
			Help: "Training iterations completed.",
		}),
		nonFinite: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "advtorch", Name: "nonfinite_losses_total",
			Help: "Iterations that produced a NaN or infinite loss.",
		}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "advtorch", Name: "checkpoints_total",
			Help: "Checkpoint pairs written.",
		}),
		globalStep: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "advtorch", Name: "global_step",
			Help: "Global step of the last completed iteration.",
		}),
		losses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "advtorch", Name: "loss",
			Help: "Latest training losses.",
		}, []string{"name"}),
		regs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "advtorch", Name: "grad_half_sq_norm",
			Help: "0.5*sum(g^2) of the pre-chain gradients.",
		}, []string{"net"}),
		accuracy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "advtorch", Name: "test_accuracy",
			Help: "Latest test accuracy per attack.",
		}, []string{"attack"}),
		variant: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "advtorch", Name: "discriminator_updates_total",
			Help: "Discriminator updates per optimizer variant.",
		}, []string{"variant"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "advtorch", Name: "loop_state",
			Help: "1 for the current training loop state.",
		}, []string{"state"}),
		stepSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "advtorch", Name: "step_seconds",
			Help:    "Wall time of one training iteration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}
	for _, c := range []prometheus.Collector{
		r.steps, r.nonFinite, r.checkpoints, r.globalStep, r.losses,
		r.regs, r.accuracy, r.variant, r.state, r.stepSeconds,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return r, nil
}

func (r *Recorder) ObserveState(state string) {
	for _, s := range trainingStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.state.WithLabelValues(s).Set(v)
	}
}

func (r *Recorder) ObserveStep(s StepSample) {
	r.steps.Inc()
	r.globalStep.Set(float64(s.Iter + 1))
	r.losses.WithLabelValues("g").Set(s.LossG)
	r.losses.WithLabelValues("g3").Set(s.GLoss3)
	r.losses.WithLabelValues("g5").Set(s.GLoss5)
	r.losses.WithLabelValues("d").Set(s.LossD)
	r.regs.WithLabelValues("d").Set(s.DReg)
	r.regs.WithLabelValues("g").Set(s.GReg)
	r.variant.WithLabelValues(s.Variant).Inc()
	r.stepSeconds.Observe(s.Elapsed.Seconds())
}

func (r *Recorder) ObserveEval(_ int, rep attack.Report) {
	r.accuracy.WithLabelValues("clean").Set(rep.Clean)
	r.accuracy.WithLabelValues("fgs").Set(rep.FGS)
	r.accuracy.WithLabelValues("pgd").Set(rep.PGD)
	r.accuracy.WithLabelValues("g").Set(rep.G)
}

func (r *Recorder) ObserveCheckpoint(int) { r.checkpoints.Inc() }

func (r *Recorder) ObserveNonFinite(int) { r.nonFinite.Inc() }

// Serve exposes g on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
