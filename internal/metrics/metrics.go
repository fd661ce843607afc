package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder records cyclic protocol and request metrics.
type Recorder interface {
	// Sent records one data packet sent in the given send state.
	Sent(state string)
	// Dropped records one received packet discarded for reason.
	Dropped(reason string)
	// Round records the outcome of one master or peer round.
	Round(d time.Duration, outcome string)
	// Cycle records the current logical cycle and active peer count.
	Cycle(logical uint32, peers int)
	// Record records one served request.
	Record(resTime time.Duration, hasErr bool)
}

type dummy struct{}

// NewDummy constructs a new dummy metrics recorder.
func NewDummy() Recorder {
	return &dummy{}
}

func (m *dummy) Sent(string) {}
func (m *dummy) Dropped(string) {}
func (m *dummy) Round(time.Duration, string) {}
func (m *dummy) Cycle(uint32, int) {}
func (m *dummy) Record(time.Duration, bool) {}

// Prometheus is a Recorder backed by its own prometheus registry.
type Prometheus struct {
	reg *prometheus.Registry

	sent      *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	rounds    *prometheus.CounterVec
	roundTime prometheus.Summary
	cycle     prometheus.Gauge
	peers     prometheus.Gauge

	reqCount prometheus.Counter
	errCount prometheus.Counter
	resTime  prometheus.Summary
}

// NewPrometheus constructs a new Prometheus metrics recorder.
func NewPrometheus(service string) *Prometheus {
	m := &Prometheus{
		reg: prometheus.NewRegistry(),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_packets_sent_total",
			Help: "The total number of data packets sent, by send state",
		}, []string{"state"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_packets_dropped_total",
			Help: "The total number of received packets discarded, by reason",
		}, []string{"reason"}),
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_rounds_total",
			Help: "The total number of rounds, by outcome",
		}, []string{"outcome"}),
		roundTime: prometheus.NewSummary(prometheus.SummaryOpts{
			Name: service + "_round_time",
			Help: "Round durations",
		}),
		cycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: service + "_cycle",
			Help: "The current logical cycle",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: service + "_peers",
			Help: "The number of peers expected in the current cycle",
		}),
		reqCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: service + "_request_total",
			Help: "The total number of processed requests",
		}),
		errCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: service + "_errors_total",
			Help: "The total number of 500 responses",
		}),
		resTime: prometheus.NewSummary(prometheus.SummaryOpts{
			Name: service + "_response_time",
			Help: "Response times",
		}),
	}
	m.reg.MustRegister(m.sent, m.dropped, m.rounds, m.roundTime, m.cycle, m.peers,
		m.reqCount, m.errCount, m.resTime)
	return m
}

// Registry returns the registry holding all collectors.
func (m *Prometheus) Registry() *prometheus.Registry { return m.reg }

// Sent implements Recorder.
func (m *Prometheus) Sent(state string) { m.sent.WithLabelValues(state).Inc() }

// Dropped implements Recorder.
func (m *Prometheus) Dropped(reason string) { m.dropped.WithLabelValues(reason).Inc() }

// Round implements Recorder.
func (m *Prometheus) Round(d time.Duration, outcome string) {
	m.rounds.WithLabelValues(outcome).Inc()
	m.roundTime.Observe(d.Seconds())
}

// Cycle implements Recorder.
func (m *Prometheus) Cycle(logical uint32, peers int) {
	m.cycle.Set(float64(logical))
	m.peers.Set(float64(peers))
}

// Record implements Recorder.
func (m *Prometheus) Record(resTime time.Duration, hasErr bool) {
	m.reqCount.Inc()
	m.resTime.Observe(resTime.Seconds())
	if hasErr {
		m.errCount.Inc()
	}
}

// Exporter serves the collected metrics.
func (m *Prometheus) Exporter() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Handler provides metrics middleware.
func Handler(m Recorder, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if m == nil {
			next.ServeHTTP(w, req)
			return
		}

		wrapW := &wrapResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		startTime := time.Now()
		next.ServeHTTP(wrapW, req)
		m.Record(time.Since(startTime), wrapW.statusCode == http.StatusInternalServerError)
	})
}

type wrapResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *wrapResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
