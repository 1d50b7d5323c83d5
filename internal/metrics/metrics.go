package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its registry so several servers can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	RequestCounter  *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	GamesStarted    prometheus.Counter
	Answers         *prometheus.CounterVec
	ScoresSubmitted prometheus.Counter
	Achievements    *prometheus.CounterVec
	Generations     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "endpoint"},
		),
		GamesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trivia_games_started_total",
			Help: "Games started",
		}),
		Answers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trivia_answers_total",
			Help: "Submitted answers by outcome",
		}, []string{"result"}),
		ScoresSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trivia_scores_submitted_total",
			Help: "Completed games submitted to the leaderboard",
		}),
		Achievements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trivia_achievements_awarded_total",
			Help: "Newly earned achievements",
		}, []string{"name"}),
		Generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trivia_question_generations_total",
			Help: "Question generation attempts by outcome",
		}, []string{"outcome"}),
	}
	m.Registry.MustRegister(
		m.RequestCounter,
		m.RequestDuration,
		m.GamesStarted,
		m.Answers,
		m.ScoresSubmitted,
		m.Achievements,
		m.Generations,
	)
	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware records request counts and latency labelled by route template.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		m.RequestCounter.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
