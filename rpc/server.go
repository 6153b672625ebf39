package rpc

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"lendpool/core"
	"lendpool/observability"
)

const maxRequestBytes = 1 << 20

// Server exposes the pool over HTTP. State-changing endpoints live under
// /v1/lending, operator endpoints under /v1/admin, views are GETs.
type Server struct {
	node    *core.Node
	log     *slog.Logger
	metrics *observability.PoolMetrics

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func NewServer(node *core.Node, logger *slog.Logger, rps, burst int) *Server {
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = rps * 2
	}
	return &Server{
		node:     node,
		log:      logger,
		metrics:  observability.Metrics(),
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Router builds the HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.limitBody)
	r.Use(s.throttle)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/lending", func(lr chi.Router) {
		lr.Post("/deposit", s.observe("deposit", s.handleDeposit))
		lr.Post("/withdraw", s.observe("withdraw", s.handleWithdraw))
		lr.Post("/borrow", s.observe("borrow", s.handleBorrow))
		lr.Post("/repay", s.observe("repay", s.handleRepay))
		lr.Post("/liquidate", s.observe("liquidate", s.handleLiquidate))

		lr.Get("/reserves", s.handleListReserves)
		lr.Get("/reserves/{asset}", s.handleGetReserve)
		lr.Get("/reserves/{asset}/fees", s.handleGetFees)
		lr.Get("/positions/{asset}/{address}", s.handleGetPosition)
		lr.Get("/accounts/{address}", s.handleGetAccount)
		lr.Get("/balances/{token}/{address}", s.handleBalance)
	})

	r.Route("/v1/admin", func(ar chi.Router) {
		ar.Post("/price", s.observe("set_price", s.handleSetPrice))
		ar.Post("/pause", s.observe("set_paused", s.handleSetPaused))
		ar.Post("/reserve", s.observe("upsert_reserve", s.handleUpsertReserve))
		ar.Post("/fund", s.observe("fund", s.handleFund))
	})

	return r
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiterFor(clientID(r)).Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(id string) *rate.Limiter {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	limiter, ok := s.limiters[id]
	if !ok {
		limiter = rate.NewLimiter(s.rps, s.burst)
		s.limiters[id] = limiter
	}
	return limiter
}

func clientID(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// observe wraps a handler with per-operation metrics.
func (s *Server) observe(operation string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r)
		s.metrics.Observe(operation, rec.status, time.Since(start))
	}
}
