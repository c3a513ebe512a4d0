// Package server exposes the lending engine over HTTP. Reads are public;
// every mutation needs an API token, which also names the acting account.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cdpledger/observability/logging"
	"cdpledger/services/lending/engine"
)

// Config wires a Server.
type Config struct {
	Engine         *engine.Engine
	Auth           AuthConfig
	RateLimit      RateLimit
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Server routes HTTP requests to the engine.
type Server struct {
	engine  *engine.Engine
	auth    *authenticator
	limiter *rateLimiter
	timeout time.Duration
	log     *slog.Logger
	router  http.Handler
}

// New builds the router. It fails when an API token is malformed.
func New(cfg Config) (*Server, error) {
	auth, err := newAuthenticator(cfg.Auth)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &Server{
		engine:  cfg.Engine,
		auth:    auth,
		limiter: newRateLimiter(cfg.RateLimit),
		timeout: timeout,
		log:     logger,
	}
	if !auth.enabled() {
		logger.Warn("no api tokens configured; mutations are refused")
	}
	for token, p := range auth.tokens {
		logger.Info("api token loaded", "account", p.Account.Hex(), "admin", p.Admin,
			"fingerprint", logging.Fingerprint(token))
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "lending",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + routePattern(r)
		}))
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.recoverer)
	r.Use(s.observe)
	r.Use(s.limiter.middleware(s.writeError))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	user := s.auth.require(false, s.writeError)
	admin := s.auth.require(true, s.writeError)

	r.Route("/vault", func(vr chi.Router) {
		vr.Get("/{token}/{owner}", s.vaultBalance)
		vr.With(user).Post("/deposit", s.deposit)
		vr.With(user).Post("/withdraw", s.withdraw)
		vr.With(user).Post("/transfer", s.transfer)
		vr.With(user).Post("/operator", s.setOperator)
		vr.With(user).Post("/harvest", s.harvest)
	})
	r.Route("/tokens", func(tr chi.Router) {
		tr.Get("/{token}/{owner}", s.wallet)
		tr.With(user).Post("/approve", s.approve)
		tr.With(admin).Post("/mint", s.mint)
	})
	r.Route("/markets", func(mr chi.Router) {
		mr.Get("/", s.listMarkets)
		mr.With(admin).Post("/accrue", s.accrue)
		mr.Route("/{market}", func(m chi.Router) {
			m.Get("/", s.globals)
			m.Get("/price", s.marketPrice)
			m.Get("/positions/{user}", s.position)
			m.With(user).Post("/collateral/add", s.addCollateral)
			m.With(user).Post("/collateral/remove", s.removeCollateral)
			m.With(user).Post("/borrow", s.borrow)
			m.With(user).Post("/repay", s.repay)
			m.With(user).Post("/liquidate", s.liquidate)
			m.With(user).Post("/cook", s.cook)
			m.With(admin).Post("/surplus/withdraw", s.withdrawSurplus)
		})
	})
	r.Route("/bad-debt", func(br chi.Router) {
		br.Get("/", s.shortfall)
		br.With(admin).Post("/settle", s.settleBadDebt)
	})
	r.Route("/oracle", func(or chi.Router) {
		or.Get("/feeds", s.listFeeds)
		or.Get("/price", s.feedPrice)
		or.With(admin).Post("/prices", s.setPrice)
	})
	r.Get("/events", s.events)
	return r
}

func (s *Server) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

// caller is the account bound to the request's API token.
func (s *Server) caller(r *http.Request) Principal {
	p, _ := principalFrom(r.Context())
	return p
}
