package routes

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"lienchain/gateway/middleware"
	"lienchain/rpc/client"
)

// Rate limit keys the router consults. The gateway config registers limits
// under these names.
const (
	RateLimitReads  = "loans-read"
	RateLimitWrites = "loans-write"
	RateLimitRPC    = "rpc"
)

type Config struct {
	Client        *client.Client
	CompatHandler http.Handler
	EventStream   http.Handler
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	Idempotency   *middleware.Idempotency
	CORS          middleware.CORSConfig
}

// New assembles the gateway handler tree. Read routes require loans:read,
// mutating routes require loans:write, and the JSON-RPC passthrough carries
// the full method surface so it sits behind loans:write as well.
func New(cfg Config) (http.Handler, error) {
	if cfg.Client == nil {
		return nil, errors.New("node client required")
	}
	loans := newLoanRoutes(cfg.Client)

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware("root"))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.CompatHandler != nil {
		r.Group(func(rpc chi.Router) {
			if cfg.RateLimiter != nil {
				rpc.Use(cfg.RateLimiter.Middleware(RateLimitRPC))
			}
			if cfg.Authenticator != nil {
				rpc.Use(cfg.Authenticator.Middleware(middleware.ScopeLoansWrite))
			}
			if obs != nil {
				rpc.Use(obs.Middleware("rpc"))
			}
			rpc.Handle("/rpc", cfg.CompatHandler)
		})
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(read chi.Router) {
			if cfg.RateLimiter != nil {
				read.Use(cfg.RateLimiter.Middleware(RateLimitReads))
			}
			if cfg.Authenticator != nil {
				read.Use(cfg.Authenticator.Middleware(middleware.ScopeLoansRead))
			}
			if obs != nil {
				read.Use(obs.Middleware("loans-read"))
			}
			loans.mountReads(read)
		})

		v1.Group(func(write chi.Router) {
			if cfg.RateLimiter != nil {
				write.Use(cfg.RateLimiter.Middleware(RateLimitWrites))
			}
			if cfg.Authenticator != nil {
				write.Use(cfg.Authenticator.Middleware(middleware.ScopeLoansWrite))
			}
			if obs != nil {
				write.Use(obs.Middleware("loans-write"))
			}
			if cfg.Idempotency != nil {
				write.Use(cfg.Idempotency.Middleware("loans-write"))
			}
			loans.mountWrites(write)
		})

		if cfg.EventStream != nil {
			v1.Group(func(stream chi.Router) {
				if cfg.Authenticator != nil {
					stream.Use(cfg.Authenticator.Middleware(middleware.ScopeLoansRead))
				}
				stream.Handle("/events/stream", cfg.EventStream)
			})
		}
	})

	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	return r, nil
}
