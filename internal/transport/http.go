package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/storefront/internal/auth"
	"github.com/vasiliy-maslov/storefront/internal/handler"
	"github.com/vasiliy-maslov/storefront/internal/metrics"
)

type RouterDeps struct {
	Auth    *auth.Authenticator
	Orders  *handler.OrderHandler
	Cart    *handler.CartHandler
	Metrics *metrics.Metrics
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: &log.Logger, NoColor: true}))
	r.Use(middleware.Recoverer)

	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(deps.Auth.Middleware(handler.RespondAuthError))
		deps.Orders.RegisterRoutes(api)
		deps.Cart.RegisterRoutes(api)
	})

	return r
}
