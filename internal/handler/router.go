package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/bogpay-gateway/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware платёжного шлюза.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	if h.trustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(custommiddleware.GzipMiddleware)

	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter.Middleware)
		}

		r.Route("/api/payments/bog", func(r chi.Router) {
			r.Post("/callback", h.Callback)
			r.Get("/success", h.Success)
			r.Get("/fail", h.Fail)
		})

		r.Post("/api/orders/{orderID}/pay", h.Pay)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.adminAuth.Middleware)

		r.Post("/orders/{orderID}/check", h.CheckStatus)
		r.Get("/orders/{orderID}/logs", h.GetLogs)
		r.Get("/orders/{orderID}/notes", h.GetNotes)
		r.Get("/connection", h.TestConnection)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
