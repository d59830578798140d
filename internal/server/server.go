package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"TradeGuard/internal/guard"
	"TradeGuard/internal/killswitch"
	"TradeGuard/internal/observability"
)

// Server hosts the trade API. Routing here is deliberately thin: the real
// deployment sits behind an API gateway that terminates auth and forwards
// the principal identifier; this surface exists to wire the safety core
// end to end.
type Server struct {
	httpServer *http.Server
	addr       string
}

// Deps holds the safety components the trade handlers consult.
type Deps struct {
	Guard      *guard.Guard
	KillSwitch *killswitch.Switch
	Orders     *OrderService
	Health     *observability.HealthChecker
}

func New(addr string, deps *Deps) *Server {
	mux := http.NewServeMux()

	h := &orderHandlers{orders: deps.Orders}

	// Mutating trade routes pass the idempotency guard, which namespaces
	// keys by the principal resolved below.
	mux.Handle("POST /v1/orders", deps.Guard.Middleware(
		http.HandlerFunc(h.placeOrder),
	))

	if deps.Health != nil {
		mux.HandleFunc("/healthz", deps.Health.LivenessHandler)
		mux.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	}
	if deps.KillSwitch != nil {
		deps.KillSwitch.RegisterAdminRoutes(mux)
	}

	return &Server{
		httpServer: &http.Server{
			Addr: addr,
			// Principal extraction wraps every route: trade handlers and the
			// kill switch admin surface both need the acting user.
			Handler:      principalMiddleware(mux),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		addr: addr,
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	log.Printf("INFO: trade API listening on %s", s.addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("trade api server: %w", err)
	}
	return nil
}

// principalMiddleware trusts the upstream gateway's X-User-ID header.
// Token verification is the gateway's job, not this core's.
func principalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID := r.Header.Get("X-User-ID"); userID != "" {
			r = r.WithContext(guard.WithPrincipal(r.Context(), userID))
		}
		next.ServeHTTP(w, r)
	})
}

