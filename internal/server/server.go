package server

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sthanfv/el-buen-corte--sub000/internal/auth"
	"github.com/sthanfv/el-buen-corte--sub000/internal/config"
	"github.com/sthanfv/el-buen-corte--sub000/internal/middleware"
	"github.com/sthanfv/el-buen-corte--sub000/internal/models"
	"github.com/sthanfv/el-buen-corte--sub000/internal/ratelimit"
	"github.com/sthanfv/el-buen-corte--sub000/internal/repository"
	"github.com/sthanfv/el-buen-corte--sub000/internal/service"
)

type OrderService interface {
	CreateOrder(ctx context.Context, req service.CreateOrderRequest, meta service.RequestMeta) (service.CreateResult, error)
	UpdateOrder(ctx context.Context, req service.UpdateOrderRequest, meta service.RequestMeta) (*models.Order, error)
	GetStatus(ctx context.Context, id string) (models.StatusView, error)
	List(ctx context.Context, f repository.ListFilter) ([]*models.Order, error)
}

type TokenIssuer interface {
	IssueAnonymous(ttl time.Duration) (string, auth.Identity, time.Time, error)
}

// Deps are the collaborators the HTTP layer needs. Limiter may be nil.
type Deps struct {
	Orders  OrderService
	Authn   auth.Authenticator
	Issuer  TokenIssuer
	Limiter ratelimit.Limiter
	Auditor middleware.Auditor
}

type Server struct {
	deps           Deps
	addr           string
	anonTTL        time.Duration
	exposeDetails  bool
	trustedProxies []netip.Prefix
	log            *zap.Logger
}

func NewServer(deps Deps, cfg *config.Config, log *zap.Logger) *Server {
	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		log.Warn("ignoring trusted proxies, forwarding headers will not be read", zap.Error(err))
	}
	return &Server{
		deps:           deps,
		addr:           cfg.Addr(),
		anonTTL:        cfg.AnonTTL,
		exposeDetails:  !cfg.IsProduction(),
		trustedProxies: proxies,
		log:            log,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.RealIP(s.trustedProxies))
	r.Use(middleware.RequestLog(s.log))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Post("/auth/anonymous", s.handleAnonymous)
	r.Get("/orders/{id}/status", s.handleStatus)

	authn := middleware.Authenticate(s.deps.Authn, s.deps.Auditor, s.log)
	admin := middleware.RequireAdmin(s.deps.Auditor, s.log)

	r.Group(func(r chi.Router) {
		r.Use(authn)
		if s.deps.Limiter != nil {
			r.Use(middleware.RateLimit(s.deps.Limiter, s.deps.Auditor, s.log))
		}
		r.Post("/orders", s.handleCreateOrder)
		r.Post("/api/orders/create", s.handleCreateOrder)
	})

	r.Group(func(r chi.Router) {
		r.Use(authn, admin)
		r.Post("/orders/update", s.handleUpdateOrder)
		r.Post("/api/orders/update", s.handleUpdateOrder)
		r.Get("/orders", s.handleListOrders)
	})

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
