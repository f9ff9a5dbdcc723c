package payee

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/streamingfast/shutter"
	"go.uber.org/zap"

	"github.com/nuwa-protocol/payment-kit-go/billing"
	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

// shutdownGrace bounds how long the HTTP server drains on termination.
const shutdownGrace = 30 * time.Second

// ServiceConfig assembles a payee HTTP service: the payment pipeline, the
// billing rules, the DID resolver for request auth and the business handler
// the pipeline protects.
type ServiceConfig struct {
	ListenAddr string
	Processor  *Processor
	Scheduler  *ClaimScheduler // nil disables automatic claiming
	Resolver   subrav.DIDResolver
	Engine     *billing.Engine
	Info       ServiceInfo

	// Handler serves the business routes; nil leaves only the built-in
	// operations mounted.
	Handler http.Handler
}

// Service is the payee-side HTTP server: built-in channel operations plus
// the payment-gated business routes, all behind the shared middleware.
type Service struct {
	*shutter.Shutter

	config *ServiceConfig
	logger *zap.Logger
	server *http.Server
}

func NewService(config *ServiceConfig, logger *zap.Logger) (*Service, error) {
	if config.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if config.Processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if config.Resolver == nil {
		return nil, fmt.Errorf("did resolver is required")
	}
	if config.Engine == nil {
		return nil, fmt.Errorf("billing engine is required")
	}

	return &Service{
		Shutter: shutter.New(),
		config:  config,
		logger:  logger,
	}, nil
}

func (s *Service) Run() {
	mux := http.NewServeMux()

	builtin := NewBuiltinRoutes(s.config.Processor, s.config.Scheduler, s.config.Info, s.logger)
	if err := builtin.Register(mux, s.config.Engine); err != nil {
		s.Shutdown(fmt.Errorf("registering built-in routes: %w", err))
		return
	}
	if s.config.Handler != nil {
		mux.Handle("/", s.config.Handler)
	}

	middleware := NewHTTPMiddleware(s.config.Processor, s.config.Resolver, s.logger)
	s.server = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: middleware.Wrap(mux),
	}

	s.OnTerminating(func(_ error) {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		s.server.Shutdown(ctx)

		if s.config.Scheduler != nil {
			s.config.Scheduler.Destroy()
		}
	})

	s.logger.Info("starting payee service",
		zap.String("listen_addr", s.config.ListenAddr),
		zap.String("service_did", s.config.Processor.ServiceDID()),
		zap.String("base_path", builtin.BasePath()),
	)

	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.Shutdown(err)
		return
	}
	s.Shutdown(nil)
}
