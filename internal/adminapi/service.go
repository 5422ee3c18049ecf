package adminapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	core "github.com/fleetwatch/orchestrator/internal/core/service"
	"github.com/fleetwatch/orchestrator/pkg/logger"
)

// TLSConfig names the certificate pair AdminAPI serves with.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Service is AdminAPI (C10) as a system.Service: an HTTPS listener over the
// router built by NewRouter.
type Service struct {
	cfg       Config
	tls       TLSConfig
	addr      string
	server    *http.Server
	log       *logger.Logger
}

func NewService(cfg Config, tls TLSConfig, addr string) *Service {
	if cfg.Log == nil {
		cfg.Log = logger.NewDefault("adminapi")
	}
	return &Service{cfg: cfg, tls: tls, addr: addr, log: cfg.Log}
}

func (s *Service) Name() string { return "adminapi" }

func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:   s.Name(),
		Domain: "scraping-fleet",
		Layer:  core.LayerIngress,
	}.WithCapabilities("https-admin-surface", "prometheus-metrics")
}

func (s *Service) Start(ctx context.Context) error {
	s.cfg.StartedAt = time.Now()
	router := NewRouter(s.cfg)
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		var err error
		if s.tls.CertFile != "" && s.tls.KeyFile != "" {
			err = s.server.ListenAndServeTLS(s.tls.CertFile, s.tls.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("admin api listener stopped unexpectedly")
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
