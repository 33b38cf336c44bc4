package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rb3ckers/dualwrite/datatypes"
	"github.com/rb3ckers/dualwrite/internal/config"
	"github.com/rb3ckers/dualwrite/internal/metrics"
	"github.com/rb3ckers/dualwrite/internal/mirror"
	"github.com/rb3ckers/dualwrite/internal/upstream"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const serverShutdownTimeout = 5 * time.Second

// Proxy owns the listeners, the dispatchers and the detached mirror tasks.
type Proxy struct {
	sync.Mutex
	cfg       *config.Config
	logger    zerolog.Logger
	board     *datatypes.MirrorBoard
	collector *metrics.Collector
	reflector *mirror.Reflector
	mirror    *mirror.Mirror
	handler   http.Handler
	admin     http.Handler

	servers   []*http.Server
	listeners []net.Listener
	group     *errgroup.Group
}

// NewProxy wires all components from cfg. An invalid configuration is
// returned as an error wrapping config.ErrInvalidConfig, nothing is served then.
func NewProxy(cfg *config.Config, logger zerolog.Logger) (*Proxy, error) {
	primaryTarget, secondaryTarget, err := cfg.Targets()
	if err != nil {
		return nil, err
	}

	creds, protected, err := loadCredentials(cfg.Username, cfg.Password, cfg.PasswordFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	board := datatypes.NewMirrorBoard()
	collector := metrics.NewCollector(nil, board, logger)
	client := upstream.NewClient(nil, logger)
	reflector := mirror.NewReflector(cfg.MaxInflightMirrors, logger)
	secondary := mirror.NewMirror(secondaryTarget, client, reflector, collector, time.Duration(cfg.RetryAfter)*time.Second, logger)
	primary := NewPrimaryDispatcher(primaryTarget, client, collector)
	guard := mirror.NewLoopGuard(cfg.TrustedPrefixes(), logger)

	collector.Registry().MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "dualwrite",
		Subsystem: "mirror",
		Name:      "inflight",
		Help:      "Detached mirror tasks currently running.",
	}, func() float64 {
		_, inflight := reflector.Inflight()
		return float64(inflight)
	}))

	p := &Proxy{
		cfg:       cfg,
		logger:    logger.With().Str("component", "proxy").Logger(),
		board:     board,
		collector: collector,
		reflector: reflector,
		mirror:    secondary,
	}

	p.handler = DualWriteHandler(guard, primary, secondary, int64(cfg.MaxBodyBytes), cfg.MirrorPolicy, logger)

	var status http.Handler = StatusHandler(secondary, board)
	if protected {
		status = BasicAuth(status, creds, "Please provide username and password to view the mirror status")
	}

	adminMux := http.NewServeMux()
	adminMux.Handle("/"+cfg.HealthEndpoint, HealthHandler())
	adminMux.Handle("/"+cfg.MetricsEndpoint, collector.Handler())
	adminMux.Handle("/"+cfg.StatusEndpoint, status)
	p.admin = adminMux

	return p, nil
}

// Handler returns the handler of the main listener: admin endpoints when they
// share the address, dual-writing for everything else. Paths are matched
// exactly and never cleaned, every other path reaches the backends as sent.
func (p *Proxy) Handler() http.Handler {
	if p.cfg.StatusListenAddress != "" {
		return p.handler
	}

	admin := map[string]bool{
		"/" + p.cfg.HealthEndpoint:  true,
		"/" + p.cfg.MetricsEndpoint: true,
		"/" + p.cfg.StatusEndpoint:  true,
	}

	return http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		if admin[req.URL.Path] {
			p.admin.ServeHTTP(res, req)
			return
		}

		p.handler.ServeHTTP(res, req)
	})
}

// Start binds the listeners and serves in the background.
func (p *Proxy) Start(ctx context.Context) error {
	p.Lock()
	defer p.Unlock()

	if err := p.listen(ctx, p.cfg.ListenAddress, p.Handler()); err != nil {
		return err
	}

	if p.cfg.StatusListenAddress != "" {
		if err := p.listen(ctx, p.cfg.StatusListenAddress, p.admin); err != nil {
			p.closeListeners()
			return err
		}
	}

	group := &errgroup.Group{}

	for i := range p.servers {
		srv, l := p.servers[i], p.listeners[i]

		group.Go(func() error {
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			return nil
		})

		p.logger.Info().Str("address", l.Addr().String()).Msg("Listening")
	}

	p.group = group

	return nil
}

func (p *Proxy) listen(ctx context.Context, address string, handler http.Handler) error {
	var lc net.ListenConfig

	l, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	p.listeners = append(p.listeners, l)
	p.servers = append(p.servers, &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	})

	return nil
}

func (p *Proxy) closeListeners() {
	for _, l := range p.listeners {
		l.Close()
	}

	p.listeners = nil
	p.servers = nil
}

// Addr is the bound address of the main listener, once started.
func (p *Proxy) Addr() string {
	p.Lock()
	defer p.Unlock()

	if len(p.listeners) == 0 {
		return ""
	}

	return p.listeners[0].Addr().String()
}

// StatusAddr is the bound address of the separate admin listener, if any.
func (p *Proxy) StatusAddr() string {
	p.Lock()
	defer p.Unlock()

	if len(p.listeners) < 2 { //nolint:gomnd
		return ""
	}

	return p.listeners[1].Addr().String()
}

// Wait blocks until all listeners stopped and returns the first serve error.
func (p *Proxy) Wait() error {
	p.Lock()
	group := p.group
	p.Unlock()

	if group == nil {
		return nil
	}

	return group.Wait()
}

// Stop shuts the listeners down, letting in-flight requests finish, and then
// gives the detached mirror tasks the configured grace period.
func (p *Proxy) Stop(ctx context.Context) error {
	p.Lock()
	servers := p.servers
	p.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, serverShutdownTimeout)
	defer cancel()

	var errs []error

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}

	graceCtx, cancelGrace := context.WithTimeout(ctx, p.cfg.ShutdownGrace())
	defer cancelGrace()

	if abandoned := p.reflector.Close(graceCtx); abandoned > 0 {
		p.logger.Warn().Int("abandoned", abandoned).Msg("Stopped with unfinished mirror tasks")
	}

	if err := p.Wait(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
