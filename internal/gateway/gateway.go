// ABOUTME: Gateway orchestrator that wires the store, ceremony, alert ledger and monitor
// ABOUTME: Runs the HTTP API, the gRPC health service and background loops until shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/stillsafe-gateway/internal/alerts"
	"github.com/2389/stillsafe-gateway/internal/auth"
	"github.com/2389/stillsafe-gateway/internal/ceremony"
	"github.com/2389/stillsafe-gateway/internal/challenge"
	"github.com/2389/stillsafe-gateway/internal/clock"
	"github.com/2389/stillsafe-gateway/internal/config"
	"github.com/2389/stillsafe-gateway/internal/credential"
	"github.com/2389/stillsafe-gateway/internal/dedupe"
	"github.com/2389/stillsafe-gateway/internal/monitor"
	"github.com/2389/stillsafe-gateway/internal/notify"
	"github.com/2389/stillsafe-gateway/internal/store"
)

// motionDedupeEntries bounds the motion de-duplication cache.
const motionDedupeEntries = 10_000

// Gateway owns every long-lived component of stillsafe-gateway.
type Gateway struct {
	config      *config.Config
	kv          store.KV
	clock       clock.Clock
	ceremony    *ceremony.Service
	ledger      *alerts.Ledger
	monitor     *monitor.Monitor
	pushTokens  *notify.TokenRegistry
	tokens      *auth.TokenIssuer
	device      *auth.DeviceSecret
	health      *health.Server
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

type options struct {
	kv       store.KV
	clock    clock.Clock
	notifier notify.Notifier
}

// Option overrides a component New would otherwise build from config.
type Option func(*options)

// WithStore uses kv instead of opening database.path.
func WithStore(kv store.KV) Option {
	return func(o *options) { o.kv = kv }
}

// WithClock drives TTLs, token lifetimes and the monitor from c.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithNotifier replaces the configured delivery channels.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// initStore opens the keyed store named by the database section.
func initStore(cfg *config.Config, clk clock.Clock) (store.KV, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path,
		store.WithDriver(cfg.Database.Driver),
		store.WithClock(clk),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildNotifier assembles the enabled delivery channels. With none enabled
// notifications are only logged.
func buildNotifier(cfg *config.Config, registry *notify.TokenRegistry, logger *slog.Logger) (notify.Notifier, error) {
	var channels []notify.Notifier

	if apns := cfg.Notifications.APNs; apns.Enabled {
		sender, err := notify.NewAPNsSender(notify.APNsConfig{
			KeyPath:    apns.KeyPath,
			KeyID:      apns.KeyID,
			TeamID:     apns.TeamID,
			Topic:      apns.Topic,
			Production: apns.Production,
		}, registry, cfg.Operator.Identity, logger.With("component", "apns"))
		if err != nil {
			return nil, fmt.Errorf("creating APNs sender: %w", err)
		}
		channels = append(channels, sender)
	}

	if m := cfg.Notifications.Matrix; m.Enabled {
		sender, err := notify.NewMatrixSender(notify.MatrixConfig{
			Homeserver:  m.Homeserver,
			UserID:      m.UserID,
			AccessToken: m.AccessToken,
			RoomID:      m.RoomID,
		})
		if err != nil {
			return nil, fmt.Errorf("creating Matrix sender: %w", err)
		}
		channels = append(channels, sender)
	}

	if len(channels) == 0 {
		logger.Warn("no notification channel enabled, alerts are only logged")
		channels = append(channels, notify.LogNotifier{Logger: logger.With("component", "notify")})
	}
	return notify.NewMulti(logger.With("component", "notify"), channels...), nil
}

// New creates a Gateway from cfg. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := options{clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}

	kv := o.kv
	if kv == nil {
		var err error
		if kv, err = initStore(cfg, o.clock); err != nil {
			return nil, err
		}
	}

	gw, err := assemble(cfg, kv, o, logger)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	return gw, nil
}

func assemble(cfg *config.Config, kv store.KV, o options, logger *slog.Logger) (*Gateway, error) {
	tokens, err := auth.NewTokenIssuer([]byte(cfg.Auth.AccessSecret), []byte(cfg.Auth.RefreshSecret),
		auth.WithTTLs(cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL),
		auth.WithNow(o.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("creating token issuer: %w", err)
	}

	cer, err := ceremony.New(ceremony.Config{
		RPID:             cfg.WebAuthn.RPID,
		RPDisplayName:    cfg.WebAuthn.RPDisplayName,
		RPOrigins:        cfg.WebAuthn.Origins,
		AllowZeroCounter: cfg.WebAuthn.AllowZeroCounter,
	}, credential.NewKVRepository(kv, o.clock.Now), challenge.NewLedger(kv), kv, tokens, logger)
	if err != nil {
		return nil, fmt.Errorf("creating ceremony: %w", err)
	}

	registry := notify.NewTokenRegistry(kv)
	notifier := o.notifier
	if notifier == nil {
		if notifier, err = buildNotifier(cfg, registry, logger); err != nil {
			return nil, err
		}
	}

	ledger := alerts.NewLedger(kv, notifier,
		alerts.WithClock(o.clock),
		alerts.WithLogger(logger),
		alerts.WithDedupe(dedupe.New(dedupe.DefaultWindow, motionDedupeEntries, o.clock)),
	)

	healthServer := health.NewServer()
	mon := monitor.New(monitor.Config{
		Interval: cfg.Monitor.Interval,
		Throttle: cfg.Monitor.Throttle,
	}, kv, ledger, notifier, healthServer, o.clock, logger)

	gw := &Gateway{
		config:     cfg,
		kv:         kv,
		clock:      o.clock,
		ceremony:   cer,
		ledger:     ledger,
		monitor:    mon,
		pushTokens: registry,
		tokens:     tokens,
		device:     auth.NewDeviceSecret(cfg.Device.Secret),
		health:     healthServer,
		grpcServer: newGRPCServer(healthServer, logger),
		logger:     logger,
	}

	handler, err := gw.routes()
	if err != nil {
		return nil, err
	}
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler without starting a listener.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Monitor exposes the liveness monitor so callers can drive ticks directly.
func (g *Gateway) Monitor() *monitor.Monitor {
	return g.monitor
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startBackground runs the liveness monitor and the store janitor until ctx ends.
func (g *Gateway) startBackground(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = g.monitor.Run(ctx)
	}()

	if p, ok := g.kv.(purger); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.purgeLoop(ctx, p)
		}()
	}

	return &wg
}

// purger is implemented by stores that keep expired rows until swept.
type purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

func (g *Gateway) purgeLoop(ctx context.Context, p purger) {
	ticker := g.clock.NewTicker(g.config.Database.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			n, err := p.PurgeExpired(ctx)
			if err != nil {
				g.logger.Warn("purging expired keys", "error", err)
				continue
			}
			if n > 0 {
				g.logger.Debug("purged expired keys", "count", n)
			}
		}
	}
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and background loops and blocks until the context
// is canceled. Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	background := g.startBackground(bgCtx)

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	stopBackground()
	background.Wait()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context, since the run
// context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "stillsafe-gateway", "tailscale"), nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	if tsCfg.AuthKey == "" {
		return nil, nil, errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   tsCfg.AuthKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)
	g.checkRelyingParty(status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg, grpcLn)
	if err != nil {
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// checkRelyingParty warns when the node's DNS name is not the WebAuthn RP ID.
// Passkeys are bound to the RP ID, so the phone would refuse the ceremony.
func (g *Gateway) checkRelyingParty(status *ipnstate.Status) {
	if status.Self == nil || status.Self.DNSName == "" {
		return
	}
	dnsName := strings.TrimSuffix(status.Self.DNSName, ".")
	rpID := g.config.WebAuthn.RPID
	if dnsName != rpID && !strings.HasSuffix(dnsName, "."+rpID) {
		g.logger.Warn("webauthn.rp_id does not match the tailscale DNS name", "rp_id", rpID, "dns_name", dnsName)
	}
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig, grpcLn net.Listener) (net.Listener, error) {
	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
	return g.createTailscaleTLSListener(grpcLn)
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
// WebAuthn needs a secure context, so plain HTTP on the tailnet is not offered.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.health.Shutdown()
	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.kv.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
