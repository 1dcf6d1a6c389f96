package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/soft_pbx/internal/config"
	"github.com/arzzra/soft_pbx/internal/log"
	"github.com/arzzra/soft_pbx/internal/metrics"
	"github.com/arzzra/soft_pbx/pkg/call_manager"
	"github.com/arzzra/soft_pbx/pkg/dialplan"
	"github.com/arzzra/soft_pbx/pkg/media"
	"github.com/arzzra/soft_pbx/pkg/rtp"
	"github.com/arzzra/soft_pbx/pkg/sip/core/parser"
	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
	"github.com/arzzra/soft_pbx/pkg/sip/transaction"
	"github.com/arzzra/soft_pbx/pkg/sip/transport"
)

// sweepInterval период очистки истекших регистраций
const sweepInterval = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Запустить АТС",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		logger, err := log.New(cfg.Log)
		if err != nil {
			return err
		}
		defer logger.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	entry := logger.Component("main")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mx := metrics.New(reg)

	registrar := dialplan.NewRegistrar(
		dialplan.WithExpires(cfg.Registrar.MinExpires, cfg.Registrar.MaxExpires, cfg.Registrar.DefaultExpires),
		dialplan.WithRegistrarLogger(logger.Component("registrar")),
	)
	router, err := newRouter(cfg, registrar, logger)
	if err != nil {
		return err
	}

	pool, err := rtp.NewPortPool(cfg.RTP.PortMin, cfg.RTP.PortMax)
	if err != nil {
		return fmt.Errorf("rtp port pool: %w", err)
	}

	udp, err := transport.NewUDPTransport(ctx, cfg.SIP.Listen,
		transport.WithParser(parser.NewParser(parser.WithStrict(cfg.SIP.StrictParsing))),
		transport.WithLogger(logger.Component("transport")),
		transport.WithMessageLogging(logger.SIPMessages),
		transport.WithDSCP(cfg.SIP.DSCP),
		transport.WithMalformedHook(mx.MalformedDatagram),
	)
	if err != nil {
		return err
	}

	host, port := advertised(cfg, udp.LocalAddr(), entry)
	tx := transaction.NewManager(udp,
		transaction.WithTimers(transaction.Timers{
			T1:     cfg.Timers.T1,
			T2:     cfg.Timers.T2,
			T4:     cfg.Timers.T4,
			TimerD: cfg.Timers.TimerD,
		}),
		transaction.WithObserver(mx),
		transaction.WithLogger(logger.Component("transaction")),
		transaction.WithViaAddress(host, port),
	)

	mediaHost := cfg.RTP.ExternalHost
	if mediaHost == "" {
		mediaHost = host
	}
	calls := call_manager.New(tx, router, pool, rtp.NewSSRCRegistry(),
		call_manager.WithDirectory(registrar),
		call_manager.WithRequireKnownCaller(cfg.Calls.RequireKnownCaller),
		call_manager.WithContact(host, port),
		call_manager.WithMediaAddress(mediaHost),
		call_manager.WithCodecs(cfg.Codecs...),
		call_manager.WithTelephoneEvent(true),
		call_manager.WithSessionConfig(sessionConfig(cfg, host)),
		call_manager.WithMailbox(cfg.Calls.Mailbox),
		call_manager.WithMaxCalls(cfg.Calls.MaxCalls),
		call_manager.WithRingTimeout(cfg.Calls.RingTimeout),
		call_manager.WithUserAgent(cfg.SIP.UserAgent),
		call_manager.WithLogger(logger.Component("calls")),
		call_manager.WithSubscriber(mx),
	)

	entry.WithFields(logrus.Fields{
		"sip":    udp.LocalAddr().String(),
		"host":   host,
		"rtp":    fmt.Sprintf("%d-%d", cfg.RTP.PortMin, cfg.RTP.PortMax),
		"codecs": cfg.Codecs,
	}).Info("softpbx запущен")

	// транспорт живет дольше контекста сигналов: вызовы при остановке
	// отправляют BYE
	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := udp.Serve(serveCtx, tx); err != nil {
			return fmt.Errorf("sip transport: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sweepRegistrations(gctx, registrar, mx)
		return nil
	})
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics, reg, logger.Component("metrics"))
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		entry.WithField("calls", calls.Count()).Info("остановка")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Calls.ShutdownTimeout)
		defer cancel()
		if err := calls.Shutdown(shutdownCtx); err != nil {
			entry.WithError(err).Warn("вызовы завершены принудительно")
		}
		tx.Close()
		stopServe()
		return nil
	})

	err = g.Wait()
	stats := udp.Stats()
	entry.WithFields(logrus.Fields{
		"received":  stats.Received,
		"sent":      stats.Sent,
		"malformed": stats.Malformed,
		"dropped":   stats.Dropped,
	}).Info("softpbx остановлен")
	return err
}

// newRouter статический диалплан или отказ 404 для всех вызовов
func newRouter(cfg *config.Config, registrar *dialplan.Registrar, logger *log.Logger) (call_manager.Router, error) {
	if cfg.Dialplan.File == "" {
		logger.Component("dialplan").Warn("диалплан не задан, входящие вызовы отклоняются")
		return call_manager.RouterFunc(func(context.Context, *types.URI, call_manager.CallerContext) (call_manager.RoutingDecision, error) {
			return call_manager.RoutingDecision{}, call_manager.ErrRouteNotFound
		}), nil
	}
	plan, err := dialplan.LoadStatic(cfg.Dialplan.File, registrar,
		dialplan.WithStaticLogger(logger.Component("dialplan")))
	if err != nil {
		return nil, err
	}
	logger.Component("dialplan").WithField("rules", len(plan.Rules())).Info("диалплан загружен")
	return plan, nil
}

// advertised адрес для Via и Contact: внешний из конфигурации или адрес
// сокета. Неуказанный адрес заменяется на loopback.
func advertised(cfg *config.Config, local *net.UDPAddr, entry *logrus.Entry) (string, int) {
	host, port := cfg.SIP.ExternalHost, cfg.SIP.ExternalPort
	if port == 0 {
		port = local.Port
	}
	if host == "" {
		if local.IP == nil || local.IP.IsUnspecified() {
			entry.Warn("sip.external_host не задан, в Contact будет 127.0.0.1")
			host = "127.0.0.1"
		} else {
			host = local.IP.String()
		}
	}
	return host, port
}

func sessionConfig(cfg *config.Config, host string) rtp.SessionConfig {
	s := rtp.DefaultSessionConfig()
	s.BindAddress = cfg.RTP.BindAddress
	s.RTCPMux = cfg.RTP.RTCPMux
	s.Symmetric = cfg.RTP.SymmetricRTP
	s.DSCP = cfg.RTP.DSCP
	s.PacketTime = cfg.RTP.PacketTime
	s.ReportInterval = cfg.RTP.ReportInterval
	s.Jitter = media.JitterConfig{
		Depth:        cfg.Jitter.Depth,
		PacketTime:   cfg.RTP.PacketTime,
		InitialDelay: cfg.Jitter.InitialDelay,
		MinDelay:     cfg.Jitter.MinDelay,
		MaxDelay:     cfg.Jitter.MaxDelay,
		Hysteresis:   cfg.Jitter.Hysteresis,
		EarlyTicks:   cfg.Jitter.EarlyTicks,
	}
	s.MOS = rtp.MOSModel{
		R0:              cfg.Quality.R0,
		LossWeight:      cfg.Quality.LossWeight,
		JitterThreshold: cfg.Quality.JitterThreshold,
		JitterWeight:    cfg.Quality.JitterWeight,
		DelayThreshold:  cfg.Quality.DelayThreshold,
		DelayWeight:     cfg.Quality.DelayWeight,
	}
	s.CNAME = "softpbx@" + host
	return s
}

func sweepRegistrations(ctx context.Context, r *dialplan.Registrar, mx *metrics.Metrics) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
			mx.SetRegistrations(r.Len())
		}
	}
}

func serveMetrics(ctx context.Context, cfg config.MetricsConfig, reg *prometheus.Registry, entry *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	entry.WithFields(logrus.Fields{"addr": cfg.Listen, "path": cfg.Path}).Info("метрики доступны")

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
