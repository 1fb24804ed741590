package webrtc

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"
	"groupcall/pkg/logger"

	"github.com/pion/ice/v2"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type Config struct {
	ListenIP               string
	AnnouncedIP            string
	MinPort                uint16
	MaxPort                uint16
	TCPPort                int // 0 disables ICE over TCP
	LogLevel               string
	InitialOutgoingBitrate uint32
	BitrateFeedback        time.Duration
	GatherTimeout          time.Duration
}

// Worker is the in-process media engine: one SettingEngine shared by all
// transports, one router, and a death signal for the supervisor.
type Worker struct {
	cfg    Config
	logger *zap.SugaredLogger

	settings webrtc.SettingEngine
	listener *watchedListener
	router   *Router

	ready   atomic.Bool
	closing atomic.Bool
	died    chan error
	dieOnce sync.Once
}

func NewWorker(cfg Config, log *zap.Logger) (*Worker, error) {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 5 * time.Second
	}
	w := &Worker{
		cfg:    cfg,
		logger: log.Sugar().Named("engine"),
		died:   make(chan error, 1),
	}

	se := webrtc.SettingEngine{
		LoggerFactory: newLoggerFactory(log, logger.ParseLevel(cfg.LogLevel)),
	}
	se.SetLite(true)
	if cfg.MinPort > 0 && cfg.MaxPort > 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.MinPort, cfg.MaxPort); err != nil {
			return nil, fmt.Errorf("invalid rtc port range: %w", err)
		}
	}
	if cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if ip := net.ParseIP(cfg.ListenIP); ip != nil && !ip.IsUnspecified() {
		se.SetIPFilter(func(candidate net.IP) bool { return candidate.Equal(ip) })
	}

	networks := []webrtc.NetworkType{webrtc.NetworkTypeUDP4}
	if cfg.TCPPort > 0 {
		l, err := net.Listen("tcp4", net.JoinHostPort(cfg.ListenIP, fmt.Sprint(cfg.TCPPort)))
		if err != nil {
			return nil, fmt.Errorf("failed to listen for ICE over TCP: %w", err)
		}
		w.listener = &watchedListener{Listener: l, closing: &w.closing, onError: w.die}
		mux := ice.NewTCPMuxDefault(ice.TCPMuxParams{
			Listener:       w.listener,
			Logger:         se.LoggerFactory.NewLogger("ice-tcp"),
			ReadBufferSize: 8,
		})
		se.SetICETCPMux(mux)
		networks = append(networks, webrtc.NetworkTypeTCP4)
	}
	se.SetNetworkTypes(networks)
	w.settings = se

	w.router = newRouter(w)
	w.ready.Store(true)

	w.logger.Infow("media worker started",
		"listen_ip", cfg.ListenIP,
		"announced_ip", cfg.AnnouncedIP,
		"rtc_min_port", cfg.MinPort,
		"rtc_max_port", cfg.MaxPort,
		"tcp_port", cfg.TCPPort,
		"router_id", w.router.ID(),
	)
	return w, nil
}

func (w *Worker) Router() (ports.Router, error) {
	if !w.ready.Load() {
		return nil, domain.ErrEngineNotReady
	}
	return w.router, nil
}

func (w *Worker) Ready() bool {
	return w.ready.Load()
}

// Died fires once when the worker can no longer serve media.
func (w *Worker) Died() <-chan error {
	return w.died
}

func (w *Worker) Close() error {
	if w.closing.Swap(true) {
		return nil
	}
	w.ready.Store(false)
	w.router.closeAll()
	if w.listener != nil {
		return w.listener.Close()
	}
	return nil
}

func (w *Worker) die(err error) {
	if w.closing.Load() {
		return
	}
	w.dieOnce.Do(func() {
		w.ready.Store(false)
		w.logger.Errorw("media worker died", "error", err)
		w.died <- err
	})
}

// guard runs fn and turns a panic into worker death: the media plane is
// in an unknown state afterwards.
func (w *Worker) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.die(fmt.Errorf("media worker panic: %v", r))
		}
	}()
	fn()
}

// watchedListener reports accept failures that were not caused by Close.
type watchedListener struct {
	net.Listener
	closing *atomic.Bool
	onError func(error)
}

func (l *watchedListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil && !l.closing.Load() {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return conn, err
		}
		l.onError(fmt.Errorf("ice tcp listener: %w", err))
	}
	return conn, err
}
