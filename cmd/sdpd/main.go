//go:build linux

// Command sdpd serves the SDP applet on a unix socket. Clients reach it
// through pkg/sdp with transport.UnixDialer. Metrics and health are served
// over HTTP on /metrics, /live and /ready.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/srediag/plugin-smaf/internal/logger"
	"github.com/srediag/plugin-smaf/pkg/health"
	"github.com/srediag/plugin-smaf/pkg/sdp"
	"github.com/srediag/plugin-smaf/pkg/smaf"
	"github.com/srediag/plugin-smaf/pkg/transport"
	"github.com/srediag/plugin-smaf/pkg/trusted"
)

type options struct {
	socket             string
	httpAddr           string
	workers            int
	maxSessions        int
	maxRegisteredBytes int64
	lockMemory         bool
	shutdownTimeout    time.Duration
	device             string
	shmPath            string
	shmMinFree         uint64
	maxGoroutines      int
	logLevel           int
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func loadOptions(args []string, stderr io.Writer) (*options, error) {
	defaults := trusted.DefaultConfig()
	fs := pflag.NewFlagSet("sdpd", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.String("socket", "/run/smaf/sdp.sock", "unix socket of the trusted service")
	fs.String("http", "127.0.0.1:9464", "address of /metrics, /live and /ready; empty disables")
	fs.Int("workers", defaults.Workers, "connections served at once")
	fs.Int("max-sessions", defaults.MaxSessionsPerConn, "sessions per connection")
	fs.Int64("max-registered-bytes", defaults.MaxRegisteredBytes, "shared memory registered across connections, 0 for no bound")
	fs.Bool("lock-memory", false, "pin registered memory")
	fs.Duration("shutdown-timeout", defaults.ShutdownTimeout, "grace period for connections on shutdown")
	fs.String("device", "", `allocator device gating readiness: "mem", a driver path, or empty to skip`)
	fs.String("shm-path", "/dev/shm", "filesystem whose free space gates readiness; empty disables")
	fs.Uint64("shm-min-free", 64<<20, "free bytes required on shm-path")
	fs.Int("max-goroutines", 10000, "goroutines above which liveness fails; 0 disables")
	fs.Int("log-level", -1, "log level, 0 (trace) to 5 (silent); -1 keeps SMAF_LOG_LEVEL")
	fs.String("config", "", "config file; smaf.yaml in . or /etc/smaf when empty")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("SMAF")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("smaf")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/smaf")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	return &options{
		socket:             v.GetString("socket"),
		httpAddr:           v.GetString("http"),
		workers:            v.GetInt("workers"),
		maxSessions:        v.GetInt("max-sessions"),
		maxRegisteredBytes: v.GetInt64("max-registered-bytes"),
		lockMemory:         v.GetBool("lock-memory"),
		shutdownTimeout:    v.GetDuration("shutdown-timeout"),
		device:             v.GetString("device"),
		shmPath:            v.GetString("shm-path"),
		shmMinFree:         v.GetUint64("shm-min-free"),
		maxGoroutines:      v.GetInt("max-goroutines"),
		logLevel:           v.GetInt("log-level"),
	}, nil
}

func (o *options) trustedConfig(reg prometheus.Registerer) *trusted.Config {
	config := trusted.DefaultConfig()
	config.Workers = o.workers
	config.MaxSessionsPerConn = o.maxSessions
	config.MaxRegisteredBytes = o.maxRegisteredBytes
	config.LockMemory = o.lockMemory
	config.ShutdownTimeout = o.shutdownTimeout
	config.Registerer = reg
	return config
}

// healthOptions gates readiness on srv, on session when it is set, and on
// the shm filesystem.
func (o *options) healthOptions(reg prometheus.Registerer, srv health.Readier, session *smaf.Session) health.Options {
	return health.Options{
		Registerer:    reg,
		Namespace:     "sdpd",
		MaxGoroutines: o.maxGoroutines,
		Server:        srv,
		Session:       session,
		ShmPath:       o.shmPath,
		ShmMinFree:    o.shmMinFree,
	}
}

// openDevice opens the allocator session of --device, nil when unset.
func (o *options) openDevice(ctx context.Context, reg prometheus.Registerer, out io.Writer) (*smaf.Session, error) {
	if o.device == "" {
		return nil, nil
	}
	config := smaf.DefaultConfig()
	config.Registerer = reg
	config.LogOutput = out
	session, err := smaf.NewSession(smaf.DeviceOpener(o.device), config)
	if err != nil {
		return nil, err
	}
	if err := session.Open(ctx); err != nil {
		return nil, fmt.Errorf("open %s: %w", o.device, err)
	}
	return session, nil
}

// newHTTPHandler serves metrics from reg and the health checks of h.
func newHTTPHandler(reg *prometheus.Registry, h health.Options) http.Handler {
	checks := health.NewHandler(h)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/live", checks.LiveEndpoint)
	mux.HandleFunc("/ready", checks.ReadyEndpoint)
	return mux
}

func run(args []string, stderr io.Writer) int {
	opts, err := loadOptions(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, "sdpd:", err)
		return 2
	}
	if opts.logLevel >= 0 {
		logger.SetLevel(logger.Level(opts.logLevel))
	}
	log := logger.New("sdpd", stderr)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	srv, err := trusted.NewServer(opts.trustedConfig(reg), sdp.NewApplet())
	if err != nil {
		log.Errorf("%v", err)
		return 2
	}
	defer func() {
		if err := srv.Close(); err != nil {
			log.Warnf("close: %v", err)
		}
	}()

	session, err := opts.openDevice(context.Background(), reg, stderr)
	if err != nil {
		log.Errorf("allocator device: %v", err)
		return 1
	}
	if session != nil {
		defer session.Close()
	}

	l, err := transport.Listen(opts.socket)
	if err != nil {
		log.Errorf("listen %s: %v", opts.socket, err)
		return 1
	}
	log.Infof("serving %s on %s", sdp.AppletUUID, opts.socket)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 2)
	go func() { errc <- srv.Serve(l) }()

	var httpSrv *http.Server
	if opts.httpAddr != "" {
		httpSrv = &http.Server{
			Addr:              opts.httpAddr,
			Handler:           newHTTPHandler(reg, opts.healthOptions(reg, srv, session)),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("http: %w", err)
			}
		}()
		log.Infof("metrics and health on %s", opts.httpAddr)
	}

	code := 0
	select {
	case <-ctx.Done():
		log.Infof("shutting down")
	case err := <-errc:
		log.Errorf("%v", err)
		code = 1
	}
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warnf("http shutdown: %v", err)
		}
	}
	return code
}
