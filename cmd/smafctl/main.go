//go:build linux

// Command smafctl checks an allocator device and a trusted service end to
// end: buffer creation, allocator discovery, secure flag enforcement and
// the secure data path. It exits with the number of failed checks.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/srediag/plugin-smaf/internal/logger"
	"github.com/srediag/plugin-smaf/pkg/sdp"
	"github.com/srediag/plugin-smaf/pkg/smaf"
	"github.com/srediag/plugin-smaf/pkg/transport"
	"github.com/srediag/plugin-smaf/pkg/trusted"
)

type options struct {
	device     string
	socket     string
	length     int
	iterations int
	only       []string
	logLevel   int
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func loadOptions(args []string, stderr io.Writer) (*options, error) {
	fs := pflag.NewFlagSet("smafctl", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.String("device", "mem", `allocator device path, or "mem" for the in-process memory device`)
	fs.String("socket", "", "trusted service socket; empty serves the SDP applet in-process")
	fs.Int("length", 16*1024, "buffer length used by the creation checks")
	fs.Int("iterations", 1000, "secure data path iterations")
	fs.StringSlice("run", nil, "checks to run, all when empty")
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

	opts := &options{
		device:     v.GetString("device"),
		socket:     v.GetString("socket"),
		length:     v.GetInt("length"),
		iterations: v.GetInt("iterations"),
		only:       v.GetStringSlice("run"),
		logLevel:   v.GetInt("log-level"),
	}
	if opts.length <= 0 {
		return nil, fmt.Errorf("length must be positive, got %d", opts.length)
	}
	if opts.iterations < 0 {
		return nil, fmt.Errorf("iterations must not be negative, got %d", opts.iterations)
	}
	return opts, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := loadOptions(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, "smafctl:", err)
		return 2
	}
	if opts.logLevel >= 0 {
		logger.SetLevel(logger.Level(opts.logLevel))
	}
	log := logger.New("smafctl", stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := smaf.NewSession(smaf.DeviceOpener(opts.device), nil)
	if err != nil {
		fmt.Fprintln(stderr, "smafctl:", err)
		return 2
	}
	if err := session.Open(ctx); err != nil {
		fmt.Fprintf(stderr, "smafctl: can't open %s: %v\n", opts.device, err)
		return 2
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Warnf("close session: %v", err)
		}
	}()

	var dial transport.Dialer
	if opts.socket != "" {
		dial = transport.UnixDialer(opts.socket)
	} else {
		srv, err := trusted.NewServer(nil, sdp.NewApplet())
		if err != nil {
			fmt.Fprintln(stderr, "smafctl:", err)
			return 2
		}
		defer srv.Close()
		dial = transport.PipeDialer(srv.ServeConn)
	}

	h := &harness{
		session:    session,
		dial:       dial,
		sdp:        sdp.DefaultConfig(),
		length:     opts.length,
		iterations: opts.iterations,
		out:        stdout,
	}
	return h.run(ctx, opts.only)
}
