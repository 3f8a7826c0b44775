// Command flowprobe is a diagnostic client for data-flow pipelines.
//
// It assembles a pipeline from a transport stage (TCP or WebSocket) and an
// optional tunnel stage (TLS or AEAD), connects it to a target, sends a
// payload and prints whatever the remote answers. It is the quickest way
// to check whether a pipeline deployment accepts connections, which tunnel
// configuration it expects, and what its handshake looks like on the wire.
//
// Usage:
//
//	flowprobe [flags] -target host:port
//
// Flags:
//
//	-target string       Remote endpoint as host:port
//	-transport string    Transport stage: tcp, ws (default "tcp")
//	-ws-path string      WebSocket request path (default "/")
//	-tunnel string       Tunnel stage: tls, aead, plain (default "tls")
//	-server-name string  TLS server name (defaults to the target host)
//	-insecure            Skip TLS certificate verification
//	-ca string           PEM file with root CAs for TLS verification
//	-psk string          Pre-shared key for the aead tunnel
//	-payload string      Data to send after connecting ("-" reads stdin)
//	-timeout duration    Per-operation timeout, 0 disables (default 30s)
//	-redial              Redial with backoff after connection loss
//	-interactive         Drive the pipeline from an interactive prompt
//	-log-cbor string     Append binary event records to this file
//	-v                   Log pipeline events to the console
//	-config string       YAML configuration file
//
// Examples:
//
//	# TLS probe against an HTTPS endpoint
//	flowprobe -target example.com:443 -payload $'GET / HTTP/1.0\r\n\r\n'
//
//	# AEAD tunnel over a WebSocket transport
//	flowprobe -target relay.local:9000 -transport ws -tunnel aead -psk secret
//
//	# Interactive session with event capture for flowevents
//	flowprobe -target 127.0.0.1:9000 -tunnel plain -interactive -log-cbor probe.flog
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowkit-net/flowkit-go/cmd/flowprobe/interactive"
	"github.com/flowkit-net/flowkit-go/pkg/flow"
	flowlog "github.com/flowkit-net/flowkit-go/pkg/log"
	"github.com/flowkit-net/flowkit-go/pkg/redial"
	"github.com/flowkit-net/flowkit-go/pkg/runloop"
	"github.com/flowkit-net/flowkit-go/pkg/session"
	"github.com/flowkit-net/flowkit-go/pkg/tcpflow"
	"github.com/flowkit-net/flowkit-go/pkg/tunnel"
	"github.com/flowkit-net/flowkit-go/pkg/tunnelflow"
	"github.com/flowkit-net/flowkit-go/pkg/version"
	"github.com/flowkit-net/flowkit-go/pkg/wsflow"
)

// Config holds the probe configuration. A -config file fills in whatever
// the command line left at its default.
type Config struct {
	Target     string
	Transport  string
	WSPath     string
	Tunnel     string
	ServerName string
	Insecure   bool
	CAFile     string
	PSK        string
	Payload    string
	Timeout    time.Duration

	Redial      bool
	Interactive bool
	LogCBOR     string
	Verbose     bool

	ConfigFile string
}

var (
	config Config

	// interrupted is closed on the first SIGINT or SIGTERM; every pending
	// wait observes it.
	interrupted = make(chan struct{})

	errInterrupted = errors.New("interrupted")
)

func init() {
	flag.StringVar(&config.Target, "target", "", "Remote endpoint as host:port")
	flag.StringVar(&config.Transport, "transport", "tcp", "Transport stage: tcp, ws")
	flag.StringVar(&config.WSPath, "ws-path", "/", "WebSocket request path")
	flag.StringVar(&config.Tunnel, "tunnel", "tls", "Tunnel stage: tls, aead, plain")
	flag.StringVar(&config.ServerName, "server-name", "", "TLS server name (defaults to the target host)")
	flag.BoolVar(&config.Insecure, "insecure", false, "Skip TLS certificate verification")
	flag.StringVar(&config.CAFile, "ca", "", "PEM file with root CAs for TLS verification")
	flag.StringVar(&config.PSK, "psk", "", "Pre-shared key for the aead tunnel")
	flag.StringVar(&config.Payload, "payload", "", `Data to send after connecting ("-" reads stdin)`)
	flag.DurationVar(&config.Timeout, "timeout", 30*time.Second, "Per-operation timeout, 0 disables")
	flag.BoolVar(&config.Redial, "redial", false, "Redial with backoff after connection loss")
	flag.BoolVar(&config.Interactive, "interactive", false, "Drive the pipeline from an interactive prompt")
	flag.StringVar(&config.LogCBOR, "log-cbor", "", "Append binary event records to this file")
	flag.BoolVar(&config.Verbose, "v", false, "Log pipeline events to the console")
	flag.StringVar(&config.ConfigFile, "config", "", "YAML configuration file")
}

func main() {
	flag.Parse()
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	if config.ConfigFile != "" {
		flagsSet := make(map[string]bool)
		flag.Visit(func(f *flag.Flag) { flagsSet[f.Name] = true })
		if err := loadConfigFile(config.ConfigFile, &config, flagsSet); err != nil {
			log.Fatalf("Config file: %v", err)
		}
	}

	if err := validateConfig(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	payload, err := resolvePayload()
	if err != nil {
		log.Fatalf("Payload: %v", err)
	}

	events, closeEvents, err := buildEventLogger()
	if err != nil {
		log.Fatalf("Event logger: %v", err)
	}
	defer closeEvents()

	loop := runloop.New()
	go loop.Run()
	defer loop.Stop()

	if config.Interactive {
		// The prompt owns ^C; a signal handler would fight readline.
		runInteractive(loop, events)
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal: %v", sig)
		close(interrupted)
	}()

	log.Printf("flowprobe %s -> %s (transport %s, tunnel %s)",
		version.Version, config.Target, config.Transport, config.Tunnel)

	if config.Redial {
		runWithRedial(loop, events, payload)
		return
	}

	if err := runOnce(loop, events, payload); err != nil {
		closeEvents()
		log.Fatalf("Probe failed: %v", err)
	}
}

func validateConfig() error {
	if config.Target == "" && !config.Interactive {
		return fmt.Errorf("-target is required")
	}
	switch config.Transport {
	case "tcp", "ws":
	default:
		return fmt.Errorf("unknown transport %q (want tcp or ws)", config.Transport)
	}
	switch config.Tunnel {
	case "tls", "aead", "plain":
	default:
		return fmt.Errorf("unknown tunnel %q (want tls, aead or plain)", config.Tunnel)
	}
	if config.Tunnel == "aead" && config.PSK == "" {
		return fmt.Errorf("-psk is required for the aead tunnel")
	}
	return nil
}

// resolvePayload returns the bytes to send after connecting. "-" reads
// stdin to EOF, once, so redial sessions all send the same payload.
func resolvePayload() ([]byte, error) {
	if config.Payload == "" {
		return nil, nil
	}
	if config.Payload == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	return []byte(config.Payload), nil
}

// buildEventLogger assembles the pipeline event logger the flags ask for:
// a CBOR file for -log-cbor, console slog output for -v, both behind a
// MultiLogger, or a no-op.
func buildEventLogger() (flowlog.Logger, func(), error) {
	var loggers []flowlog.Logger
	closeFn := func() {}

	if config.LogCBOR != "" {
		fl, err := flowlog.NewFileLogger(config.LogCBOR)
		if err != nil {
			return nil, nil, err
		}
		loggers = append(loggers, fl)
		closeFn = func() { fl.Close() }
	}
	if config.Verbose {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
		loggers = append(loggers, flowlog.NewSlogAdapter(slog.New(handler)))
	}

	switch len(loggers) {
	case 0:
		return flowlog.NoopLogger{}, closeFn, nil
	case 1:
		return loggers[0], closeFn, nil
	default:
		return flowlog.NewMultiLogger(loggers...), closeFn, nil
	}
}

// buildPipeline assembles the stages the flags describe, bottom to top:
// a transport stage and, unless the tunnel is "plain", a tunnel stage
// over it. Flows are single-use; every connect needs a fresh pipeline.
func buildPipeline(loop *runloop.Runloop, events flowlog.Logger) (flow.RemoteFlow, error) {
	var transport flow.RemoteFlow
	switch config.Transport {
	case "tcp":
		transport = tcpflow.New(loop, tcpflow.Config{
			DialTimeout: config.Timeout,
			Logger:      events,
		})
	case "ws":
		transport = wsflow.New(loop, wsflow.Config{
			Path:        config.WSPath,
			DialTimeout: config.Timeout,
			Logger:      events,
		})
	default:
		return nil, fmt.Errorf("unknown transport: %s", config.Transport)
	}

	switch config.Tunnel {
	case "plain":
		return transport, nil
	case "tls":
		tlsConf, err := buildTLSConfig()
		if err != nil {
			return nil, err
		}
		tun := tunnelflow.NewTLS(tlsConf, transport)
		tun.SetLogger(events)
		return tun, nil
	case "aead":
		eng, err := tunnel.NewAEAD(tunnel.AEADConfig{PSK: []byte(config.PSK)}, tunnel.ModeClient)
		if err != nil {
			return nil, err
		}
		tun := tunnelflow.New(eng, transport)
		tun.SetLogger(events)
		return tun, nil
	default:
		return nil, fmt.Errorf("unknown tunnel: %s", config.Tunnel)
	}
}

// buildTLSConfig assembles the client TLS config for the tunnel stage
// from the -server-name, -insecure and -ca flags.
func buildTLSConfig() (*tls.Config, error) {
	cfg := &tunnel.TLSConfig{
		ServerName:         config.ServerName,
		InsecureSkipVerify: config.Insecure,
	}
	if config.CAFile != "" {
		pem, err := os.ReadFile(config.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", config.CAFile)
		}
		cfg.RootCAs = pool
	}
	return tunnel.NewClientTLSConfig(cfg)
}

// runOnce connects the pipeline, sends the payload and prints everything
// the remote answers until the flow ends.
func runOnce(loop *runloop.Runloop, events flowlog.Logger, payload []byte) error {
	ep, err := session.ParseEndpoint(config.Target)
	if err != nil {
		return err
	}

	fl, err := buildPipeline(loop, events)
	if err != nil {
		return err
	}
	defer loop.Do(func() { fl.Close() })

	if err := connectFlow(loop, fl, ep); err != nil {
		return fmt.Errorf("connect %s: %w", ep, err)
	}
	log.Printf("Connected to %s (session %s)", ep, fl.Session().ID)

	if len(payload) > 0 {
		if err := writeFlow(loop, fl, payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
		log.Printf("Sent %d bytes", len(payload))
	}

	total := 0
	for {
		data, err := readFlow(loop, fl, config.Timeout)
		switch {
		case err == nil:
			total += len(data)
			os.Stdout.Write(data)
		case errors.Is(err, io.EOF):
			log.Printf("Remote closed the connection after %d bytes", total)
			return nil
		case errors.Is(err, errInterrupted):
			log.Printf("Interrupted after %d bytes", total)
			return nil
		default:
			return fmt.Errorf("read: %w", err)
		}
	}
}

// runWithRedial keeps a pipeline alive: every loss is reported to a
// redial manager, which rebuilds and reconnects with backoff. The first
// connect must still succeed; only established pipelines are redialed.
func runWithRedial(loop *runloop.Runloop, events flowlog.Logger, payload []byte) {
	ep, err := session.ParseEndpoint(config.Target)
	if err != nil {
		log.Fatalf("Invalid target: %v", err)
	}

	var mgr *redial.Manager
	connectFn := func(ctx context.Context) error {
		fl, err := buildPipeline(loop, events)
		if err != nil {
			return err
		}
		done := make(chan error, 1)
		loop.Do(func() { fl.Connect(ep, func(cerr error) { done <- cerr }) })
		select {
		case cerr := <-done:
			if cerr != nil {
				loop.Do(func() { fl.Close() })
				return cerr
			}
		case <-ctx.Done():
			loop.Do(func() { fl.Close() })
			return ctx.Err()
		}
		go probeSession(loop, fl, payload, mgr)
		return nil
	}

	mgr = redial.NewManager(connectFn, redial.ManagerConfig{AttemptTimeout: config.Timeout})
	defer mgr.Close()

	mgr.OnConnected(func() { log.Printf("Connected to %s", ep) })
	mgr.OnConnectionLost(func() { log.Println("Connection lost") })
	mgr.OnRedialing(func(attempt int, delay time.Duration) {
		log.Printf("Redial attempt %d in %v", attempt, delay)
	})

	if err := mgr.Connect(context.Background()); err != nil {
		log.Fatalf("Connect %s: %v", ep, err)
	}

	<-interrupted
}

// probeSession drives one established pipeline: it sends the payload,
// prints whatever arrives, and reports the loss when the flow dies so the
// manager can redial.
func probeSession(loop *runloop.Runloop, fl flow.RemoteFlow, payload []byte, mgr *redial.Manager) {
	defer func() {
		loop.Do(func() { fl.Close() })
		mgr.ConnectionLost()
	}()

	if len(payload) > 0 {
		if err := writeFlow(loop, fl, payload); err != nil {
			if !errors.Is(err, errInterrupted) {
				log.Printf("Write failed: %v", err)
			}
			return
		}
		log.Printf("Sent %d bytes", len(payload))
	}

	for {
		data, err := readFlow(loop, fl, 0)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				log.Println("Remote closed the connection")
			case errors.Is(err, errInterrupted):
			default:
				log.Printf("Read failed: %v", err)
			}
			return
		}
		os.Stdout.Write(data)
	}
}

// runInteractive hands the pipeline to the readline prompt.
func runInteractive(loop *runloop.Runloop, events flowlog.Logger) {
	var target *session.Endpoint
	if config.Target != "" {
		ep, err := session.ParseEndpoint(config.Target)
		if err != nil {
			log.Fatalf("Invalid target: %v", err)
		}
		target = ep
	}

	probe, err := interactive.New(interactive.Config{
		Target:  target,
		Build:   func() (flow.RemoteFlow, error) { return buildPipeline(loop, events) },
		Loop:    loop,
		Timeout: config.Timeout,
	})
	if err != nil {
		log.Fatalf("Interactive prompt: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	probe.Run(ctx, cancel)
}

// connectFlow bridges the asynchronous Connect onto this goroutine.
func connectFlow(loop *runloop.Runloop, fl flow.RemoteFlow, ep *session.Endpoint) error {
	done := make(chan error, 1)
	loop.Do(func() { fl.Connect(ep, func(err error) { done <- err }) })
	return awaitEvent(done, "connect")
}

// writeFlow bridges the asynchronous Write onto this goroutine.
func writeFlow(loop *runloop.Runloop, fl flow.RemoteFlow, data []byte) error {
	done := make(chan error, 1)
	loop.Do(func() { fl.Write(data, func(err error) { done <- err }) })
	return awaitEvent(done, "write")
}

// readFlow bridges one asynchronous Read onto this goroutine. A zero
// timeout waits until the flow delivers or dies.
func readFlow(loop *runloop.Runloop, fl flow.RemoteFlow, timeout time.Duration) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	loop.Do(func() {
		fl.Read(func(data []byte, err error) { done <- result{data, err} })
	})

	var expire <-chan time.Time
	if timeout > 0 {
		expire = time.After(timeout)
	}
	select {
	case res := <-done:
		return res.data, res.err
	case <-interrupted:
		return nil, errInterrupted
	case <-expire:
		return nil, fmt.Errorf("read timed out after %v", timeout)
	}
}

func awaitEvent(done <-chan error, op string) error {
	var expire <-chan time.Time
	if config.Timeout > 0 {
		expire = time.After(config.Timeout)
	}
	select {
	case err := <-done:
		return err
	case <-interrupted:
		return errInterrupted
	case <-expire:
		return fmt.Errorf("%s timed out after %v", op, config.Timeout)
	}
}
