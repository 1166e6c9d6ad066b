package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/moltworks/moltgate/client"
	"github.com/moltworks/moltgate/config"
	"github.com/moltworks/moltgate/gateway"
	"github.com/moltworks/moltgate/proxy"
	"github.com/moltworks/moltgate/sandbox"
	"github.com/moltworks/moltgate/sandbox/docker"
	"github.com/moltworks/moltgate/sandbox/local"
	"github.com/moltworks/moltgate/server"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "moltgate",
		Usage: "supervises a Molt gateway process and proxies chat traffic to it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the HTTP server to listen on.",
				Value:   "0.0.0.0:8080",
				EnvVars: []string{"MOLTGATE_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level. One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"MOLTGATE_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "sandbox",
				Usage:   "Where to run the gateway. One of [local,docker].",
				Value:   "local",
				EnvVars: []string{"MOLTGATE_SANDBOX"},
			},
			&cli.StringFlag{
				Name:    "container-name",
				Usage:   "Name of the container to run the gateway in (docker sandbox only).",
				EnvVars: []string{"MOLTGATE_CONTAINER_NAME"},
			},
			&cli.StringFlag{
				Name:    "image",
				Usage:   "Image for the gateway container (docker sandbox only).",
				EnvVars: []string{"MOLTGATE_IMAGE"},
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a moltgate.yaml. Defaults to searching upward from the working directory.",
				EnvVars: []string{"MOLTGATE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "short-probe-timeout",
				Usage:   "Duration to wait for an existing gateway to accept connections.",
				Value:   "30s",
				EnvVars: []string{"MOLTGATE_SHORT_PROBE_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    "long-probe-timeout",
				Usage:   "Duration to wait for a freshly launched gateway to accept connections.",
				Value:   "2m",
				EnvVars: []string{"MOLTGATE_LONG_PROBE_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    "tls-cert",
				Usage:   "Path to a TLS cert PEM file. Enables TLS serving; status and logs trust it.",
				EnvVars: []string{"MOLTGATE_TLS_CERT"},
			},
			&cli.StringFlag{
				Name:    "tls-key",
				Usage:   "Path to a TLS key PEM file.",
				EnvVars: []string{"MOLTGATE_TLS_KEY"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the supervisor and proxy. This is the default when no command is given.",
				Action: serveAction,
			},
			{
				Name:   "status",
				Usage:  "Print the supervisor's view of the gateway as JSON.",
				Action: statusAction,
			},
			{
				Name:  "logs",
				Usage: "Print the gateway's captured output.",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "follow",
						Aliases: []string{"f"},
						Usage:   "Keep the connection open and stream new output.",
					},
				},
				Action: logsAction,
			},
		},
		Action: serveAction,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func buildLogger(level string) (*zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.Sugar(), nil
}

func serveAction(cctx *cli.Context) error {
	logger, err := buildLogger(cctx.String("log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	shortProbe, err := time.ParseDuration(cctx.String("short-probe-timeout"))
	if err != nil {
		return fmt.Errorf("parsing short probe timeout: %w", err)
	}
	longProbe, err := time.ParseDuration(cctx.String("long-probe-timeout"))
	if err != nil {
		return fmt.Errorf("parsing long probe timeout: %w", err)
	}

	secrets, err := config.Load(cctx.String("config"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if missing := secrets.MissingCredential(); missing != "" {
		logger.Warnf("%s is not set, gateway launches are likely to fail", missing)
	}

	env, err := buildEnvironment(cctx, logger)
	if err != nil {
		return err
	}

	metrics := gateway.NewMetrics("")
	supervisor, err := gateway.New(env,
		gateway.WithLogger(logger),
		gateway.WithSecrets(secrets),
		gateway.WithProbeTimeouts(shortProbe, longProbe),
		gateway.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("building supervisor: %w", err)
	}

	p, err := proxy.New(supervisor,
		proxy.WithLogger(logger),
		proxy.WithRegistry(metrics.Registry()),
	)
	if err != nil {
		return fmt.Errorf("building proxy: %w", err)
	}

	srvOpts := []server.Option{
		server.WithLogger(logger),
		server.WithListenAddr(cctx.String("listen-addr")),
		server.WithRegistry(metrics.Registry()),
	}
	certFile, keyFile := cctx.String("tls-cert"), cctx.String("tls-key")
	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			return errors.New("tls-cert and tls-key must be set together")
		}
		srvOpts = append(srvOpts, server.WithTLS(certFile, keyFile))
	}

	srv, err := server.New(supervisor, p, srvOpts...)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infof("received %s, shutting down", sig)
		srv.Stop()
	}()

	return srv.Run()
}

func buildEnvironment(cctx *cli.Context, logger *zap.SugaredLogger) (sandbox.Environment, error) {
	switch driver := cctx.String("sandbox"); driver {
	case "local":
		env, err := local.NewEnvironment(local.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("building local environment: %w", err)
		}
		return env, nil
	case "docker":
		env, err := docker.NewEnvironment()
		if err != nil {
			return nil, fmt.Errorf("building docker environment: %w", err)
		}
		env = env.WithLogger(logger).WithPublishPorts(gateway.Port)
		if name := cctx.String("container-name"); name != "" {
			env = env.WithContainerName(name)
		}
		if img := cctx.String("image"); img != "" {
			env = env.WithBaseImage(img)
		}
		return env, nil
	default:
		return nil, fmt.Errorf("unsupported sandbox %q", driver)
	}
}

// controlClient builds a client for talking to a running moltgate server,
// derived from the same flags serve listens with.
func controlClient(cctx *cli.Context) (*client.Client, error) {
	logger, err := buildLogger(cctx.String("log-level"))
	if err != nil {
		return nil, err
	}

	host, port, err := net.SplitHostPort(cctx.String("listen-addr"))
	if err != nil {
		return nil, fmt.Errorf("parsing listen address: %w", err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}

	opts := []client.Option{client.WithLogger(logger.Desugar())}
	if certFile := cctx.String("tls-cert"); certFile != "" {
		pem, err := os.ReadFile(certFile)
		if err != nil {
			return nil, fmt.Errorf("reading TLS cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certs found in %s", certFile)
		}
		opts = append(opts, client.WithTLSClientConfig(&tls.Config{RootCAs: pool}))
	}

	return client.New(net.JoinHostPort(host, port), opts...)
}

func statusAction(cctx *cli.Context) error {
	c, err := controlClient(cctx)
	if err != nil {
		return err
	}

	rep, err := c.Health(cctx.Context)
	if err != nil {
		return fmt.Errorf("fetching status: %w", err)
	}

	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func logsAction(cctx *cli.Context) error {
	c, err := controlClient(cctx)
	if err != nil {
		return err
	}

	if !cctx.Bool("follow") {
		logs, err := c.Logs(cctx.Context)
		if err != nil {
			return fmt.Errorf("fetching logs: %w", err)
		}
		fmt.Print(logs.Stdout)
		fmt.Fprint(os.Stderr, logs.Stderr)
		return nil
	}

	ctx, cancel := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ch, err := c.FollowLogs(ctx)
	if err != nil {
		return fmt.Errorf("opening log stream: %w", err)
	}
	for msg := range ch {
		if len(msg.Stdout) > 0 {
			os.Stdout.Write(msg.Stdout)
		}
		if len(msg.Stderr) > 0 {
			os.Stderr.Write(msg.Stderr)
		}
		if msg.Error != "" {
			return fmt.Errorf("log stream: %s", msg.Error)
		}
	}
	return nil
}
