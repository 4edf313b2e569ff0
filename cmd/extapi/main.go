package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/vektah/gqlparser/v2/ast"
	"golang.org/x/sync/errgroup"

	"github.com/fermi-ad/extapi-acsys/internal/alarms"
	"github.com/fermi-ad/extapi-acsys/internal/config"
	"github.com/fermi-ad/extapi-acsys/internal/eventbus"
	"github.com/fermi-ad/extapi-acsys/internal/executor"
	"github.com/fermi-ad/extapi-acsys/internal/grpcrt"
	"github.com/fermi-ad/extapi-acsys/internal/grpctp"
	"github.com/fermi-ad/extapi-acsys/internal/introspection"
	"github.com/fermi-ad/extapi-acsys/internal/logging"
	"github.com/fermi-ad/extapi-acsys/internal/metrics"
	"github.com/fermi-ad/extapi-acsys/internal/otel"
	"github.com/fermi-ad/extapi-acsys/internal/protoreg"
	"github.com/fermi-ad/extapi-acsys/internal/schema"
	"github.com/fermi-ad/extapi-acsys/internal/server"
	"github.com/fermi-ad/extapi-acsys/internal/subscription"
)

const rootUsage = `extapi: GraphQL gateway for the ACSys control system

USAGE:
  extapi <command> [flags]

COMMANDS:
  serve            Run the GraphQL gateway in front of the ACSys gRPC services
  schema           Print the GraphQL schema served by the gateway
  protos           Write the backend contracts as .proto files
  help             Show help for any command
`

const serveUsage = `serve FLAGS:
  -config <file>                      YAML configuration file
  -server.addr <addr>                 HTTP listen address (default: :8000, env GRAPHQL_PORT)
  -server.path <path>                 GraphQL endpoint; <path>/s serves the same (default: /acsys)
  -server.timeout <duration>          Per-request timeout (default: 10s)
  -server.pretty                      Pretty-print JSON responses
  -server.max-body-bytes N            Request body limit (default: unlimited)
  -server.cors-origin <origin>        Allowed CORS origin. Repeatable (default: *)
  -server.cors-header <name>          Allowed CORS request header. Repeatable
  -server.metadata-header <name>      Forward HTTP header to gRPC metadata. Repeatable
  -server.keepalive <duration>        graphql-ws keepalive interval (default: 4s)
  -server.message-rate N              Websocket messages per second per connection (default: 100)
  -server.message-burst N             Websocket message burst (default: 10)
  -graphql.introspection <bool>       Enable GraphQL introspection (default: true)
  -graphql.validate <bool>            Validate operations against the schema (default: true)
  -backend.<name> <host:port>         Address of clock, devdb, dpm, scanner or tlg
                                      (env <NAME>_GRPC_HOST / <NAME>_GRPC_PORT)
  -transport.rpc-timeout <duration>   Unary RPC timeout (default: 3s)
  -transport.connect-timeout <dur>    Minimum connection attempt timeout (default: 20s)
  -transport.max-failures N           Failed attempts before Unavailable (default: 5)
  -transport.backoff-base <duration>  First reconnect delay (default: 1s)
  -transport.backoff-max <duration>   Maximum reconnect delay (default: 30s)
  -alarms.url <url>                   NATS URL of the alarm log (env NATS_URL; empty disables)
  -alarms.stream <name>               JetStream stream (default: ACSYS, env ALARMS_STREAM)
  -alarms.subjects <filter>           Alarm subjects (default: alarms.>)
  -alarms.window N                    Redelivery dedup window (default: 1024)
  -subscription.all-or-nothing        Close every field of a subscription when one fails
  -subscription.max-lifetime <dur>    Maximum subscription lifetime (default: unbounded)
  -subscription.buffer N              Emissions buffered per subscription (default: 16)
  -log.level <level>                  debug, info, warn or error (default: info, env LOG_LEVEL)
  -log.format <format>                json or text (default: json, env LOG_FORMAT)
  -otel.endpoint <addr>               OTLP collector endpoint
  -otel.service <name>                OpenTelemetry service name (default: extapi-acsys)
`

const schemaUsage = `schema FLAGS:
  -out <file>              Write the SDL to file (default: stdout)
`

const protosUsage = `protos FLAGS:
  -out <dir>               Output directory for the .proto files (required)
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := args[0]
	cmdArgs := args[1:]
	switch cmd {
	case "serve":
		return cmdServe(cmdArgs)
	case "schema":
		return cmdSchema(cmdArgs)
	case "protos":
		return cmdProtos(cmdArgs)
	case "help", "-h", "-help", "--help":
		return cmdHelp(cmdArgs)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		fmt.Print(rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Print(serveUsage)
	case "schema":
		fmt.Print(schemaUsage)
	case "protos":
		fmt.Print(protosUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

func cmdServe(args []string) error {
	cfg, _, err := config.Load(args, os.Getenv)
	if err != nil {
		fmt.Fprint(os.Stderr, serveUsage)
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	eventbus.Use(eventbus.New())
	defer logging.Register(logger)()
	m := metrics.New()
	defer m.Register()()
	shutdown, err := otel.Setup(cfg.Otel.Endpoint, cfg.Otel.Service)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := protoreg.Default()
	sch, src, err := grpcrt.Schema(reg)
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}

	pool, err := grpctp.New(cfg.Targets(),
		grpctp.WithRPCTimeout(cfg.Transport.RPCTimeout),
		grpctp.WithMinConnectTimeout(cfg.Transport.MinConnectTimeout),
		grpctp.WithMaxFailures(cfg.Transport.MaxFailures),
		grpctp.WithBackoff(cfg.Transport.BackoffBase, 1.6, 0.2, cfg.Transport.BackoffMax),
		grpctp.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("backend pool: %w", err)
	}
	defer func() { _ = pool.Close() }()

	rtOpts := []grpcrt.Option{
		grpcrt.WithRegistry(reg),
		grpcrt.WithStatus(pool.Status),
		grpcrt.WithLogger(logger),
	}
	if cfg.Alarms.URL != "" {
		adapter, closeAlarms, err := openAlarms(cfg.Alarms, logger)
		if err != nil {
			return err
		}
		defer closeAlarms()
		rtOpts = append(rtOpts, grpcrt.WithAlarms(adapter))
	}
	rt := grpcrt.NewRuntime(grpcrt.PoolTransport(pool), rtOpts...)

	var runtime executor.Runtime = rt
	if cfg.GraphQL.Introspection {
		runtime, sch = introspection.Wrap(rt, sch)
	}

	h, err := server.New(runtime, sch, serverOptions(cfg, logger, rt, src)...)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: server.Mux{
			Path:    cfg.Server.Path,
			GraphQL: h,
			Ready:   pool.Ready,
			Metrics: m.Handler(),
		}.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("GraphQL server listening", "addr", cfg.Server.Addr, "path", cfg.Server.Path)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := pool.WaitReady(gctx); err == nil {
			logger.Info("all backends connected")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func serverOptions(cfg config.Config, logger *slog.Logger, opener subscription.Opener, src *ast.Schema) []server.Option {
	subOpts := []subscription.Option{
		subscription.WithBuffer(cfg.Subscription.Buffer),
		subscription.WithMaxLifetime(cfg.Subscription.MaxLifetime),
	}
	if cfg.Subscription.AllOrNothing {
		subOpts = append(subOpts, subscription.WithPolicy(subscription.AllOrNothing))
	}
	opts := []server.Option{
		server.WithTimeout(cfg.Server.Timeout),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		server.WithCORS(cfg.Server.CORSOrigins...),
		server.WithCORSHeaders(cfg.Server.CORSHeaders...),
		server.WithMetadataHeaders(cfg.Server.MetadataHeaders...),
		server.WithKeepAlive(cfg.Server.KeepAlive),
		server.WithMessageRate(cfg.Server.MessageRate, cfg.Server.MessageBurst),
		server.WithSubscriptions(opener, subOpts...),
		server.WithLogger(logger),
	}
	if cfg.Server.Pretty {
		opts = append(opts, server.WithPretty())
	}
	if cfg.GraphQL.Validate {
		opts = append(opts, server.WithValidation(src))
	}
	return opts
}

// openAlarms connects to the JetStream alarm log.
func openAlarms(cfg config.Alarms, logger *slog.Logger) (*alarms.Adapter, func(), error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("extapi-acsys"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("alarm broker disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("alarm broker reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("alarms: connect %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("alarms: %w", err)
	}
	adapter := alarms.New(alarms.NewJetStreamLog(js, cfg.Stream, cfg.Subjects),
		alarms.WithStream(cfg.Stream),
		alarms.WithSubjects(cfg.Subjects),
		alarms.WithWindow(cfg.Window),
		alarms.WithLogger(logger),
	)
	return adapter, func() { _ = nc.Drain() }, nil
}

func cmdSchema(args []string) error {
	outFile := ""
	fs := flag.NewFlagSet("schema", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&outFile, "out", outFile, "Write the SDL to file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, schemaUsage)
		return err
	}

	_, src, err := grpcrt.Schema(protoreg.Default())
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	sdl := schema.Render(src)
	if outFile == "" {
		fmt.Print(sdl)
		return nil
	}
	return os.WriteFile(outFile, []byte(sdl), 0644)
}

func cmdProtos(args []string) error {
	outDir := ""
	fs := flag.NewFlagSet("protos", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&outDir, "out", outDir, "Output directory for the .proto files")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, protosUsage)
		return err
	}
	if outDir == "" {
		fmt.Fprint(os.Stderr, protosUsage)
		return fmt.Errorf("-out is required")
	}
	if err := protoreg.Render(protoreg.Default(), outDir); err != nil {
		return fmt.Errorf("render proto: %w", err)
	}
	return nil
}
