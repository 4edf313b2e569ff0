// Package config resolves the gateway settings. Command-line flags win over
// environment variables, which win over the YAML file named by -config,
// which wins over the built-in defaults.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fermi-ad/extapi-acsys/internal/grpctp"
)

type Config struct {
	Server       Server            `yaml:"server"`
	GraphQL      GraphQL           `yaml:"graphql"`
	Backends     map[string]string `yaml:"backends"`
	Transport    Transport         `yaml:"transport"`
	Alarms       Alarms            `yaml:"alarms"`
	Subscription Subscription      `yaml:"subscription"`
	Log          Log               `yaml:"log"`
	Otel         Otel              `yaml:"otel"`
}

type Server struct {
	Addr            string        `yaml:"addr"`
	Path            string        `yaml:"path"`
	Timeout         time.Duration `yaml:"timeout"`
	Pretty          bool          `yaml:"pretty"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	CORSHeaders     []string      `yaml:"cors_headers"`
	MetadataHeaders []string      `yaml:"metadata_headers"`
	KeepAlive       time.Duration `yaml:"keepalive"`
	MessageRate     float64       `yaml:"message_rate"`
	MessageBurst    int           `yaml:"message_burst"`
}

type GraphQL struct {
	Introspection bool `yaml:"introspection"`
	Validate      bool `yaml:"validate"`
}

type Transport struct {
	RPCTimeout        time.Duration `yaml:"rpc_timeout"`
	MinConnectTimeout time.Duration `yaml:"min_connect_timeout"`
	MaxFailures       int           `yaml:"max_failures"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// Alarms configures the JetStream alarm log. An empty URL disables alarms.
type Alarms struct {
	URL      string `yaml:"url"`
	Stream   string `yaml:"stream"`
	Subjects string `yaml:"subjects"`
	Window   int    `yaml:"window"`
}

type Subscription struct {
	AllOrNothing bool          `yaml:"all_or_nothing"`
	MaxLifetime  time.Duration `yaml:"max_lifetime"`
	Buffer       int           `yaml:"buffer"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Otel struct {
	Endpoint string `yaml:"endpoint"`
	Service  string `yaml:"service"`
}

// Default returns the settings of the control-room deployment.
func Default() Config {
	return Config{
		Server: Server{
			Addr:         ":8000",
			Path:         "/acsys",
			Timeout:      10 * time.Second,
			CORSOrigins:  []string{"*"},
			CORSHeaders:  []string{"authorization", "content-type", "sec-websocket-protocol"},
			KeepAlive:    4 * time.Second,
			MessageRate:  100,
			MessageBurst: 10,
		},
		GraphQL: GraphQL{Introspection: true, Validate: true},
		Backends: map[string]string{
			string(grpctp.Clock):   "clx76.fnal.gov:6803",
			string(grpctp.DevDB):   "10.200.24.105:6802",
			string(grpctp.DPM):     "dce09.fnal.gov:50051",
			string(grpctp.Scanner): "unknown.fnal.gov:50051",
			string(grpctp.TLG):     "10.200.24.116:9090",
		},
		Transport: Transport{
			RPCTimeout:        3 * time.Second,
			MinConnectTimeout: 20 * time.Second,
			MaxFailures:       5,
			BackoffBase:       time.Second,
			BackoffMax:        30 * time.Second,
		},
		Alarms: Alarms{
			Stream:   "ACSYS",
			Subjects: "alarms.>",
			Window:   1024,
		},
		Subscription: Subscription{Buffer: 16},
		Log:          Log{Level: "info", Format: "json"},
		Otel:         Otel{Service: "extapi-acsys"},
	}
}

// Load resolves the configuration from args, getenv and the file named by
// the -config flag.
func Load(args []string, getenv func(string) string) (Config, []string, error) {
	// First pass: find -config and collect which flags were set.
	scratch := Default()
	var path string
	pre := NewFlagSet(&scratch, &path)
	if err := pre.Parse(args); err != nil {
		return Config{}, nil, err
	}

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, nil, fmt.Errorf("config: %w", err)
		}
		if err := decodeYAML(b, &cfg); err != nil {
			return Config{}, nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, nil, err
	}

	// Second pass: replay the flags given on the command line on top.
	final := NewFlagSet(&cfg, &path)
	var err error
	pre.Visit(func(f *flag.Flag) {
		if err == nil {
			err = final.Set(f.Name, f.Value.String())
		}
	})
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, pre.Args(), cfg.Validate()
}

func decodeYAML(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// NewFlagSet binds the serve flags to cfg. path receives -config.
func NewFlagSet(cfg *Config, path *string) *flag.FlagSet {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(path, "config", *path, "YAML configuration file")

	fs.StringVar(&cfg.Server.Addr, "server.addr", cfg.Server.Addr, "HTTP listen address")
	fs.StringVar(&cfg.Server.Path, "server.path", cfg.Server.Path, "GraphQL endpoint path")
	fs.DurationVar(&cfg.Server.Timeout, "server.timeout", cfg.Server.Timeout, "Per-request timeout")
	fs.BoolVar(&cfg.Server.Pretty, "server.pretty", cfg.Server.Pretty, "Pretty-print JSON responses")
	fs.Int64Var(&cfg.Server.MaxBodyBytes, "server.max-body-bytes", cfg.Server.MaxBodyBytes, "Request body limit")
	fs.Var(&listFlag{p: &cfg.Server.CORSOrigins}, "server.cors-origin", "Allowed CORS origin. Repeatable")
	fs.Var(&listFlag{p: &cfg.Server.CORSHeaders}, "server.cors-header", "Allowed CORS request header. Repeatable")
	fs.Var(&listFlag{p: &cfg.Server.MetadataHeaders}, "server.metadata-header", "Forward HTTP header to gRPC metadata. Repeatable")
	fs.DurationVar(&cfg.Server.KeepAlive, "server.keepalive", cfg.Server.KeepAlive, "graphql-ws keepalive interval")
	fs.Float64Var(&cfg.Server.MessageRate, "server.message-rate", cfg.Server.MessageRate, "Websocket messages per second per connection")
	fs.IntVar(&cfg.Server.MessageBurst, "server.message-burst", cfg.Server.MessageBurst, "Websocket message burst per connection")

	fs.BoolVar(&cfg.GraphQL.Introspection, "graphql.introspection", cfg.GraphQL.Introspection, "Enable GraphQL introspection")
	fs.BoolVar(&cfg.GraphQL.Validate, "graphql.validate", cfg.GraphQL.Validate, "Validate operations against the schema")

	if cfg.Backends == nil {
		cfg.Backends = map[string]string{}
	}
	for _, b := range grpctp.Backends {
		fs.Var(&mapFlag{m: cfg.Backends, key: string(b)}, "backend."+string(b), "host:port of the "+string(b)+" service")
	}
	fs.DurationVar(&cfg.Transport.RPCTimeout, "transport.rpc-timeout", cfg.Transport.RPCTimeout, "Unary RPC timeout")
	fs.DurationVar(&cfg.Transport.MinConnectTimeout, "transport.connect-timeout", cfg.Transport.MinConnectTimeout, "Minimum connection attempt timeout")
	fs.IntVar(&cfg.Transport.MaxFailures, "transport.max-failures", cfg.Transport.MaxFailures, "Failed attempts before a backend is Unavailable")
	fs.DurationVar(&cfg.Transport.BackoffBase, "transport.backoff-base", cfg.Transport.BackoffBase, "First reconnect delay")
	fs.DurationVar(&cfg.Transport.BackoffMax, "transport.backoff-max", cfg.Transport.BackoffMax, "Maximum reconnect delay")

	fs.StringVar(&cfg.Alarms.URL, "alarms.url", cfg.Alarms.URL, "NATS URL of the alarm log; empty disables alarms")
	fs.StringVar(&cfg.Alarms.Stream, "alarms.stream", cfg.Alarms.Stream, "JetStream stream holding alarms")
	fs.StringVar(&cfg.Alarms.Subjects, "alarms.subjects", cfg.Alarms.Subjects, "Alarm subject filter")
	fs.IntVar(&cfg.Alarms.Window, "alarms.window", cfg.Alarms.Window, "Redelivery dedup window")

	fs.BoolVar(&cfg.Subscription.AllOrNothing, "subscription.all-or-nothing", cfg.Subscription.AllOrNothing, "Close every field when one fails")
	fs.DurationVar(&cfg.Subscription.MaxLifetime, "subscription.max-lifetime", cfg.Subscription.MaxLifetime, "Maximum subscription lifetime; 0 is unbounded")
	fs.IntVar(&cfg.Subscription.Buffer, "subscription.buffer", cfg.Subscription.Buffer, "Emissions buffered per subscription")

	fs.StringVar(&cfg.Log.Level, "log.level", cfg.Log.Level, "debug, info, warn or error")
	fs.StringVar(&cfg.Log.Format, "log.format", cfg.Log.Format, "json or text")
	fs.StringVar(&cfg.Otel.Endpoint, "otel.endpoint", cfg.Otel.Endpoint, "OTLP collector endpoint")
	fs.StringVar(&cfg.Otel.Service, "otel.service", cfg.Otel.Service, "OpenTelemetry service name")
	return fs
}

// applyEnv reads the variables the gateway has always been deployed with.
func applyEnv(cfg *Config, getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	if port := getenv("GRAPHQL_PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("config: GRAPHQL_PORT: %q is not a port", port)
		}
		cfg.Server.Addr = ":" + port
	}
	for _, b := range grpctp.Backends {
		prefix := strings.ToUpper(string(b)) + "_GRPC_"
		target, err := joinTarget(cfg.Backends[string(b)], getenv(prefix+"HOST"), getenv(prefix+"PORT"))
		if err != nil {
			return fmt.Errorf("config: %sPORT: %w", prefix, err)
		}
		cfg.Backends[string(b)] = target
	}
	set := func(dst *string, name string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	set(&cfg.Alarms.URL, "NATS_URL")
	set(&cfg.Alarms.Stream, "ALARMS_STREAM")
	set(&cfg.Log.Level, "LOG_LEVEL")
	set(&cfg.Log.Format, "LOG_FORMAT")
	set(&cfg.Otel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	return nil
}

// joinTarget overrides the host and port of target where given.
func joinTarget(target, host, port string) (string, error) {
	if host == "" && port == "" {
		return target, nil
	}
	curHost, curPort, err := net.SplitHostPort(target)
	if err != nil {
		curHost, curPort = target, ""
	}
	if host == "" {
		host = curHost
	}
	if port == "" {
		port = curPort
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("%q is not a port", port)
	}
	return net.JoinHostPort(host, port), nil
}

// Validate reports settings the gateway cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is empty"))
	}
	for name, target := range c.Backends {
		if _, err := grpctp.ParseBackend(name); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, _, err := net.SplitHostPort(target); err != nil {
			errs = append(errs, fmt.Errorf("backend.%s: %w", name, err))
		}
	}
	if c.Alarms.URL != "" && !strings.HasSuffix(c.Alarms.Subjects, ".>") {
		errs = append(errs, fmt.Errorf("alarms.subjects %q must end in \".>\"", c.Alarms.Subjects))
	}
	if c.Alarms.Window <= 0 {
		errs = append(errs, errors.New("alarms.window must be positive"))
	}
	if c.Subscription.Buffer < 0 {
		errs = append(errs, errors.New("subscription.buffer is negative"))
	}
	if c.Transport.MaxFailures <= 0 {
		errs = append(errs, errors.New("transport.max-failures must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Targets returns the backend address map in the pool's terms.
func (c Config) Targets() map[grpctp.Backend]string {
	out := make(map[grpctp.Backend]string, len(c.Backends))
	for name, target := range c.Backends {
		out[grpctp.Backend(name)] = target
	}
	return out
}

// listFlag is a repeatable flag. Values may also be comma separated. The
// first Set replaces the configured list.
type listFlag struct {
	p   *[]string
	set bool
}

func (l *listFlag) String() string {
	if l.p == nil {
		return ""
	}
	return strings.Join(*l.p, ",")
}

func (l *listFlag) Set(v string) error {
	if !l.set {
		*l.p = nil
		l.set = true
	}
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			*l.p = append(*l.p, s)
		}
	}
	return nil
}

type mapFlag struct {
	m   map[string]string
	key string
}

func (f *mapFlag) String() string {
	if f.m == nil {
		return ""
	}
	return f.m[f.key]
}

func (f *mapFlag) Set(v string) error {
	f.m[f.key] = v
	return nil
}
