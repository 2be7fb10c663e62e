package grpcclient

import (
	"flag"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding/gzip"
)

// Config holds the options used to dial a backend gRPC connection: message
// size limits, optional compression, a connect timeout and the health
// check thresholds. Retrying failed calls is left to the caller.
type Config struct {
	MaxRecvMsgSize  int    `yaml:"max_recv_msg_size"`
	MaxSendMsgSize  int    `yaml:"max_send_msg_size"`
	GRPCCompression string `yaml:"grpc_compression"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	HealthCheckConfig HealthCheckConfig `yaml:"health_check"`
}

// RegisterFlags registers flags with the default flag.CommandLine.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

// RegisterFlagsWithPrefix registers flags with the given prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxRecvMsgSize, prefix+".grpc-max-recv-msg-size", 100<<20, "gRPC client max receive message size (bytes).")
	f.IntVar(&cfg.MaxSendMsgSize, prefix+".grpc-max-send-msg-size", 100<<20, "gRPC client max send message size (bytes).")
	f.StringVar(&cfg.GRPCCompression, prefix+".grpc-compression", "", "Use compression when sending messages. Supported values are: 'gzip', '' (disable compression).")
	f.DurationVar(&cfg.ConnectTimeout, prefix+".connect-timeout", 5*time.Second, "The maximum amount of time to establish a connection to a backend.")
	cfg.HealthCheckConfig.RegisterFlagsWithPrefix(prefix+".health-check", f)
}

// Validate checks the configuration for invalid combinations.
func (cfg *Config) Validate() error {
	if cfg.GRPCCompression != "" && cfg.GRPCCompression != gzip.Name {
		return errors.Errorf("unsupported compression type: %s", cfg.GRPCCompression)
	}
	return nil
}

// DialOption builds the dial options used to establish a pooled backend
// connection, wiring in the caller-supplied interceptors after the
// message-size and compression options.
func (cfg *Config) DialOption(unaryInterceptors []grpc.UnaryClientInterceptor, streamInterceptors []grpc.StreamClientInterceptor) ([]grpc.DialOption, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(cfg.MaxRecvMsgSize),
			grpc.MaxCallSendMsgSize(cfg.MaxSendMsgSize),
		),
		grpc.WithChainUnaryInterceptor(unaryInterceptors...),
		grpc.WithChainStreamInterceptor(streamInterceptors...),
	}

	if cfg.GRPCCompression != "" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor(cfg.GRPCCompression)))
	}

	return opts, nil
}

// ConfigWithHealthCheck bundles a client Config together with its health
// check thresholds, so the background health checker can look up dial
// options and thresholds for a given active connection.
type ConfigWithHealthCheck struct {
	Config            Config
	HealthCheckConfig HealthCheckConfig
}
