// Package backendclient manages pooled, health-checked gRPC connections
// to the worker backends a coordinator fans fragment instances out to.
package backendclient

import (
	"context"
	"flag"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/qcoord/coordinator/pkg/coordinatorpb"
	"github.com/qcoord/coordinator/pkg/util/grpcclient"
	"github.com/qcoord/coordinator/pkg/util/services"
)

// Client is a pooled connection to one backend: the RPC surface the
// coordinator drives, plus health and lifecycle.
type Client struct {
	coordinatorpb.BackendServiceClient
	grpc_health_v1.HealthClient
	conn *grpc.ClientConn
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Config controls pool-wide dialing and janitor behavior.
type Config struct {
	GRPCClientConfig grpcclient.Config `yaml:"grpc_client"`
	CheckInterval    time.Duration     `yaml:"check_interval"`
	IdleTimeout      time.Duration     `yaml:"idle_timeout"`
}

// RegisterFlags registers pool flags with the given prefix.
func (cfg *Config) RegisterFlags(prefix string, f *flag.FlagSet) {
	cfg.GRPCClientConfig.RegisterFlagsWithPrefix(prefix, f)
	f.DurationVar(&cfg.CheckInterval, prefix+".check-interval", time.Minute, "How often to scan the pool for idle connections to close.")
	f.DurationVar(&cfg.IdleTimeout, prefix+".idle-timeout", 10*time.Minute, "How long a connection may go unused before the janitor closes it.")
}

// Pool maintains at most one *Client per backend address, dialing lazily
// and closing connections that have gone unused for IdleTimeout. It
// mirrors the teacher's ring/client pool shape, generalized from "one
// client per ring member" to "one client per scheduler-assigned backend
// address," with the same stale-connection janitor idea the teacher's
// distributor uses for ingester clients.
type Pool struct {
	services.Service

	cfg    Config
	logger log.Logger
	reg    prometheus.Registerer

	requestDuration *prometheus.HistogramVec
	clientsGauge    prometheus.Gauge

	mu        sync.Mutex
	clients   map[string]*entry
}

type entry struct {
	client   *Client
	lastUsed time.Time
}

// NewPool builds a backend client pool. reg may be nil.
func NewPool(cfg Config, reg prometheus.Registerer, logger log.Logger) *Pool {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	p := &Pool{
		cfg:     cfg,
		logger:  logger,
		reg:     reg,
		clients: make(map[string]*entry),
		requestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coordinator",
			Name:      "backend_client_request_duration_seconds",
			Help:      "Time spent doing backend RPCs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"operation", "status_code"}),
		clientsGauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "coordinator",
			Name:      "backend_clients",
			Help:      "Current number of connections held open to backends.",
		}),
	}

	p.Service = services.NewTimerService(cfg.CheckInterval, nil, p.evictIdle, p.shutdown)
	return p
}

// GetClientFor returns the pooled client for addr, dialing one if none
// exists yet.
func (p *Pool) GetClientFor(addr string) (*Client, error) {
	p.mu.Lock()
	if e, ok := p.clients[addr]; ok {
		e.lastUsed = time.Now()
		p.mu.Unlock()
		return e.client, nil
	}
	p.mu.Unlock()

	client, err := p.dial(addr)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.clients[addr]; ok {
		// Lost a race with a concurrent dial; keep the one already stored
		// and discard the one we just made.
		_ = client.Close()
		e.lastUsed = time.Now()
		return e.client, nil
	}
	p.clients[addr] = &entry{client: client, lastUsed: time.Now()}
	p.clientsGauge.Set(float64(len(p.clients)))
	return client, nil
}

// RemoveClientFor closes and forgets the client for addr, if any. Called
// after a transport failure so the next call redials.
func (p *Pool) RemoveClientFor(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.clients[addr]; ok {
		_ = e.client.Close()
		delete(p.clients, addr)
		p.clientsGauge.Set(float64(len(p.clients)))
	}
}

func (p *Pool) dial(addr string) (*Client, error) {
	unary, stream := grpcclient.Instrument(p.requestDuration)
	opts, err := p.cfg.GRPCClientConfig.DialOption(unary, stream)
	if err != nil {
		return nil, err
	}
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")))

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}

	return &Client{
		BackendServiceClient: coordinatorpb.NewBackendServiceClient(conn),
		HealthClient:         grpc_health_v1.NewHealthClient(conn),
		conn:                 conn,
	}, nil
}

func (p *Pool) evictIdle(ctx context.Context) error {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, e := range p.clients {
		if e.lastUsed.Before(cutoff) {
			level.Debug(p.logger).Log("msg", "closing idle backend connection", "addr", addr)
			_ = e.client.Close()
			delete(p.clients, addr)
		}
	}
	p.clientsGauge.Set(float64(len(p.clients)))
	return nil
}

func (p *Pool) shutdown(_ error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, e := range p.clients {
		_ = e.client.Close()
		delete(p.clients, addr)
	}
	return nil
}
