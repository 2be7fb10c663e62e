// Package execenv wires together the process-wide collaborators a
// Coordinator needs but does not construct itself: the backend client
// pool, the staged-output finalizer, and the query registry the gRPC
// status-reporting endpoint routes through. One Env is built per process
// and handed to every Coordinator it spins up, mirroring the teacher's
// practice of constructing shared clients once in cortex.New and
// threading them into each module.
package execenv

import (
	"flag"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/qcoord/coordinator/pkg/backendclient"
	"github.com/qcoord/coordinator/pkg/coordinator"
	"github.com/qcoord/coordinator/pkg/coordinatorpb"
	"github.com/qcoord/coordinator/pkg/finalizer"
	"github.com/qcoord/coordinator/pkg/finalizer/localfs"
	"github.com/qcoord/coordinator/pkg/schedule"
	"github.com/qcoord/coordinator/pkg/util"
)

// Config controls the shared collaborators built at startup.
type Config struct {
	BackendPool     backendclient.Config `yaml:"backend_client"`
	FinalizeWorkers int                  `yaml:"finalize_workers"`
}

// RegisterFlags registers every nested config's flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.BackendPool.RegisterFlags("backend-client", f)
	f.IntVar(&cfg.FinalizeWorkers, "finalize.workers", 16, "Number of worker goroutines dispatching finalize file-system operations.")
}

// Env holds the collaborators shared by every query this process
// coordinates.
type Env struct {
	Pool          *backendclient.Pool
	Registry      *coordinator.Registry
	FinalizerCore *finalizer.Finalizer
	Logger        log.Logger
	Registerer    prometheus.Registerer
}

// New builds an Env from cfg. The backend pool's lifecycle (the idle
// connection janitor) is exposed via Pool.Service so the caller can
// start and stop it alongside the rest of the process's services.
func New(cfg Config, reg prometheus.Registerer, logger log.Logger) *Env {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	pool := backendclient.NewPool(cfg.BackendPool, reg, logger)

	workerPool := util.NewWorkerPool("finalizer", cfg.FinalizeWorkers, reg)
	finalizerCore := finalizer.New(localfs.New(), workerPool)

	return &Env{
		Pool:          pool,
		Registry:      coordinator.NewRegistry(),
		FinalizerCore: finalizerCore,
		Logger:        logger,
		Registerer:    reg,
	}
}

// ClientProvider adapts the backend pool into the
// coordinator.ClientProviderFunc signature the Coordinator package
// expects, keeping it free of any dependency on the concrete pool type.
func (e *Env) ClientProvider(addr string) (coordinatorpb.BackendServiceClient, error) {
	client, err := e.Pool.GetClientFor(addr)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// coordinatorRef indirects a finalizer.WriteSideSource through a pointer
// filled in after the Coordinator it reports on is constructed, breaking
// the construction-order cycle between a Coordinator and its finalizer.
type coordinatorRef struct {
	c *coordinator.Coordinator
}

func (r *coordinatorRef) WriteSideEffects() (map[string]int64, map[string]string, map[string]coordinator.PartitionInsertStat) {
	return r.c.WriteSideEffects()
}

// NewCoordinator builds and registers a Coordinator for sched, wiring a
// per-query finalizer.QueryFinalizer when the schedule needs one. The
// caller is responsible for calling Env.Registry.Unregister(sched.QueryID)
// once the query is done, so the registry does not grow without bound.
func (e *Env) NewCoordinator(sched schedule.QuerySchedule, local coordinator.LocalExecutor) *coordinator.Coordinator {
	var queryFinalizer coordinator.Finalizer
	ref := &coordinatorRef{}

	if sched.NeedsFinalize {
		mode := finalizer.ModeAppend
		if sched.Overwrite {
			mode = finalizer.ModeOverwrite
		}
		queryFinalizer = finalizer.NewQueryFinalizer(
			e.FinalizerCore,
			ref,
			sched.QueryID,
			mode,
			sched.FinalizeDir,
			sched.StagingDir,
		)
	}

	c := coordinator.New(sched, e.ClientProvider, e.Pool.RemoveClientFor, local, queryFinalizer, e.Logger)
	ref.c = c
	e.Registry.Register(c)
	return c
}
