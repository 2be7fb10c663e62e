// Package coordinatord assembles the process-level configuration for the
// coordinator daemon binary: the HTTP/gRPC server, logging, and the
// shared execution environment every query's Coordinator draws from.
package coordinatord

import (
	"flag"

	"github.com/weaveworks/common/server"

	"github.com/qcoord/coordinator/pkg/execenv"
	utillog "github.com/qcoord/coordinator/pkg/util/log"
)

// Config is the top-level configuration for the coordinator process,
// loaded from flags and optionally overlaid with a YAML config file, the
// same two-step process the teacher's single cortex binary uses.
type Config struct {
	Server  server.Config  `yaml:"server"`
	Log     utillog.Config `yaml:"log"`
	ExecEnv execenv.Config `yaml:"execenv"`
}

// RegisterFlags registers every nested config's flags plus defaults
// tuned for the coordinator's own traffic shape.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.Server.MetricsNamespace = "coordinator"
	cfg.Server.RegisterFlags(f)
	cfg.Log.RegisterFlags(f)
	cfg.ExecEnv.RegisterFlags(f)
}
