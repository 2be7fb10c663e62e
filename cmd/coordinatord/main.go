package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/weaveworks/common/server"
	"github.com/weaveworks/common/tracing"
	"gopkg.in/yaml.v2"

	"github.com/qcoord/coordinator/pkg/coordinator"
	"github.com/qcoord/coordinator/pkg/coordinatorpb"
	"github.com/qcoord/coordinator/pkg/coordinatord"
	"github.com/qcoord/coordinator/pkg/execenv"
	utillog "github.com/qcoord/coordinator/pkg/util/log"
	"github.com/qcoord/coordinator/pkg/util/services"
)

const configFileOption = "config.file"

func main() {
	var cfg coordinatord.Config

	configFile := parseConfigFileParameter()
	cfg.RegisterFlags(flag.CommandLine)
	flag.String(configFileOption, "", "Configuration file to load.")

	if configFile != "" {
		if err := loadConfig(configFile, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error loading config from %s: %v\n", configFile, err)
			os.Exit(1)
		}
	}
	flag.Parse()

	utillog.InitLogger(&cfg.Log)

	trace, err := tracing.NewFromEnv("coordinatord")
	if err != nil {
		level.Info(utillog.Logger).Log("msg", "tracing not configured", "err", err)
	} else {
		defer trace.Close()
	}

	srv, err := server.New(cfg.Server)
	if err != nil {
		level.Error(utillog.Logger).Log("msg", "error initializing server", "err", err)
		os.Exit(1)
	}
	defer srv.Shutdown()

	env := execenv.New(cfg.ExecEnv, prometheus.DefaultRegisterer, utillog.Logger)

	ctx := context.Background()
	if err := services.StartAndAwaitRunning(ctx, env.Pool.Service); err != nil {
		level.Error(utillog.Logger).Log("msg", "error starting backend client pool", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := services.StopAndAwaitTerminated(ctx, env.Pool.Service); err != nil {
			level.Warn(utillog.Logger).Log("msg", "error stopping backend client pool", "err", err)
		}
	}()

	if err := services.StartAndAwaitRunning(ctx, env.Registry); err != nil {
		level.Error(utillog.Logger).Log("msg", "error starting query registry", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := services.StopAndAwaitTerminated(ctx, env.Registry); err != nil {
			level.Warn(utillog.Logger).Log("msg", "error stopping query registry", "err", err)
		}
	}()

	coordinatorpb.RegisterCoordinatorServiceServer(srv.GRPC, coordinator.NewServer(env.Registry))

	srv.HTTP.Path("/ready").Methods("GET").HandlerFunc(readyHandler)

	level.Info(utillog.Logger).Log("msg", "starting coordinator daemon")
	if err := srv.Run(); err != nil {
		level.Error(utillog.Logger).Log("msg", "error running server", "err", err)
	}
}

func readyHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

// parseConfigFileParameter extracts -config.file via a throwaway flag
// set so it can be consulted before the main flag set parses, the same
// two-pass trick the teacher's single binary uses to let a config file
// seed flag defaults.
func parseConfigFileParameter() string {
	var configFile string
	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	fs.SetOutput(ioutil.Discard)
	fs.StringVar(&configFile, configFileOption, "", "")

	args := os.Args[1:]
	for len(args) > 0 {
		_ = fs.Parse(args)
		if configFile != "" {
			break
		}
		args = args[1:]
	}
	return configFile
}

func loadConfig(filename string, cfg *coordinatord.Config) error {
	buf, err := ioutil.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, "error reading config file")
	}
	if err := yaml.UnmarshalStrict(buf, cfg); err != nil {
		return errors.Wrap(err, "error parsing config file")
	}
	return nil
}
