// Copyright 2018-2024 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/carbonfiles/carbonfiles/cmd/carbond/config"
	"github.com/carbonfiles/carbonfiles/cmd/carbond/grace"
	"github.com/carbonfiles/carbonfiles/pkg/logger"
	"github.com/carbonfiles/carbonfiles/pkg/rhttp"
	"github.com/carbonfiles/carbonfiles/pkg/sharedconf"

	// Load the middlewares and services.
	_ "github.com/carbonfiles/carbonfiles/internal/http/interceptors/loader"
	_ "github.com/carbonfiles/carbonfiles/internal/http/services/loader"
)

var (
	versionFlag = flag.Bool("version", false, "show version and exit")
	testFlag    = flag.Bool("t", false, "test configuration and exit")
	dumpFlag    = flag.Bool("dump-config", false, "print the effective configuration in TOML and exit")
	signalFlag  = flag.String("s", "", "send signal to a master process: stop, quit, reload")
	configFlag  = flag.String("c", "/etc/carbond/carbond.toml", "set configuration file")
	pidFlag     = flag.String("p", "/var/run/carbond.pid", "pid file")

	// Compile time variables initialized with gcc flags.
	gitCommit, gitBranch, buildDate, version, goVersion, buildPlatform string
)

func main() {
	flag.Parse()

	handleVersionFlag()
	handleSignalFlag()

	handleConfigFlagOrDie()
	handleDumpFlag()
	handleTestFlag()

	coreConf := parseCoreConfOrDie(config.Get("core"))
	logConf := parseLogConfOrDie(config.Get("log"))

	log, err := newLogger(logConf)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error creating logger, exiting ...")
		os.Exit(1)
	}

	if err := sharedconf.Init(config.Get("shared")); err != nil {
		log.Error().Err(err).Msg("error reading shared config")
		os.Exit(1)
	}

	watcher, err := handlePIDFlag(log) // TODO(labkode): maybe pidfile can be created later on?
	if err != nil {
		log.Error().Err(err).Msg("error creating grace watcher")
		os.Exit(1)
	}

	ncpus, err := adjustCPU(coreConf.MaxCPUs)
	if err != nil {
		log.Error().Err(err).Msg("error adjusting number of cpus")
		watcher.Exit(1)
	}
	log.Info().Msgf("running on %d cpus", ncpus)

	server, err := getHTTPServer(config.Get("http"), log)
	if err != nil {
		log.Error().Err(err).Msg("error creating http server")
		watcher.Exit(1)
	}

	listeners, err := watcher.GetListeners([]grace.Server{server})
	if err != nil {
		log.Error().Err(err).Msg("error getting sockets")
		watcher.Exit(1)
	}

	go func() {
		if err := server.Start(listeners[0]); err != nil {
			log.Error().Err(err).Msg("error starting the http server")
			watcher.Exit(1)
		}
	}()

	// wait for a signal to close the server
	watcher.TrapSignals()
}

func newLogger(conf *logConf) (*zerolog.Logger, error) {
	var opts []logger.Option
	opts = append(opts, logger.WithLevel(conf.Level))

	w, err := getWriter(conf.Output)
	if err != nil {
		return nil, err
	}

	opts = append(opts, logger.WithWriter(w, logger.Mode(conf.Mode)))

	l := logger.New(opts...)
	sub := l.With().Int("pid", os.Getpid()).Logger()
	return &sub, nil
}

func getWriter(out string) (io.Writer, error) {
	if out == "stderr" || out == "" {
		return os.Stderr, nil
	}

	if out == "stdout" {
		return os.Stdout, nil
	}

	fd, err := os.Create(out)
	if err != nil {
		return nil, errors.Wrap(err, "error creating log file")
	}

	return fd, nil
}

func handleVersionFlag() {
	if *versionFlag {
		msg := "version=%s "
		msg += "commit=%s "
		msg += "branch=%s "
		msg += "go_version=%s "
		msg += "build_date=%s "
		msg += "build_platform=%s\n"

		fmt.Fprintf(os.Stderr, msg, version, gitCommit, gitBranch, goVersion, buildDate, buildPlatform)
		os.Exit(1)
	}
}

func handleSignalFlag() {
	if *signalFlag != "" {
		var signal syscall.Signal
		switch *signalFlag {
		case "reload":
			signal = syscall.SIGHUP
		case "quit":
			signal = syscall.SIGQUIT
		case "stop":
			signal = syscall.SIGTERM
		default:
			fmt.Fprintf(os.Stderr, "unknown signal %q\n", *signalFlag)
			os.Exit(1)
		}

		process, err := grace.GetProcessFromFile(*pidFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error getting process from pidfile: %v\n", err)
			os.Exit(1)
		}

		if err := process.Signal(signal); err != nil {
			fmt.Fprintf(os.Stderr, "error signaling process %d with signal %s\n", process.Pid, signal)
			os.Exit(1)
		}

		os.Exit(0)
	}
}

func handleTestFlag() {
	if *testFlag {
		fmt.Fprintln(os.Stderr, "configuration parses fine")
		os.Exit(0)
	}
}

func handleDumpFlag() {
	if *dumpFlag {
		if err := config.WriteTOML(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "error writing config: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
}

func handlePIDFlag(l *zerolog.Logger) (*grace.Watcher, error) {
	var opts []grace.Option
	opts = append(opts, grace.WithPIDFile(*pidFlag))
	opts = append(opts, grace.WithLogger(l.With().Str("pkg", "grace").Logger()))

	w := grace.NewWatcher(opts...)
	if err := w.WritePID(); err != nil {
		return nil, err
	}

	return w, nil
}

func getHTTPServer(conf interface{}, l *zerolog.Logger) (*rhttp.Server, error) {
	sub := l.With().Str("pkg", "rhttp").Logger()
	s, err := rhttp.New(conf, sub)
	if err != nil {
		return nil, errors.Wrap(err, "main: error creating http server")
	}
	return s, nil
}

func handleConfigFlagOrDie() {
	config.SetFile(*configFlag)
	if err := config.Read(); err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %+v\n", err)
		os.Exit(1)
	}
}

// adjustCPU parses string cpu and sets GOMAXPROCS
// according to its value. It accepts either
// a number (e.g. 3) or a percent (e.g. 50%).
func adjustCPU(cpu string) (int, error) {
	var numCPU int

	availCPU := runtime.NumCPU()

	if cpu != "" {
		if strings.HasSuffix(cpu, "%") {
			// Percent
			var percent float32
			pctStr := cpu[:len(cpu)-1]
			pctInt, err := strconv.Atoi(pctStr)
			if err != nil || pctInt < 1 || pctInt > 100 {
				return 0, fmt.Errorf("invalid CPU value: percentage must be between 1-100")
			}
			percent = float32(pctInt) / 100
			numCPU = int(float32(availCPU) * percent)
		} else {
			// Number
			num, err := strconv.Atoi(cpu)
			if err != nil || num < 1 {
				return 0, fmt.Errorf("invalid CPU value: provide a number or percent greater than 0")
			}
			numCPU = num
		}
	}

	if numCPU > availCPU || numCPU == 0 {
		numCPU = availCPU
	}

	runtime.GOMAXPROCS(numCPU)
	return numCPU, nil
}

func parseCoreConfOrDie(v interface{}) *coreConf {
	c := &coreConf{}
	if err := mapstructure.Decode(v, c); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding core config: %s\n", err)
		os.Exit(1)
	}
	return c
}

type coreConf struct {
	MaxCPUs string `mapstructure:"max_cpus"`
}

func parseLogConfOrDie(v interface{}) *logConf {
	c := &logConf{}
	if err := mapstructure.Decode(v, c); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding log config: %s\n", err)
		os.Exit(1)
	}
	return c
}

type logConf struct {
	Output string `mapstructure:"output"`
	Mode   string `mapstructure:"mode"`
	Level  string `mapstructure:"level"`
}
