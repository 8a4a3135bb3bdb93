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

// Package grace keeps the daemon restartable without dropping
// connections. A SIGHUP forks a child that inherits the listener fd,
// SIGQUIT drains in-flight requests, SIGTERM aborts them.
package grace

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// gracefulShutdownDeadline bounds how long a SIGQUIT drain may take
// before the remaining connections are cut.
const gracefulShutdownDeadline = 10

// Server is the interface the watched server needs to implement.
type Server interface {
	Stop() error
	GracefulStop() error
	Network() string
	Address() string
}

// Watcher watches a process for a graceful restart
// preserving open network sockets to avoid dropped packets.
type Watcher struct {
	log       zerolog.Logger
	graceful  bool
	ppid      int
	lns       []net.Listener
	ss        []Server
	pidFile   string
	childPIDs []int
}

// Option represents an option.
type Option func(w *Watcher)

// WithLogger adds a logger to the Watcher.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Watcher) {
		w.log = l
	}
}

// WithPIDFile specifies the pid file to use.
func WithPIDFile(fn string) Option {
	return func(w *Watcher) {
		w.pidFile = fn
	}
}

// NewWatcher creates a Watcher.
func NewWatcher(opts ...Option) *Watcher {
	w := &Watcher{
		log:      zerolog.Nop(),
		graceful: os.Getenv("GRACEFUL") == "true",
		ppid:     os.Getppid(),
		pidFile:  path.Join(os.TempDir(), "carbond.pid"),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Exit exits the current process cleaning up the pid file.
func (w *Watcher) Exit(errc int) {
	if err := w.clean(); err != nil {
		w.log.Warn().Err(err).Msg("error removing pid file")
	} else {
		w.log.Info().Msgf("pid file %q got removed", w.pidFile)
	}
	os.Exit(errc)
}

func (w *Watcher) clean() error {
	// only remove the pid file if the pid has been written by us
	filePID, err := w.readPID()
	if err != nil {
		return err
	}

	if filePID != os.Getpid() {
		// the pidfile may have been overwritten by a forked child
		// TODO(labkode): is there a way to list children pids for current process?
		return fmt.Errorf("pid:%d in pidfile is different from pid:%d, it can be a leftover from a hard shutdown or that a reload was triggered", filePID, os.Getpid())
	}

	return os.Remove(w.pidFile)
}

func (w *Watcher) readPID() (int, error) {
	piddata, err := os.ReadFile(w.pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(string(piddata))
	if err != nil {
		return 0, err
	}
	return pid, nil
}

// GetProcessFromFile reads the pidfile and returns the running process
// or an error if the process or the file are not available.
func GetProcessFromFile(pfile string) (*os.Process, error) {
	data, err := os.ReadFile(pfile)
	if err != nil {
		return nil, err
	}

	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return nil, err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return nil, err
	}

	return process, nil
}

// WritePID writes the pid to the configured pid file.
func (w *Watcher) WritePID() error {
	if pid, err := w.readPID(); err == nil {
		// the pidfile exists, check whether its owner is alive
		if process, err := os.FindProcess(pid); err == nil {
			if err := process.Signal(syscall.Signal(0)); err == nil {
				if !w.graceful {
					return fmt.Errorf("pid already running: %d", pid)
				}

				if pid != w.ppid { // overwrite only if the pidfile holds the parent pid
					return fmt.Errorf("pid %d is not this process parent", pid)
				}
			} else {
				w.log.Warn().Err(err).Msgf("pid:%d in pidfile is not running", pid)
			}
		}
	}

	// the pidfile did not exist, or we are in a graceful reload and
	// take it over from the parent.
	if err := renameio.WriteFile(w.pidFile, []byte(strconv.Itoa(os.Getpid())), 0664); err != nil {
		return err
	}
	w.log.Info().Msgf("pidfile written to %s", w.pidFile)
	return nil
}

// GetListeners returns one listener per server, either inherited from
// the parent on a graceful restart or freshly bound.
func (w *Watcher) GetListeners(servers []Server) ([]net.Listener, error) {
	w.ss = servers
	lns := []net.Listener{}
	if w.graceful {
		w.log.Info().Msg("graceful restart, inheriting parent listener fds")
		count := 3
		for _, s := range servers {
			network, addr := s.Network(), s.Address()
			fd := os.NewFile(uintptr(count), "") // 3 onwards are the ExtraFiles passed to the child
			count++
			ln, err := net.FileListener(fd)
			if err != nil {
				w.log.Error().Err(err).Msg("error creating net.Listener from fd")
				// bind a fresh socket instead
				ln, err = net.Listen(network, addr)
				if err != nil {
					return nil, err
				}
			}
			lns = append(lns, ln)
		}

		// kill parent
		// TODO(labkode): maybe race condition here?
		// What do we do if we cannot kill the parent but we have valid fds?
		// Probably abort the forked child, otherwise two versions of the
		// code run indefinitely.
		w.log.Info().Msgf("killing parent pid gracefully with SIGQUIT: %d", w.ppid)
		if err := syscall.Kill(w.ppid, syscall.SIGQUIT); err != nil {
			w.log.Error().Err(err).Msgf("error killing parent process with ppid:%d", w.ppid)
			return nil, errors.Wrap(err, "error killing parent process")
		}
		w.lns = lns
		return lns, nil
	}

	for _, s := range servers {
		ln, err := net.Listen(s.Network(), s.Address())
		if err != nil {
			return nil, err
		}
		lns = append(lns, ln)
	}
	w.lns = lns
	return lns, nil
}

// TrapSignals captures OS signals until the process exits.
func (w *Watcher) TrapSignals() {
	signalCh := make(chan os.Signal, 1024)
	signal.Notify(signalCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	for {
		s := <-signalCh
		w.log.Info().Msgf("%v signal received", s)

		switch s {
		case syscall.SIGHUP:
			w.log.Info().Msg("preparing for a hot-reload, forking child process...")

			p, err := forkChild(w.lns...)
			if err != nil {
				w.log.Error().Err(err).Msg("unable to fork child process")
			} else {
				w.log.Info().Msgf("child forked with new pid %d", p.Pid)
				w.childPIDs = append(w.childPIDs, p.Pid)
			}

		case syscall.SIGQUIT:
			w.log.Info().Msgf("preparing for a graceful shutdown with deadline of %d seconds", gracefulShutdownDeadline)
			go func() {
				count := gracefulShutdownDeadline
				for range time.Tick(time.Second) {
					count--
					w.log.Info().Msgf("shutting down in %d seconds", count)
					if count <= 0 {
						w.log.Info().Msg("deadline reached before draining active conns, hard stopping ...")
						for _, s := range w.ss {
							if err := s.Stop(); err != nil {
								w.log.Error().Err(err).Msg("error stopping server")
							}
							w.log.Info().Msgf("fd to %s:%s abruptly closed", s.Network(), s.Address())
						}
						w.Exit(1)
					}
				}
			}()
			for _, s := range w.ss {
				if err := s.GracefulStop(); err != nil {
					w.log.Error().Err(err).Msg("error stopping server")
					w.Exit(1)
				}
				w.log.Info().Msgf("fd to %s:%s gracefully closed", s.Network(), s.Address())
			}
			w.Exit(0)

		case syscall.SIGINT, syscall.SIGTERM:
			w.log.Info().Msg("preparing for hard shutdown, aborting all conns")
			for _, s := range w.ss {
				w.log.Info().Msgf("fd to %s:%s abruptly closed", s.Network(), s.Address())
				if err := s.Stop(); err != nil {
					w.log.Error().Err(err).Msg("error stopping server")
				}
			}
			w.Exit(0)
		}
	}
}

func getListenerFile(ln net.Listener) (*os.File, error) {
	switch t := ln.(type) {
	case *net.TCPListener:
		return t.File()
	case *net.UnixListener:
		return t.File()
	}
	return nil, fmt.Errorf("unsupported listener: %T", ln)
}

func forkChild(lns ...net.Listener) (*os.Process, error) {
	// Pass the listener fds to the child in ExtraFiles order.
	fds := []*os.File{}
	for _, ln := range lns {
		fd, err := getListenerFile(ln)
		if err != nil {
			return nil, err
		}
		fds = append(fds, fd)
	}

	files := []*os.File{
		os.Stdin,
		os.Stdout,
		os.Stderr,
	}
	files = append(files, fds...)

	environment := append(os.Environ(), "GRACEFUL=true")

	execName, err := os.Executable()
	if err != nil {
		return nil, err
	}
	execDir := filepath.Dir(execName)

	p, err := os.StartProcess(execName, os.Args, &os.ProcAttr{
		Dir:   execDir,
		Env:   environment,
		Files: files,
		Sys:   &syscall.SysProcAttr{},
	})
	if err != nil {
		return nil, err
	}

	return p, nil
}
