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

// Package logger constructs the zerolog loggers used across the daemon.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Mode changes the logging format.
type Mode string

const (
	// JSONMode outputs JSON.
	JSONMode Mode = "json"
	// ConsoleMode outputs human readable logs.
	ConsoleMode Mode = "console"
)

type config struct {
	writer io.Writer
	mode   Mode
	level  string
}

// Option customizes the logger.
type Option func(*config)

// WithWriter sets the output writer and the format mode.
func WithWriter(w io.Writer, m Mode) Option {
	return func(c *config) {
		c.writer = w
		c.mode = m
	}
}

// WithLevel sets the verbosity. Unknown levels fall back to info.
func WithLevel(level string) Option {
	return func(c *config) {
		c.level = level
	}
}

// New returns a configured zerolog logger.
func New(opts ...Option) *zerolog.Logger {
	c := &config{
		writer: os.Stderr,
		mode:   ConsoleMode,
		level:  "info",
	}
	for _, opt := range opts {
		opt(c)
	}

	lvl, err := zerolog.ParseLevel(c.level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	w := c.writer
	if c.mode == ConsoleMode {
		w = zerolog.ConsoleWriter{Out: c.writer}
	}

	zl := zerolog.New(w).With().Timestamp().Logger().Level(lvl)
	return &zl
}
