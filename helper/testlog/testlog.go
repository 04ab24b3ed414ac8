// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package testlog creates hclog loggers backed by testing.T so test output
// stays attached to the test that produced it.
package testlog

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// useStdout returns true when FULCRUM_TEST_STDOUT=1, sending logs to
// stdout instead of the test log buffer.
func useStdout() bool {
	return os.Getenv("FULCRUM_TEST_STDOUT") == "1"
}

// LogPrinter is the methods of testing.T (or testing.B) needed by the test
// logger.
type LogPrinter interface {
	Logf(format string, args ...interface{})
}

// writer implements io.Writer on top of a LogPrinter.
type writer struct {
	prefix string
	t      LogPrinter
}

// Write to an underlying LogPrinter. Never returns an error.
func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s%s", w.prefix, p)
	return len(p), nil
}

// NewWriter creates a new io.Writer backed by a LogPrinter.
func NewWriter(t LogPrinter) io.Writer {
	if useStdout() {
		return os.Stdout
	}
	return &writer{t: t}
}

// NewPrefixWriter creates a new io.Writer backed by a LogPrinter with a
// prefix per Write.
func NewPrefixWriter(t LogPrinter, prefix string) io.Writer {
	if useStdout() {
		return os.Stdout
	}
	return &writer{prefix: prefix, t: t}
}

// HCLogger returns a new test hclog logger at trace level, or the level
// named by FULCRUM_TEST_LOG_LEVEL.
func HCLogger(t LogPrinter) hclog.InterceptLogger {
	level := hclog.Trace
	if envLogLevel := os.Getenv("FULCRUM_TEST_LOG_LEVEL"); envLogLevel != "" {
		level = hclog.LevelFromString(envLogLevel)
	}
	opts := &hclog.LoggerOptions{
		Level:           level,
		Output:          NewWriter(t),
		IncludeLocation: true,
	}
	return hclog.NewInterceptLogger(opts)
}
