// SPDX-License-Identifier: Apache-2.0

// Package logging provides the process-wide structured logger, backed by
// pterm, that satisfies every package's narrow Warnf-only Logger
// interface (pkg/engine, pkg/capture, pkg/installer) while
// also exposing the richer domain events the CLI reports during
// bootstrap and sync.
package logging

import (
	"fmt"

	"github.com/pterm/pterm"
)

// Logger is the process-wide logging surface. Every package in the
// module depends on its own narrow subset (most only need Warnf); this
// interface is the union implemented by the concrete pterm-backed
// logger and by NewNoopLogger for tests.
type Logger interface {
	Warnf(format string, args ...any)
	Infof(format string, args ...any)

	LogBootstrapStart(database string)
	LogBootstrapComplete(database string)
	LogSlotCreated(slot string)
	LogTriggerInstalled(table string)
	LogBatchIndexed(database, index string, count int)
	LogBatchQuarantined(database, index string, reason error)
	LogCheckpointAdvanced(database, index string, txmin int64)
}

type ptermLogger struct {
	logger pterm.Logger
}

// New returns a Logger backed by pterm.DefaultLogger.
func New() Logger {
	return &ptermLogger{logger: pterm.DefaultLogger}
}

func (l *ptermLogger) Warnf(format string, args ...any) {
	l.logger.Warn(sprintf(format, args...))
}

func (l *ptermLogger) Infof(format string, args ...any) {
	l.logger.Info(sprintf(format, args...))
}

func (l *ptermLogger) LogBootstrapStart(database string) {
	l.logger.Info("bootstrapping", l.logger.Args("database", database))
}

func (l *ptermLogger) LogBootstrapComplete(database string) {
	l.logger.Info("bootstrap complete", l.logger.Args("database", database))
}

func (l *ptermLogger) LogSlotCreated(slot string) {
	l.logger.Info("replication slot created", l.logger.Args("slot", slot))
}

func (l *ptermLogger) LogTriggerInstalled(table string) {
	l.logger.Info("trigger installed", l.logger.Args("table", table))
}

func (l *ptermLogger) LogBatchIndexed(database, index string, count int) {
	l.logger.Info("batch indexed", l.logger.Args(
		"database", database, "index", index, "documents", count,
	))
}

func (l *ptermLogger) LogBatchQuarantined(database, index string, reason error) {
	l.logger.Warn("batch quarantined", l.logger.Args(
		"database", database, "index", index, "reason", reason.Error(),
	))
}

func (l *ptermLogger) LogCheckpointAdvanced(database, index string, txmin int64) {
	l.logger.Debug("checkpoint advanced", l.logger.Args(
		"database", database, "index", index, "txmin", txmin,
	))
}

type noopLogger struct{}

// NewNoopLogger returns a Logger that discards everything, for tests
// and library embeddings that don't want pterm's process-wide output.
func NewNoopLogger() Logger { return noopLogger{} }

func (noopLogger) Warnf(string, ...any)                          {}
func (noopLogger) Infof(string, ...any)                          {}
func (noopLogger) LogBootstrapStart(string)                      {}
func (noopLogger) LogBootstrapComplete(string)                   {}
func (noopLogger) LogSlotCreated(string)                         {}
func (noopLogger) LogTriggerInstalled(string)                    {}
func (noopLogger) LogBatchIndexed(string, string, int)           {}
func (noopLogger) LogBatchQuarantined(string, string, error)     {}
func (noopLogger) LogCheckpointAdvanced(string, string, int64)   {}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
