// Copyright 2024 The gquery Authors
// This file is part of the gquery library.
//
// The gquery library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The gquery library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the gquery library. If not, see <http://www.gnu.org/licenses/>.

// Package log provides the module logger used by every subsystem of the
// core. It is a thin wrapper over zap so call sites keep a uniform
// logger.Info("msg", "key", val, ...) calling convention.
package log

import (
	"fmt"
	"os"

	"github.com/go-stack/stack"
	"go.uber.org/zap"
)

// Module names, one per subsystem.
const (
	Clock       = "clock"
	TxStatus    = "txstatus"
	RunningTrx  = "runningtrx"
	RCT         = "rct"
	Mailbox     = "mailbox"
	Coordinator = "coordinator"
	Worker      = "worker"
	GC          = "gc"
	IndexStore  = "indexstore"
	Config      = "config"
	Admin       = "admin"
	Main        = "main"
)

var base *zap.SugaredLogger

func init() {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "ts"
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// zap itself failed to construct; there is no logger to log this
		// with, so fall back directly to stderr and abort.
		fmt.Fprintln(os.Stderr, "log: failed to build base logger:", err)
		os.Exit(1)
	}
	base = l.Sugar()
}

// Logger is the per-module logging handle. Most subsystems keep theirs in
// a struct field; netutil holds one in a package-level variable.
type Logger struct {
	module string
	sugar  *zap.SugaredLogger
}

// NewModuleLogger returns a Logger scoped to module.
func NewModuleLogger(module string) *Logger {
	return &Logger{module: module, sugar: base.With("module", module)}
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.sugar.Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.sugar.Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.sugar.Errorw(msg, kv...) }

// Fatal logs msg with a captured stack trace and aborts the process. Every
// unrecoverable condition (capacity exhaustion, timestamp regression, a
// GC invariant violation) routes through here rather than a returned
// error — there is no safe way to continue running past these.
func (l *Logger) Fatal(msg string, kv ...interface{}) {
	trace := stack.Trace().TrimRuntime()
	kv = append(kv, "stack", trace.String())
	l.sugar.Errorw(msg, kv...)
	os.Exit(1)
}

// Sync flushes any buffered log entries; called once from main before exit.
func Sync() {
	_ = base.Sync()
}
