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

package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewModuleLoggerTagsEntriesByModule(t *testing.T) {
	l := NewModuleLogger(GC)
	assert.Equal(t, GC, l.module)
	assert.NotNil(t, l.sugar)
}

func TestLoggingMethodsDoNotPanic(t *testing.T) {
	l := NewModuleLogger(Worker)
	assert.NotPanics(t, func() {
		l.Debug("debug", "k", 1)
		l.Info("info", "k", 2)
		l.Warn("warn", "k", 3)
		l.Error("error", "k", 4)
	})
}

func TestSyncDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, Sync)
}
