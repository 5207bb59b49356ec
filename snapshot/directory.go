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

// Package snapshot stages a configured snapshot directory into a scratch
// workspace at startup. It does not load, parse, or otherwise understand
// the snapshot's contents; the core never reads from the staged copy.
// Wiring a real loader on top of this is out of scope.
package snapshot

import (
	"fmt"
	"os"

	"github.com/otiai10/copy"
)

// Directory stages Source (the configured snapshot_dir) into a scratch
// workspace directory before the rest of the process starts up. When
// Source is empty, Stage is a no-op.
type Directory struct {
	Source string
}

// New returns a Directory for the given configured source path.
func New(source string) *Directory {
	return &Directory{Source: source}
}

// Stage copies d.Source into workDir, creating workDir if necessary. It
// returns the path the snapshot was staged into, or "" if d.Source is
// empty.
func (d *Directory) Stage(workDir string) (string, error) {
	if d.Source == "" {
		return "", nil
	}
	if _, err := os.Stat(d.Source); err != nil {
		return "", fmt.Errorf("snapshot: stat source %s: %w", d.Source, err)
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("snapshot: create scratch workspace %s: %w", workDir, err)
	}
	if err := copy.Copy(d.Source, workDir); err != nil {
		return "", fmt.Errorf("snapshot: stage %s into %s: %w", d.Source, workDir, err)
	}
	return workDir, nil
}
