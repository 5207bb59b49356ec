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

package netutil

import uuid "github.com/hashicorp/go-uuid"

// NewClusterID returns a fresh random identifier for a cluster instance,
// stamped into the node descriptor file's header by the bootstrap
// tooling so two independently launched clusters never share one.
func NewClusterID() (string, error) {
	return uuid.GenerateUUID()
}
