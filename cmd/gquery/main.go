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

// Command gquery is the single binary every rank in a cluster runs,
// dispatching to master or worker behavior by its rank in the node
// descriptor file.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/gquery/gquery/log"
)

var logger = log.NewModuleLogger(log.Main)

func main() {
	app := cli.NewApp()
	app.Name = "gquery"
	app.Usage = "distributed in-memory graph database server"
	app.Commands = []cli.Command{
		serverCommand,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
