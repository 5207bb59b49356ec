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

package admin

import (
	"strings"

	"github.com/peterh/liner"

	"github.com/gquery/gquery/log"
)

// Command is one operator console verb. The console has no built-in
// verbs: every verb comes from the table passed to NewConsole (e.g.
// status, or a manual GC trigger).
type Command func(args []string) string

// Console is an optional interactive line-editor front end to the admin
// server, for operators attached to a worker's own terminal rather than
// its HTTP surface.
type Console struct {
	line     *liner.State
	commands map[string]Command
	logger   *log.Logger
}

func NewConsole(commands map[string]Command) *Console {
	l := liner.NewLiner()
	l.SetCtrlCAborts(true)
	return &Console{line: l, commands: commands, logger: log.NewModuleLogger(log.Admin)}
}

// Run reads commands from stdin until EOF or ctrl-D, dispatching each
// line's first word to the matching Command.
func (c *Console) Run(prompt string) {
	defer c.line.Close()
	for {
		input, err := c.line.Prompt(prompt)
		if err != nil {
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		c.line.AppendHistory(input)

		fields := strings.Fields(input)
		cmd, ok := c.commands[fields[0]]
		if !ok {
			c.logger.Warn("unknown console command", "cmd", fields[0])
			continue
		}
		out := cmd(fields[1:])
		if out != "" {
			println(out)
		}
	}
}
