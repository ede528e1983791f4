// Copyright (c) 2021 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License version 3 as
// published by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command telchap is a thin client for chaperone's control plane: it
// sends one command line over the Unix socket and prints the reply.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	flags "github.com/canonical/go-flags"
)

type options struct {
	Socket string `long:"socket" description:"Control-plane socket path" default:"/dev/chaperone.sock"`

	Positional struct {
		Command string   `positional-arg-name:"<command>" required:"1"`
		Args    []string `positional-arg-name:"<arg>"`
	} `positional-args:"yes"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "telchap:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return err
	}

	conn, err := net.Dial("unix", opts.Socket)
	if err != nil {
		return fmt.Errorf("cannot connect to %q: %w", opts.Socket, err)
	}
	defer conn.Close()

	line := opts.Positional.Command
	if len(opts.Positional.Args) > 0 {
		line += " " + strings.Join(opts.Positional.Args, " ")
	}
	if _, err := fmt.Fprintln(conn, line); err != nil {
		return err
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return fmt.Errorf("no reply from control plane")
	}
	status := scanner.Text()

	var body strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}

	switch status {
	case "RESULT":
		fmt.Print(body.String())
		return nil
	case "COMMAND-ERROR":
		return fmt.Errorf("%s", strings.TrimRight(body.String(), "\n"))
	case "EXCEPTION":
		return fmt.Errorf("internal error: %s", strings.TrimRight(body.String(), "\n"))
	default:
		fmt.Println(status)
		fmt.Print(body.String())
		return nil
	}
}
