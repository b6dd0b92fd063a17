/*******************************************************************************
*
* Copyright 2024 The venvjail Authors
*
* This file is part of venvjail.
*
* venvjail is free software: you can redistribute it and/or modify it under the
* terms of the GNU General Public License as published by the Free Software
* Foundation, either version 3 of the License, or (at your option) any later
* version.
*
* venvjail is distributed in the hope that it will be useful, but WITHOUT ANY
* WARRANTY; without even the implied warranty of MERCHANTABILITY or FITNESS FOR
* A PARTICULAR PURPOSE. See the GNU General Public License for more details.
*
* You should have received a copy of the GNU General Public License along with
* venvjail. If not, see <http://www.gnu.org/licenses/>.
*
*******************************************************************************/

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/ogier/pflag"

	"github.com/venvjail/venvjail/src/venvjail/common"
)

//version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

type command struct {
	usage       string
	description string
	run         func(ctx context.Context, env *environment, args []string) error
}

//commands is filled in init() because the commands themselves refer to it
//when printing their usage.
var commands map[string]command

func init() {
	commands = map[string]command{
		"create": {
			"DEST_DIR [options]",
			"Assemble a venv from the RPMs in a repository and relocate it",
			runCreate,
		},
		"include": {
			"[options]",
			"Generate an include-rpm file from the build repository",
			runInclude,
		},
		"exclude": {
			"[options]",
			"Generate the default exclude-rpm file",
			runExclude,
		},
		"binary": {
			"PACKAGE [options]",
			"List the binary packages built from a source package",
			runBinary,
		},
		"inspect": {
			"PACKAGE.rpm [options]",
			"Show the metadata and file manifest of an RPM file",
			runInspect,
		},
		"requires": {
			"PACKAGE [options]",
			"List dependencies of a source package that the venv does not provide",
			runRequires,
		},
	}
}

//environment is what commands get to see of the outside world.
type environment struct {
	stdout io.Writer
	stderr io.Writer
	//config is loaded after the command's flags have been parsed, since
	//--config is one of them.
	config common.Config
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	common.Log.Out = stderr
	if len(args) == 0 {
		printHelp(stderr)
		return common.ExitUsage
	}

	switch args[0] {
	case "--help", "-h", "help":
		printHelp(stdout)
		return common.ExitSuccess
	case "--version":
		fmt.Fprintf(stdout, "venvjail %s\n", version)
		return common.ExitSuccess
	}
	cmd, exists := commands[args[0]]
	if !exists {
		common.ShowError(fmt.Errorf("unknown command: %q", args[0]))
		printHelp(stderr)
		return common.ExitUsage
	}

	//credentials for the build service may be kept in a .env file
	err := godotenv.Load()
	if err != nil && !os.IsNotExist(err) {
		common.ShowWarning("cannot read .env: %s", err.Error())
	}

	env := &environment{stdout: stdout, stderr: stderr}
	err = cmd.run(ctx, env, args[1:])
	if err != nil {
		if err == pflag.ErrHelp {
			return common.ExitSuccess
		}
		if _, isUsage := err.(usageError); isUsage {
			common.ShowError(err)
			fmt.Fprintf(stderr, "Usage: venvjail %s %s\n", args[0], cmd.usage)
			return common.ExitUsage
		}
		common.ShowError(err)
		return common.ExitCode(err)
	}
	return common.ExitSuccess
}

//usageError is returned for invalid command-line arguments.
type usageError string

func (e usageError) Error() string {
	return string(e)
}

func usageErrorf(format string, args ...interface{}) error {
	return usageError(fmt.Sprintf(format, args...))
}

func printHelp(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w, "Usage: venvjail <command> [options]")
	fmt.Fprintln(w, "\nCommands:")
	for _, name := range names {
		fmt.Fprintf(w, "  %-10s%s\n", name, commands[name].description)
	}
	fmt.Fprintln(w, "\nRun \"venvjail <command> --help\" to see the options of each command.")
	fmt.Fprintf(w, "Settings are read from %s in the working directory, or the file given with --config=FILE.\n", common.DefaultConfigFile)
}

//commonFlags are accepted by every command.
type commonFlags struct {
	configPath string
	verbose    bool
	quiet      bool
}

func newFlagSet(env *environment, name string) (*pflag.FlagSet, *commonFlags) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(env.stderr)
	fs.Usage = func() {
		cmd := commands[name]
		fmt.Fprintf(env.stderr, "Usage: venvjail %s %s\n\n%s.\n\nOptions:\n", name, cmd.usage, cmd.description)
		fs.PrintDefaults()
	}
	cf := &commonFlags{}
	fs.StringVarP(&cf.configPath, "config", "c", "", "configuration file (default: "+common.DefaultConfigFile+")")
	fs.BoolVarP(&cf.verbose, "verbose", "v", false, "show debug messages")
	fs.BoolVarP(&cf.quiet, "quiet", "q", false, "only show warnings and errors")
	return fs, cf
}

//parseFlags parses the command line, checks the number of positional
//arguments and loads the configuration.
func (env *environment) parseFlags(fs *pflag.FlagSet, cf *commonFlags, args []string, positional ...string) ([]string, error) {
	err := fs.Parse(args)
	if err != nil {
		if err == pflag.ErrHelp {
			return nil, err
		}
		return nil, usageError(err.Error())
	}
	if fs.NArg() != len(positional) {
		if len(positional) == 0 {
			return nil, usageErrorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
		}
		return nil, usageErrorf("expected %s", strings.Join(positional, " "))
	}
	common.SetVerbosity(cf.verbose, cf.quiet)

	env.config, err = common.LoadConfig(cf.configPath)
	if err != nil {
		return nil, err
	}
	env.config.ApplyEnvironment()
	return fs.Args(), nil
}
