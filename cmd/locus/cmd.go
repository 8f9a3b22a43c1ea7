// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	golog "log"
	"os"
	"os/signal"
	"sort"

	"github.com/grailbio/locus/config"
	"github.com/grailbio/locus/log"
)

// Func is the type of a command function.
type Func func(*Cmd, context.Context, ...string)

var commands = map[string]Func{
	"config":  (*Cmd).config,
	"workers": (*Cmd).workers,
	"lscpu":   (*Cmd).lscpu,
	"match":   (*Cmd).match,
}

var intro = `The locus command inspects locus configurations and the
resources of the hosts they describe.

The command comprises a set of subcommands; the list of supported
commands can be obtained by running

	locus -help

Each subcommand can in turn be invoked with -help, displaying its
usage and help text. Global flags are given after the "locus"
command; command flags after that command's name.

Locus is configured from a single YAML configuration file, given by
the -config flag:

	locus -config myconfig.yaml workers`

var help = `Locus is a tool for inspecting locus deployments.

Usage of locus:
	locus [flags] <command> [args]`

// Cmd holds the configuration and flag definitions required for tool
// invocations.
type Cmd struct {
	// DefaultConfigFile is read when no -config flag is given. It is
	// not an error for it to be missing.
	DefaultConfigFile string
	// ConfigFile stores the path of the active configuration file.
	ConfigFile string
	// Config is the active configuration.
	Config *config.Config

	Stdout, Stderr io.Writer

	Log *log.Logger

	overrides config.Flags
}

func (c *Cmd) usage(flags *flag.FlagSet) {
	fmt.Fprintln(c.Stderr, help)
	fmt.Fprintln(c.Stderr, "Locus commands:")
	var cmds []string
	for name := range commands {
		cmds = append(cmds, name)
	}
	sort.Strings(cmds)
	for _, name := range cmds {
		fmt.Fprintln(c.Stderr, "\t"+name)
	}
	fmt.Fprintln(c.Stderr, "Global flags:")
	flags.PrintDefaults()
	os.Exit(2)
}

// Main parses global flags, loads the configuration and invokes the
// requested command.
func (c *Cmd) Main(args []string) {
	flags := flag.NewFlagSet("locus", flag.ExitOnError)
	flags.StringVar(&c.ConfigFile, "config", c.DefaultConfigFile, "path to the configuration file")
	c.overrides.Init(flags)
	flags.Usage = func() { c.usage(flags) }
	if err := flags.Parse(args); err != nil {
		c.Fatal(err)
	}
	if flags.NArg() == 0 {
		fmt.Fprintln(c.Stderr, intro)
		os.Exit(2)
	}
	fn := commands[flags.Arg(0)]
	if fn == nil {
		flags.Usage()
	}

	c.Config = new(config.Config)
	if c.ConfigFile != "" {
		_, err := os.Stat(c.ConfigFile)
		if err == nil || c.ConfigFile != c.DefaultConfigFile {
			if c.Config, err = config.Load(c.ConfigFile); err != nil {
				c.Fatal(err)
			}
		}
	}
	if err := c.overrides.Apply(c.Config); err != nil {
		c.Fatal(err)
	}
	level, err := c.Config.Level()
	if err != nil {
		c.Fatal(err)
	}
	var (
		logflags  int
		logprefix = "locus: "
	)
	if level > log.InfoLevel {
		logflags = golog.LstdFlags
		logprefix = ""
	}
	log.Std = log.New(golog.New(c.Stderr, logprefix, logflags), level)
	c.Log = log.Std

	ctx, cancel := context.WithCancel(context.Background())
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt)
	go func() {
		<-sigc
		cancel()
	}()
	fn(c, ctx, flags.Args()[1:]...)
	cancel()
}

// Fatal formats a message in the manner of fmt.Print, prints it to
// stderr, and then exits the tool.
func (c *Cmd) Fatal(v ...interface{}) {
	fmt.Fprintln(c.Stderr, v...)
	os.Exit(1)
}

// Fatalf formats a message in the manner of fmt.Printf, prints it to
// stderr, and then exits the tool.
func (c *Cmd) Fatalf(format string, v ...interface{}) {
	fmt.Fprintf(c.Stderr, format, v...)
	os.Exit(1)
}

// Println formats a message in the manner of fmt.Println and prints
// it to stdout.
func (c *Cmd) Println(v ...interface{}) {
	fmt.Fprintln(c.Stdout, v...)
}

// Parse parses the provided FlagSet from the provided arguments. It
// adds a -help flag to the flagset, and prints the help and usage
// string when the command is called with -help.
func (c *Cmd) Parse(fs *flag.FlagSet, args []string, help, usage string) {
	if usage == "" {
		panic("no usage string provided")
	}
	printHelp := fs.Bool("help", false, "display subcommand help")
	fs.Usage = func() {
		fmt.Fprintln(c.Stderr, "usage: locus "+usage)
		fmt.Fprintln(c.Stderr, "Flags:")
		fs.PrintDefaults()
		os.Exit(2)
	}
	if err := fs.Parse(args); err != nil {
		c.Fatal(err)
	}
	if *printHelp {
		fmt.Fprintln(c.Stderr, "usage: locus "+usage)
		fmt.Fprintln(c.Stderr)
		fmt.Fprintln(c.Stderr, help)
		fmt.Fprintln(c.Stderr, "Flags:")
		fs.PrintDefaults()
		os.Exit(0)
	}
}
