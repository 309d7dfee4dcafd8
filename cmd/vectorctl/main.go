// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

// vectorctl is a maintenance tool for robots paired with this machine:
// it discovers them on the network, inspects and edits the credential
// store, and exercises a live connection.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/anki/vector-go-sdk/control"
	"github.com/anki/vector-go-sdk/credentials"
	"github.com/anki/vector-go-sdk/discovery"
	"github.com/anki/vector-go-sdk/vector"
)

const usage = `usage: vectorctl <command> [flags]

commands:
  discover [name]      find robots announcing on the local network
  config list          list robots in the credential store
  config set           add or update a robot's stored credentials
  info <serial>        show a robot's stored credentials
  control <serial>     connect and hold behavior control

run "vectorctl <command> --help" for command flags
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch args[0] {
	case "discover":
		err = runDiscover(ctx, args[1:], stdout, stderr)
	case "config":
		err = runConfig(args[1:], stdout, stderr)
	case "info":
		err = runInfo(args[1:], stdout, stderr)
	case "control":
		err = runControl(ctx, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "vectorctl: unknown command %q\n\n%s", args[0], usage)
		return 2
	}
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "vectorctl: %v\n", err)
		return 1
	}
	return 0
}

func newLogger(stderr io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
}

func runDiscover(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flags := pflag.NewFlagSet("discover", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	timeout := flags.Duration("timeout", discovery.DefaultTimeout, "how long to browse for announcements")
	verbose := flags.BoolP("verbose", "v", false, "debug logging")
	if err := flags.Parse(args); err != nil {
		return err
	}

	name := ""
	if flags.NArg() > 0 {
		name = flags.Arg(0)
	}

	resolver := &discovery.Resolver{
		Timeout: *timeout,
		Logger:  newLogger(stderr, *verbose),
	}
	address, err := resolver.Resolve(ctx, name)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, address)
	return nil
}

func openStore(path string) (*credentials.Store, error) {
	if path == "" {
		var err error
		path, err = credentials.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	return credentials.NewStore(path), nil
}

func runConfig(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return errors.New("config needs a subcommand: list or set")
	}
	switch args[0] {
	case "list":
		return runConfigList(args[1:], stdout, stderr)
	case "set":
		return runConfigSet(args[1:], stdout, stderr)
	default:
		return fmt.Errorf("unknown config subcommand %q", args[0])
	}
}

func runConfigList(args []string, stdout, stderr io.Writer) error {
	flags := pflag.NewFlagSet("config list", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	storePath := flags.String("store", "", "credential store path (default: the user's store)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	store, err := openStore(*storePath)
	if err != nil {
		return err
	}
	serials, err := store.List()
	if err != nil {
		return err
	}
	for _, serial := range serials {
		identity, err := store.Load(serial)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s\t%s\t%s\n", identity.Serial, identity.Name, identity.Address)
	}
	return nil
}

func runConfigSet(args []string, stdout, stderr io.Writer) error {
	flags := pflag.NewFlagSet("config set", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	storePath := flags.String("store", "", "credential store path (default: the user's store)")
	serial := flags.String("serial", "", "robot serial number (required)")
	name := flags.String("name", "", "robot name, e.g. Vector-A1B2 (required)")
	address := flags.String("ip", "", "robot address as host:port (required)")
	guid := flags.String("guid", "", "access token (required)")
	certFile := flags.String("cert-file", "", "PEM certificate file (required)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cert, err := os.ReadFile(*certFile)
	if err != nil {
		return fmt.Errorf("reading certificate: %w", err)
	}
	identity := credentials.Identity{
		Serial:  *serial,
		Name:    *name,
		Address: *address,
		Token:   *guid,
		Cert:    cert,
	}
	if err := identity.Validate(); err != nil {
		return err
	}

	store, err := openStore(*storePath)
	if err != nil {
		return err
	}
	if err := store.Save(identity); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "saved %s (%s)\n", identity.Serial, identity.Name)
	return nil
}

func runInfo(args []string, stdout, stderr io.Writer) error {
	flags := pflag.NewFlagSet("info", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	storePath := flags.String("store", "", "credential store path (default: the user's store)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("info needs exactly one serial number")
	}

	store, err := openStore(*storePath)
	if err != nil {
		return err
	}
	identity, err := store.Load(flags.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "serial:  %s\n", identity.Serial)
	fmt.Fprintf(stdout, "name:    %s\n", identity.Name)
	fmt.Fprintf(stdout, "address: %s\n", identity.Address)
	fmt.Fprintf(stdout, "token:   %s\n", maskToken(identity.Token))
	return nil
}

// maskToken keeps just enough of the token to tell entries apart.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "********"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func runControl(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flags := pflag.NewFlagSet("control", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	storePath := flags.String("store", "", "credential store path (default: the user's store)")
	priorityName := flags.String("priority", "default", "control tier: override_behaviors, default, or reserve_control")
	hold := flags.Duration("hold", 10*time.Second, "how long to hold control before releasing")
	verbose := flags.BoolP("verbose", "v", false, "debug logging")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("control needs exactly one serial number")
	}

	var priority control.Priority
	switch *priorityName {
	case "override_behaviors":
		priority = control.PriorityOverrideBehaviors
	case "default":
		priority = control.PriorityDefault
	case "reserve_control":
		priority = control.PriorityReserveControl
	default:
		return fmt.Errorf("unknown priority %q", *priorityName)
	}

	logger := newLogger(stderr, *verbose)
	robot, err := vector.Open(ctx, flags.Arg(0),
		vector.WithStorePath(*storePath),
		vector.WithLogger(logger))
	if err != nil {
		return err
	}
	defer robot.Close()

	fmt.Fprintf(stdout, "connected to %s at %s\n", robot.Name(), robot.Serial())

	token, err := robot.RequestControl(ctx, priority)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "behavior control granted at %s, holding for %s\n", priority, *hold)

	select {
	case <-time.After(*hold):
	case <-token.Revoked():
		return token.Err()
	case <-ctx.Done():
	}
	if err := token.Release(ctx); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "behavior control released")
	return nil
}
