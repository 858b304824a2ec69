// Command tntctl runs single requests against a tuple store.
//
//	tntctl [-config tntctl.toml] [-endpoint tnt://host:port/space] command [args]
//
// Commands:
//
//	ping                 check the connection
//	select [key...]      print matching rows, all rows with no key
//	insert field...      insert a tuple
//	replace field...     insert or overwrite a tuple
//	delete key...        delete by primary key
//	spaces               print the space catalog
//
// Fields are parsed by parseScalar.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/andreyvit/tnt"
)

var errUsage = errors.New("usage: tntctl [flags] ping|select|insert|replace|delete|spaces [args]")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(2)
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "tntctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("tntctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "TOML config file")
	endpoint := fs.String("endpoint", "", "tnt://host:port/space or tnt://host:port/:id")
	timeout := fs.Duration("timeout", 0, "per-request timeout")
	verbose := fs.Bool("verbose", false, "log every packet")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := defaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = loadConfig(*configPath)
		if err != nil {
			return err
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "endpoint":
			cfg.Endpoint = *endpoint
		case "timeout":
			cfg.Timeout.Duration = *timeout
		case "verbose":
			cfg.Verbose = *verbose
		}
	})
	if cfg.Endpoint == "" {
		return errors.New("no endpoint, pass -endpoint or set it in the config file")
	}
	ep, err := tnt.ParseEndpoint(cfg.Endpoint)
	if err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return errUsage
	}
	cmd, cmdArgs := rest[0], rest[1:]

	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	conn, err := tnt.Dial(ctx, ep.Addr(), tnt.Options{
		Logger:      logger,
		Verbose:     cfg.Verbose,
		Timeout:     cfg.Timeout.Duration,
		DialTimeout: cfg.DialTimeout.Duration,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	start := time.Now()
	err = runCommand(ctx, conn, ep.Space, cmd, cmdArgs, stdout)
	logger.Debug("tntctl: done", "cmd", cmd, "elapsed", time.Since(start), "ok", err == nil)
	return err
}

func runCommand(ctx context.Context, conn *tnt.Conn, space tnt.SpaceRef, cmd string, args []string, stdout io.Writer) error {
	switch cmd {
	case "ping":
		if len(args) != 0 {
			return errUsage
		}
		if err := conn.Ping(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, conn.Greeting())
		return nil

	case "select":
		key, err := buildTuple(args)
		if err != nil {
			return err
		}
		it, err := conn.Select(ctx, space, key)
		if err != nil {
			return err
		}
		for row, err := range it.All() {
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, row)
		}
		return nil

	case "insert", "replace", "delete":
		if len(args) == 0 {
			return errUsage
		}
		tuple, err := buildTuple(args)
		if err != nil {
			return err
		}
		switch cmd {
		case "insert":
			return conn.Insert(ctx, space, tuple)
		case "replace":
			return conn.Replace(ctx, space, tuple)
		default:
			return conn.Delete(ctx, space, tuple)
		}

	case "spaces":
		if len(args) != 0 {
			return errUsage
		}
		if err := conn.ReloadSpaces(ctx); err != nil {
			return err
		}
		spaces := conn.CachedSpaces()
		names := make([]string, 0, len(spaces))
		for name := range spaces {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool { return spaces[names[i]] < spaces[names[j]] })
		for _, name := range names {
			fmt.Fprintf(stdout, "%d\t%s\n", spaces[name], name)
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
}
