// Command tntfixture runs the fixture tuple store on a TCP port.
//
//	tntfixture -listen 127.0.0.1:3301 -db fixture.db -space 512:users -space 513:orders
//	tntfixture -journal ./wal -space 512:users
//	tntfixture -dump-journal ./wal
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/andreyvit/tnt/fixture"
)

type spaceFlags []fixture.SpaceDef

func (f *spaceFlags) String() string {
	var parts []string
	for _, def := range *f {
		parts = append(parts, fmt.Sprintf("%d:%s", def.ID, def.Name))
	}
	return strings.Join(parts, ",")
}

func (f *spaceFlags) Set(s string) error {
	idStr, name, found := strings.Cut(s, ":")
	if !found || name == "" {
		return fmt.Errorf("invalid space %q, wanted id:name", s)
	}
	id, err := strconv.ParseUint(idStr, 10, 31)
	if err != nil {
		return fmt.Errorf("invalid space id in %q", s)
	}
	*f = append(*f, fixture.SpaceDef{ID: uint32(id), Name: name})
	return nil
}

// dumpJournal prints the entries read before any error.
func dumpJournal(w io.Writer, dir string) error {
	entries, err := fixture.ReadJournal(dir)
	for _, e := range entries {
		fmt.Fprintln(w, e)
	}
	return err
}

func main() {
	var (
		listenAddr string
		dbPath     string
		journalDir string
		dumpDir    string
		verbose    bool
		spaces     spaceFlags
	)
	flag.StringVar(&listenAddr, "listen", "127.0.0.1:3301", "address to listen on")
	flag.StringVar(&dbPath, "db", "", "bolt file to keep data in (default: in memory)")
	flag.StringVar(&journalDir, "journal", "", "directory to journal applied writes into")
	flag.StringVar(&dumpDir, "dump-journal", "", "print the writes journaled in this directory and exit")
	flag.BoolVar(&verbose, "verbose", false, "log every request")
	flag.Var(&spaces, "space", "space to create, as id:name (repeatable)")
	flag.Parse()

	if dumpDir != "" {
		if err := dumpJournal(os.Stdout, dumpDir); err != nil {
			fmt.Fprintf(os.Stderr, "tntfixture: %v\n", err)
			os.Exit(1)
		}
		return
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	srv, err := fixture.New(fixture.Options{
		Path:       dbPath,
		Logger:     logger,
		Verbose:    verbose,
		Spaces:     spaces,
		JournalDir: journalDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tntfixture: %v\n", err)
		os.Exit(1)
	}

	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		srv.Close()
		fmt.Fprintf(os.Stderr, "tntfixture: %v\n", err)
		os.Exit(1)
	}
	logger.Info("tntfixture: listening", "addr", l.Addr().String(), "db", dbPath, "schema_version", srv.SchemaVersion())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	closed := make(chan error, 1)
	go func() {
		<-sigCh
		closed <- srv.Close()
	}()

	err = srv.Serve(l)
	if errors.Is(err, fixture.ErrServerClosed) {
		err = <-closed
	} else {
		srv.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "tntfixture: %v\n", err)
		os.Exit(1)
	}
	logger.Info("tntfixture: stopped")
}
