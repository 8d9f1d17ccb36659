// Command vfsctl browses and manipulates files on any backend the vfs
// module supports: local directories, FTP and SFTP servers, cloud drives,
// S3 buckets and archives nested inside any of them.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/vfs/internal/bookmarks"
	"github.com/objectfs/vfs/internal/config"
	"github.com/objectfs/vfs/internal/metrics"
	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/logging"
	"github.com/objectfs/vfs/pkg/vfs"
)

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// usageError reports a malformed command line.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...interface{}) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

type command struct {
	usage string
	run   func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"ls":       {"ls [-l] [-a] [-refresh] <location>", cmdList},
	"cat":      {"cat <location>...", cmdCat},
	"stat":     {"stat <location>", cmdStat},
	"mkdir":    {"mkdir [-p] [-mode 0755] <location>", cmdMkdir},
	"rm":       {"rm [-r] [-trash] <location>", cmdRemove},
	"mv":       {"mv <location> <destination>", cmdMove},
	"cp":       {"cp <source> <destination>", cmdCopy},
	"du":       {"du [-h] <location>", cmdDiskUsage},
	"df":       {"df <location>", cmdDiskFree},
	"watch":    {"watch [-count n] [-timeout d] <location>", cmdWatch},
	"bookmark": {"bookmark add <name> <location> | list | rm <name>", cmdBookmark},
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `vfsctl - browse files on local disks, FTP, SFTP, cloud drives, S3 and archives

Usage: vfsctl [flags] <command> [args]

Flags:
  -config <file>     Configuration file (default: $VFS_CONFIG or <user config dir>/vfs/config.yaml)
  -log-level <lvl>   Override logging.level (debug, info, warn, error)

Commands:`)
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
	fmt.Fprintln(w, `
Locations:
  file:///tmp               local directory
  mem:///                   in-memory scratch tree
  ftp://user@host/path      FTP server
  sftp://user@host:22/path  SFTP server
  dropbox://account/path    cloud drive
  s3://bucket/prefix        S3 bucket (?region=..&endpoint=..)
  <bookmark>[/path]         a saved bookmark
  file:///tmp/a.zip!/dir    "!" enters an archive`)
}

// run executes one command line and returns the exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("vfsctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { printUsage(stderr) }
	configFile := fs.String("config", "", "configuration file")
	logLevel := fs.String("log-level", "", "override logging.level")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	rest := fs.Args()
	if len(rest) == 0 || rest[0] == "help" {
		printUsage(stderr)
		return exitUsage
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(stderr, "vfsctl: unknown command %q\n", rest[0])
		printUsage(stderr)
		return exitUsage
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(stderr, "vfsctl: %v\n", err)
		return exitError
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "vfsctl: invalid configuration: %v\n", err)
		return exitError
	}

	a, err := newApp(ctx, cfg, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "vfsctl: %v\n", err)
		return exitError
	}
	defer a.Close()

	err = cmd.run(ctx, a, rest[1:])
	var ue usageError
	switch {
	case err == nil:
		return exitOK
	case stderrors.As(err, &ue):
		fmt.Fprintf(stderr, "vfsctl %s: %s\nusage: vfsctl %s\n", rest[0], ue.msg, cmd.usage)
		return exitUsage
	}

	a.logger.Debug("Command failed", zap.String("command", rest[0]), logging.Err(err))
	if e := errors.As(err); e != nil {
		fmt.Fprintf(stderr, "vfsctl %s: %s: %s\n", rest[0], e.UserFacingMessage(), e.Error())
	} else {
		fmt.Fprintf(stderr, "vfsctl %s: %v\n", rest[0], err)
	}
	return exitError
}

// loadConfig layers the file and the environment over the defaults. Only an
// explicitly named file has to exist.
func loadConfig(file string) (*config.Configuration, error) {
	cfg := config.NewDefault()

	explicit := file != ""
	if !explicit {
		file = os.Getenv("VFS_CONFIG")
		explicit = file != ""
	}
	if !explicit {
		if dir, err := os.UserConfigDir(); err == nil {
			file = filepath.Join(dir, "vfs", "config.yaml")
		}
	}
	if file != "" {
		if _, err := os.Stat(file); err == nil || explicit {
			if err := cfg.LoadFromFile(file); err != nil {
				return nil, err
			}
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app holds the collaborators shared by every command.
type app struct {
	cfg      *config.Configuration
	logger   *zap.Logger
	metrics  *metrics.Collector
	registry *vfs.Registry
	hub      *vfs.WatchHub
	stdout   io.Writer

	marks *bookmarks.Store
}

func newApp(ctx context.Context, cfg *config.Configuration, stdout io.Writer) (*app, error) {
	logger, err := logging.New(cfg.LoggerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	collector, err := metrics.NewCollector(cfg.MetricsCollectorConfig(), logger)
	if err != nil {
		return nil, err
	}
	if err := collector.Start(ctx); err != nil {
		return nil, err
	}

	registry := vfs.NewRegistry(logger)
	cfg.Register(registry, config.Deps{
		Logger:      logger,
		Credentials: vfs.EnvCredentials{},
		Metrics:     collector,
	})

	return &app{
		cfg:      cfg,
		logger:   logger.Named("vfsctl"),
		metrics:  collector,
		registry: registry,
		hub:      vfs.NewWatchHub(logger),
		stdout:   stdout,
	}, nil
}

// bookmarks opens the store on first use, so that commands which never
// touch it do not fail on a damaged file.
func (a *app) bookmarks() (*bookmarks.Store, error) {
	if a.marks != nil {
		return a.marks, nil
	}
	s, err := bookmarks.Open(a.cfg.Bookmarks.Path, a.logger)
	if err != nil {
		return nil, err
	}
	a.marks = s
	return s, nil
}

func (a *app) Close() {
	_ = a.hub.Close()
	if err := a.registry.Close(); err != nil {
		a.logger.Warn("Failed to close hosts", logging.Err(err))
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = a.metrics.Stop(stopCtx)
	_ = a.logger.Sync()
}
