// Command atappd is the reference Application Core host process: it
// loads an atapp.yaml, brings an app.App up, and drives its tick loop
// until signalled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/owent/libatapp-sub000/internal/app"
	"github.com/owent/libatapp-sub000/pkg/config"
	"github.com/owent/libatapp-sub000/pkg/logging"
)

const version = "0.1.0"

type options struct {
	id              uint64
	idMask          uint64
	confPath        string
	pidPath         string
	upgrade         bool
	startupLog      string
	startupErrFile  string
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}
	command := os.Args[1]

	switch command {
	case "-h", "--help", "help":
		printUsage()
		return
	case "-v", "--version", "version":
		fmt.Println("atappd " + version)
		return
	}

	opts := parseFlags(os.Args[2:])

	switch command {
	case "start", "run":
		runForeground(opts)
	case "stop":
		signalRunning(opts, syscall.SIGTERM)
	case "reload":
		signalRunning(opts, syscall.SIGHUP)
	default:
		fmt.Fprintf(os.Stderr, "atappd: unknown command %q\n", command)
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: atappd <start|stop|reload|run> [flags]

  -id uint             override the bus id from config
  -id-mask uint        reserved id bitmask, informational
  -c, --conf string    path to atapp.yaml
  -p, --pid string     path to the pid file
  --upgrade            reserved: hot-upgrade handoff
  --startup-log string write startup diagnostics to this file
  --startup-error-file string  write a fatal startup error to this file
  -h, --help           show this help
  -v, --version        print the version`)
}

func parseFlags(args []string) options {
	fs := flag.NewFlagSet("atappd", flag.ExitOnError)
	var opts options
	fs.Uint64Var(&opts.id, "id", 0, "bus id override")
	fs.Uint64Var(&opts.idMask, "id-mask", 0, "reserved id bitmask")
	fs.StringVar(&opts.confPath, "conf", "", "path to atapp.yaml")
	fs.StringVar(&opts.confPath, "c", "", "path to atapp.yaml")
	fs.StringVar(&opts.pidPath, "pid", "", "path to the pid file")
	fs.StringVar(&opts.pidPath, "p", "", "path to the pid file")
	fs.BoolVar(&opts.upgrade, "upgrade", false, "reserved: hot-upgrade handoff")
	fs.StringVar(&opts.startupLog, "startup-log", "", "write startup diagnostics to this file")
	fs.StringVar(&opts.startupErrFile, "startup-error-file", "", "write a fatal startup error to this file")
	_ = fs.Parse(args)
	return opts
}

func signalRunning(opts options, sig syscall.Signal) {
	pid, err := readPID(opts.pidPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "atappd: %v\n", err)
		os.Exit(1)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "atappd: %v\n", err)
		os.Exit(1)
	}
	if err := proc.Signal(sig); err != nil {
		fmt.Fprintf(os.Stderr, "atappd: signal pid %d: %v\n", pid, err)
		os.Exit(1)
	}
}

func readPID(path string) (int, error) {
	if path == "" {
		return 0, fmt.Errorf("no -pid file given")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(string(bytesTrimSpace(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file: %w", err)
	}
	return pid, nil
}

func bytesTrimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func runForeground(opts options) {
	logger := logging.NewLoggerWithService("atappd", logging.InfoLevel)
	config.LoadEnv(logger)

	cfg, err := config.LoadFile(opts.confPath)
	if err != nil {
		writeStartupError(opts, err)
		logger.WithError(err).Fatal("atappd: failed to load configuration")
	}
	if opts.id != 0 {
		cfg.Bus.ID = opts.id
	}

	if opts.pidPath != "" {
		if err := os.WriteFile(opts.pidPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
			logger.WithError(err).Warn("atappd: failed to write pid file")
		}
		defer os.Remove(opts.pidPath)
	}

	core := app.New(cfg, opts.confPath, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if code := core.Init(ctx); code != 0 {
		logger.WithField("code", code.String()).Fatal("atappd: init failed")
	}

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for s := range sig {
			switch s {
			case syscall.SIGHUP:
				if code := core.Reload(); code != 0 {
					logger.WithField("code", code.String()).Warn("atappd: reload failed")
				}
			case syscall.SIGINT, syscall.SIGTERM:
				core.Stop()
				cancel()
				return
			}
		}
	}()

	if opts.startupLog != "" {
		_ = os.WriteFile(opts.startupLog, []byte(fmt.Sprintf("atappd started, pid=%d, time=%s\n", os.Getpid(), time.Now().Format(time.RFC3339))), 0644)
	}

	logger.Info("atappd: running")
	core.Run(ctx)
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := core.Close(closeCtx); err != nil {
		logger.WithError(err).Warn("atappd: close failed")
	}
	logger.Info("atappd: stopped")
}

func writeStartupError(opts options, err error) {
	if opts.startupErrFile == "" {
		return
	}
	_ = os.WriteFile(opts.startupErrFile, []byte(err.Error()+"\n"), 0644)
}
