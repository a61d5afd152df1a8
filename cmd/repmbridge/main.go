package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	"github.com/mattjoyce/repmbridge/internal/api"
	"github.com/mattjoyce/repmbridge/internal/config"
	"github.com/mattjoyce/repmbridge/internal/dispatch"
	"github.com/mattjoyce/repmbridge/internal/doctor"
	"github.com/mattjoyce/repmbridge/internal/kvengine"
	"github.com/mattjoyce/repmbridge/internal/log"
	"github.com/mattjoyce/repmbridge/internal/result"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		os.Exit(runSystemNoun(args))
	case "config":
		os.Exit(runConfigNoun(args))

	// --- VERBS ---
	case "call":
		if hasHelpFlag(args) {
			printCallHelp()
			os.Exit(0)
		}
		os.Exit(runCall(args))
	case "start":
		os.Exit(runStart(args))
	case "version":
		fmt.Printf("repmbridge version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`repmbridge - serialized call bridge for an embedded storage engine

Usage:
  repmbridge <noun> <action> [flags]
  repmbridge call [flags] <method> <handle> [payload]

System Commands:
  system start      Initialize the engine and serve the HTTP boundary

Config Commands:
  config check      Load and validate the configuration

Calls:
  call              Run one engine call in-process and print the result

General:
  version           Show version information
  help              Show this help message

Use 'repmbridge <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: repmbridge system <action> [flags]")
	fmt.Fprintln(w, "Actions: start")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: repmbridge config <action> [flags]")
	fmt.Fprintln(w, "Actions: check")
}

func printSystemStartHelp() {
	fmt.Println("Usage: repmbridge system start [--config PATH]")
	fmt.Println("Takes the storage root lock, initializes the engine and serves until SIGINT/SIGTERM.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: repmbridge config check [--config PATH]")
}

func printCallHelp() {
	fmt.Println("Usage: repmbridge call [--config PATH] [--encoding text|bytes] [--open=false] <method> <handle> [payload|-]")
	fmt.Println("A payload of '-' is read from stdin. Methods: " + fmt.Sprint(sortedMethods()))
}

func sortedMethods() []string {
	m := kvengine.Methods()
	sort.Strings(m)
	return m
}

// loadConfig loads path, or the discovered config, or Defaults() when there
// is none.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, "", err
		}
		path = discovered
	}
	if path == "" {
		cfg, err := config.Parse(nil)
		return cfg, "", err
	}
	cfg, err := config.Load(path)
	return cfg, path, err
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("repmbridge starting", "version", version, "config", path)

	encoding, err := result.ParseEncoding(cfg.Boundary.Encoding)
	if err != nil {
		logger.Error("invalid boundary encoding", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := newRuntime(ctx, cfg, encoding)
	if err != nil {
		logger.Error("failed to assemble runtime (another instance may be running)", "error", err)
		return 1
	}
	defer func() {
		if err := rt.close(); err != nil {
			logger.Warn("cleanup incomplete", "error", err)
		}
	}()
	logger.Info("acquired PID lock", "path", rt.lock.Path(), "root", rt.root)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	// Initialization runs alongside the rest of startup; workers wait on Ready.
	go rt.lifecycle.Start(ctx)

	// The control loop outlives the dispatcher so shutdown failures still get delivered.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	var loopWG sync.WaitGroup
	loopWG.Add(1)
	go func() {
		defer loopWG.Done()
		_ = rt.loop.Run(loopCtx)
	}()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if err := rt.dispatcher.Run(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	apiServer := api.New(api.Config{
		Listen:  cfg.Boundary.Listen,
		APIKey:  cfg.Boundary.Auth.APIKey,
		Tokens:  rt.tokens(),
		Methods: sortedMethods(),
	}, rt.dispatcher, journalOrNil(rt), rt.lifecycle, rt.hub, log.WithComponent("api"))
	go func() {
		if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	logger.Info("repmbridge running (press Ctrl+C to stop)",
		"listen", cfg.Boundary.Listen,
		"policy", rt.router.Policy(),
		"encoding", encoding.String(),
	)

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}

	cancel()
	<-dispatchDone
	stopLoop()
	loopWG.Wait()

	logger.Info("repmbridge stopped")
	return code
}

// journalOrNil keeps a nil *journal.Journal from becoming a non-nil interface.
func journalOrNil(rt *runtime) api.CallJournal {
	if rt.journal == nil {
		return nil
	}
	return rt.journal
}

// cliReply records the single delivery and stops the control loop.
type cliReply struct {
	stop    context.CancelFunc
	payload any
	failed  bool
	message string
}

func (r *cliReply) Success(payload any) {
	r.payload = payload
	r.stop()
}

func (r *cliReply) Error(code, message string, _ any) {
	r.failed = true
	r.message = code + ": " + message
	r.stop()
}

// needsOpenHandle reports whether method operates on an already open handle.
func needsOpenHandle(method string) bool {
	switch method {
	case "open", "close", "drop", "list":
		return false
	}
	return true
}

// callOnce submits inv and runs the control loop on the calling goroutine
// until the reply arrives.
func callOnce(ctx context.Context, rt *runtime, inv dispatch.Invocation) *cliReply {
	loopCtx, stop := context.WithCancel(ctx)
	defer stop()
	reply := &cliReply{stop: stop}
	_, _ = rt.dispatcher.Submit(inv, reply)
	_ = rt.loop.Run(loopCtx)
	return reply
}

func runCall(args []string) int {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	encodingFlag := fs.String("encoding", "", "Result encoding: text or bytes (default from config)")
	autoOpen := fs.Bool("open", true, "Open the handle before calling methods that need it")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	rest := fs.Args()
	if len(rest) < 2 || len(rest) > 3 {
		printCallHelp()
		return 1
	}
	method, handle := rest[0], rest[1]

	var payload []byte
	if len(rest) == 3 {
		if rest[2] == "-" {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to read payload: %v\n", err)
				return 1
			}
			payload = b
		} else {
			payload = []byte(rest[2])
		}
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	// stdout carries the result.
	log.SetupWriter(os.Stderr, cfg.Service.LogLevel)

	encName := cfg.Boundary.Encoding
	if *encodingFlag != "" {
		encName = *encodingFlag
	}
	encoding, err := result.ParseEncoding(encName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := newRuntime(ctx, cfg, encoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start engine: %v\n", err)
		return 1
	}
	defer func() { _ = rt.close() }()

	go rt.lifecycle.Start(ctx)
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		_ = rt.dispatcher.Run(ctx)
	}()

	var reply *cliReply
	if *autoOpen && needsOpenHandle(method) {
		reply = callOnce(ctx, rt, dispatch.NewInvocation("open", handle, nil))
	}
	if reply == nil || !reply.failed {
		reply = callOnce(ctx, rt, dispatch.NewInvocation(method, handle, payload))
	}

	cancel()
	<-dispatchDone

	if reply.failed {
		fmt.Fprintln(os.Stderr, reply.message)
		return 1
	}
	switch p := reply.payload.(type) {
	case []byte:
		_, _ = os.Stdout.Write(p)
	case string:
		fmt.Println(p)
	}
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	root, err := cfg.ResolveRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	if path == "" {
		path = "(defaults)"
	}
	fmt.Printf("Config: %s\n", path)
	fmt.Printf("Storage root: %s\n", root)
	fmt.Printf("Dispatch: policy=%s queue_depth=%d sync_methods=%v\n",
		cfg.Dispatch.Policy, cfg.Dispatch.QueueDepth, cfg.Dispatch.SyncMethods)
	fmt.Printf("Boundary: listen=%s encoding=%s\n", cfg.Boundary.Listen, cfg.Boundary.Encoding)
	if cfg.Journal.Enabled {
		fmt.Printf("Journal: %s\n", cfg.ResolveJournalPath(root))
	} else {
		fmt.Println("Journal: disabled")
	}

	report := doctor.New(cfg, kvengine.Methods()).Validate()
	if len(report.Errors) > 0 || len(report.Warnings) > 0 {
		fmt.Print(doctor.FormatHuman(report))
	}
	if !report.Valid {
		return 1
	}
	fmt.Println("OK")
	return 0
}
