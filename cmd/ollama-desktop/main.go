// Ollama-desktop is a local LLM agent runtime: a tool-using chat loop over
// a local Ollama model with retrieval from a supervised Qdrant instance.
//
// It serves an HTTP API for desktop front ends and offers a CLI for
// one-shot questions, document ingestion and vector store control.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	ollama-desktop init [dir]                 Write a starter config and directories
//	ollama-desktop serve                      Start the API server
//	ollama-desktop ask <question>             Run one chat turn
//	ollama-desktop ingest <file>              Index a document for retrieval
//	ollama-desktop tools                      List the available tools
//	ollama-desktop models                     List installed models
//	ollama-desktop usage                      Summarize token usage
//	ollama-desktop qdrant status|start|stop   Inspect, start or stop the vector store
//	ollama-desktop version                    Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Cstannahill/ollama-desktop/internal/agent"
	"github.com/Cstannahill/ollama-desktop/internal/api"
	"github.com/Cstannahill/ollama-desktop/internal/buildinfo"
	"github.com/Cstannahill/ollama-desktop/internal/config"
	"github.com/Cstannahill/ollama-desktop/internal/usage"
)

// main builds the OS-level environment and hands off to [run], which
// keeps os.Exit and os.Args out of the code the tests drive.
func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand because the
// flag package's globals get in the way of calling run from parallel
// tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "ingest":
		return runIngest(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "tools":
		return runTools(stdout, stderr, configPath, outputFmt)
	case "models":
		return runModels(ctx, stdout, stderr, configPath, outputFmt)
	case "usage":
		return runUsage(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "qdrant":
		if len(cmdArgs) != 1 {
			return errors.New("usage: ollama-desktop qdrant status|start|stop")
		}
		return runQdrant(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "ollama-desktop - local LLM agent runtime")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: ollama-desktop [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init [dir]                 Write a starter config.yaml and directories")
	fmt.Fprintln(w, "  serve                      Start the API server")
	fmt.Fprintln(w, "  ask [opts] <question>      Run one chat turn")
	fmt.Fprintln(w, "                             -thread <id> -model <name> -rag -tools a,b")
	fmt.Fprintln(w, "  ingest [-thread id] <file>")
	fmt.Fprintln(w, "                             Index a document for retrieval")
	fmt.Fprintln(w, "  tools                      List the available tools")
	fmt.Fprintln(w, "  models                     List models installed in Ollama")
	fmt.Fprintln(w, "  usage [-thread id] [-since 24h]")
	fmt.Fprintln(w, "                             Summarize token usage per model")
	fmt.Fprintln(w, "  qdrant status|start|stop   Inspect, start or stop the vector store")
	fmt.Fprintln(w, "  version                    Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe is the primary operating mode. SIGINT or SIGTERM drains the
// HTTP server, lets the vectorizer finish its current job and stops a
// vector store this process launched.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(stdout, cfg.Logging)
	if err != nil {
		return err
	}
	logger.Info("starting ollama-desktop", "version", buildinfo.Version, "commit", buildinfo.Commit())
	logger.Info("config loaded",
		"path", cfgPath,
		"listen", cfg.ListenAddr(),
		"model", cfg.Ollama.ChatModel,
		"ollama_url", cfg.Ollama.URL,
		"qdrant_url", cfg.QdrantURL(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.vectorizer.Start(ctx)

	// The API is usable while the vector store boots; turns degrade to
	// no retrieval until it answers.
	go func() {
		if err := a.supervisor.EnsureRunning(ctx); err != nil {
			logger.Warn("vector store not started", "error", err)
		}
	}()

	a.watchServices(ctx)

	if err := config.Watch(ctx, cfgPath, logger, a.applyConfig); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.deps(), logger)
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	a.vectorizer.Wait()
	a.health.Wait()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.supervisor.Stop(stopCtx); err != nil {
		logger.Warn("vector store stop", "error", err)
	}

	logger.Info("ollama-desktop stopped")
	return nil
}

// askOptions are the flags of the ask subcommand.
type askOptions struct {
	threadID string
	model    string
	rag      bool
	tools    []string
	question string
}

func parseAskArgs(args []string) (askOptions, error) {
	opts := askOptions{threadID: "cli"}
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-thread" && i+1 < len(args):
			opts.threadID = args[i+1]
			i++
		case args[i] == "-model" && i+1 < len(args):
			opts.model = args[i+1]
			i++
		case args[i] == "-tools" && i+1 < len(args):
			for _, name := range strings.Split(args[i+1], ",") {
				if name = strings.TrimSpace(name); name != "" {
					opts.tools = append(opts.tools, name)
				}
			}
			i++
		case args[i] == "-rag":
			opts.rag = true
		default:
			words = append(words, args[i])
		}
	}
	opts.question = strings.TrimSpace(strings.Join(words, " "))
	if opts.question == "" {
		return opts, errors.New("usage: ollama-desktop ask [-thread id] [-model name] [-rag] [-tools a,b] <question>")
	}
	return opts, nil
}

// runAsk runs one turn through the same loop the server uses. Tools
// named with -tools are both enabled and allowed: naming them on the
// command line is the permission. Logs go to stderr so stdout carries
// only the answer.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	opts, err := parseAskArgs(args)
	if err != nil {
		return err
	}
	a, err := openApp(stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := a.loop.Run(ctx, &agent.Request{
		ThreadID:     opts.threadID,
		Model:        opts.model,
		Prompt:       opts.question,
		RAGEnabled:   opts.rag,
		EnabledTools: opts.tools,
		AllowedTools: opts.tools,
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		return writeJSON(stdout, resp)
	}
	fmt.Fprintln(stdout, resp.Content)
	return nil
}

func runIngest(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	threadID := "default"
	var files []string
	for i := 0; i < len(args); i++ {
		if args[i] == "-thread" && i+1 < len(args) {
			threadID = args[i+1]
			i++
			continue
		}
		files = append(files, args[i])
	}
	if len(files) == 0 {
		return errors.New("usage: ollama-desktop ingest [-thread id] <file>...")
	}

	a, err := openApp(stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, path := range files {
		res, err := a.ingester.IngestFile(ctx, threadID, path)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		if outputFmt == "json" {
			if err := writeJSON(stdout, res); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(stdout, "Ingested %s (%s): %d chunks into thread %s\n", res.File, res.MIME, res.Chunks, threadID)
	}
	return nil
}

func runTools(stdout, stderr io.Writer, configPath, outputFmt string) error {
	a, err := openApp(stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	specs := a.registry.Specs(a.registry.Names()...)
	if outputFmt == "json" {
		return writeJSON(stdout, specs)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	for _, s := range specs {
		fmt.Fprintf(tw, "%s\t%s\n", s.Name, s.Description)
	}
	return tw.Flush()
}

func runModels(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	a, err := openApp(stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	models, err := a.ollama.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	if outputFmt == "json" {
		return writeJSON(stdout, models)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	for _, m := range models {
		fmt.Fprintf(tw, "%s\t%d MB\n", m.Name, m.Size>>20)
	}
	return tw.Flush()
}

// runUsage prints token totals per model: usage [-thread id] [-since 24h].
func runUsage(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	f := usage.Filter{Since: time.Now().Add(-24 * time.Hour)}
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-thread" && i+1 < len(args):
			f.ThreadID = args[i+1]
			i++
		case args[i] == "-since" && i+1 < len(args):
			d, err := time.ParseDuration(args[i+1])
			if err != nil || d <= 0 {
				return fmt.Errorf("invalid -since %q: want a positive duration such as 24h", args[i+1])
			}
			f.Since = time.Now().Add(-d)
			i++
		default:
			return fmt.Errorf("unknown usage argument: %s", args[i])
		}
	}

	a, err := openApp(stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	total, err := a.usage.Summary(ctx, f)
	if err != nil {
		return err
	}
	byModel, err := a.usage.ByModel(ctx, f)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeJSON(stdout, map[string]any{"total": total, "by_model": byModel})
	}

	models := slices.Sorted(maps.Keys(byModel))
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tREQUESTS\tPROMPT\tOUTPUT")
	for _, m := range models {
		s := byModel[m]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", m, s.Requests, s.PromptTokens, s.OutputTokens)
	}
	fmt.Fprintf(tw, "total\t%d\t%d\t%d\n", total.Requests, total.PromptTokens, total.OutputTokens)
	return tw.Flush()
}

// runQdrant inspects, starts or stops the vector store. Only a Docker
// container can be stopped from here; a binary belongs to the serve
// process that launched it.
func runQdrant(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, sub string) error {
	a, err := openApp(stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	switch sub {
	case "status":
	case "start":
		if err := a.supervisor.Start(ctx); err != nil {
			return fmt.Errorf("start qdrant: %w", err)
		}
	case "stop":
		if err := a.supervisor.StopContainer(ctx); err != nil {
			return fmt.Errorf("stop qdrant: %w", err)
		}
	default:
		return fmt.Errorf("unknown qdrant command: %s (expected status, start or stop)", sub)
	}

	st := a.supervisor.Status(ctx)
	if outputFmt == "json" {
		return writeJSON(stdout, st)
	}
	state := "stopped"
	if st.Running {
		state = "running"
	}
	fmt.Fprintf(stdout, "qdrant %s on port %d (launch: %s, auto-start: %t)\n", state, st.Port, st.Method, st.AutoStart)
	return nil
}

// openApp loads the config and builds the component graph for a one-shot
// command, logging to w.
func openApp(w io.Writer, configPath string) (*app, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(w, cfg.Logging)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, logger)
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
