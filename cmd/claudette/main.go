// Command claudette routes AI requests to the cheapest suitable backend,
// with caching, circuit breaking, and a persistent usage ledger.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/fairyhunter13/claudette/internal/config"
	"github.com/fairyhunter13/claudette/internal/domain"
	"github.com/fairyhunter13/claudette/internal/observability"
)

var version = "dev"

// Exit codes reported to the shell.
const (
	exitOK           = 0
	exitGeneral      = 1
	exitInvalidInput = 2
	exitNetwork      = 3
	exitTimeout      = 4
	exitAuth         = 5
)

type rootFlags struct {
	backend     string
	model       string
	maxTokens   int
	temperature float64
	tempSet     bool
	files       []string
	noCache     bool
	raw         bool
	timeoutS    int
	verbose     bool
	quiet       bool
	debug       bool
}

func main() {
	os.Exit(run())
}

func run() int {
	// A local .env is a convenience for development; absence is fine.
	_ = godotenv.Load()

	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:     "claudette [prompt]",
		Short:   "AI request middleware: cache, route, fall back, account",
		Version: version,
		Args:    cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOptimize(cmd, args, flags)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.Flags()
	pf.StringVarP(&flags.backend, "backend", "b", "", "force a specific backend")
	pf.StringVarP(&flags.model, "model", "m", "", "override the backend's default model")
	pf.IntVar(&flags.maxTokens, "max-tokens", 0, "cap the response token count")
	pf.Float64VarP(&flags.temperature, "temperature", "t", 0, "sampling temperature in [0,1]")
	pf.StringSliceVarP(&flags.files, "file", "f", nil, "context file to attach (repeatable)")
	pf.BoolVar(&flags.noCache, "no-cache", false, "bypass the response cache")
	pf.BoolVar(&flags.raw, "raw", false, "skip optimization: single attempt, no cache, no scoring")
	pf.IntVar(&flags.timeoutS, "timeout", 0, "request timeout in seconds")

	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "print request metadata to stderr")
	rootCmd.PersistentFlags().BoolVarP(&flags.quiet, "quiet", "q", false, "suppress non-error output")
	rootCmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "debug logging")

	rootCmd.AddCommand(
		newStatusCmd(flags),
		newBackendsCmd(flags),
		newCacheCmd(flags),
		newUsageCmd(flags),
		newConfigCmd(flags),
		newServeCmd(flags),
		newAPIKeysCmd(flags),
		newInitCmd(flags),
	)

	if err := rootCmd.Execute(); err != nil {
		code := exitCodeFor(err)
		fmt.Fprintf(os.Stderr, "claudette: %v\n", err)
		printCauses(os.Stderr, err)
		return code
	}
	return exitOK
}

// runOptimize is the default command: send one prompt through the pipeline.
func runOptimize(cmd *cobra.Command, args []string, flags *rootFlags) error {
	flags.tempSet = cmd.Flags().Changed("temperature")

	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		// Piped input is the prompt when no positional args are given.
		if stat, err := os.Stdin.Stat(); err == nil && stat.Mode()&os.ModeCharDevice == 0 {
			raw, rerr := io.ReadAll(io.LimitReader(os.Stdin, domain.MaxPromptBytes+1))
			if rerr != nil {
				return fmt.Errorf("%w: read stdin: %v", domain.ErrInvalidInput, rerr)
			}
			prompt = strings.TrimSpace(string(raw))
		}
	}
	if prompt == "" {
		return fmt.Errorf("%w: no prompt given (pass as arguments or pipe via stdin)", domain.ErrInvalidInput)
	}

	app, err := bootstrap(flags)
	if err != nil {
		return err
	}
	defer app.Close()

	opts := domain.Options{
		ForcedBackend:      flags.backend,
		Model:              flags.model,
		MaxTokens:          flags.maxTokens,
		BypassCache:        flags.noCache,
		BypassOptimization: flags.raw,
	}
	if flags.tempSet {
		t := flags.temperature
		opts.Temperature = &t
	}
	if flags.timeoutS > 0 {
		opts.Timeout = time.Duration(flags.timeoutS) * time.Second
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resp, err := app.Optimizer.Optimize(ctx, prompt, flags.files, opts)
	if err != nil {
		return err
	}

	fmt.Println(resp.Content)
	if flags.verbose {
		printMetadata(os.Stderr, resp)
	}
	return nil
}

func printMetadata(w io.Writer, resp domain.Response) {
	fmt.Fprintf(w, "\n--- claudette ---\n")
	fmt.Fprintf(w, "backend:    %s\n", resp.BackendUsed)
	if m, ok := resp.Metadata["model"]; ok {
		fmt.Fprintf(w, "model:      %s\n", m)
	}
	fmt.Fprintf(w, "cache hit:  %v\n", resp.CacheHit)
	fmt.Fprintf(w, "latency:    %d ms\n", resp.LatencyMS)
	fmt.Fprintf(w, "tokens:     %d in / %d out\n", resp.TokensIn, resp.TokensOut)
	fmt.Fprintf(w, "cost:       %.6f EUR\n", resp.CostEUR)
}

// printCauses expands aggregate failures so the operator sees every
// backend's reason.
func printCauses(w io.Writer, err error) {
	var all *domain.AllFailedError
	if !errors.As(err, &all) {
		return
	}
	for _, c := range all.Causes {
		fmt.Fprintf(w, "  %s: %s: %s\n", c.Backend, c.Kind, c.Message)
	}
}

func exitCodeFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindInvalidInput:
		return exitInvalidInput
	case domain.KindNoBackends, domain.KindAllFailed, domain.KindCircuitOpen,
		domain.KindRateLimit, domain.KindTransient:
		return exitNetwork
	case domain.KindTimeout:
		return exitTimeout
	case domain.KindAuth:
		return exitAuth
	default:
		return exitGeneral
	}
}

// setupLogging configures slog once per invocation.
func setupLogging(cfg config.Config, flags *rootFlags) {
	logger := observability.SetupLogger(cfg, flags.quiet, flags.debug)
	slog.SetDefault(logger)
}
