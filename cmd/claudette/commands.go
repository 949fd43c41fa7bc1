package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/claudette/internal/adapter/httpserver"
	"github.com/fairyhunter13/claudette/internal/config"
	"github.com/fairyhunter13/claudette/internal/domain"
	"github.com/fairyhunter13/claudette/internal/observability"
)

func newStatusCmd(flags *rootFlags) *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show backend health, cache, and ledger summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := bootstrap(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			if probe {
				pctx, cancel := context.WithTimeout(ctx, 15*time.Second)
				defer cancel()
				app.Optimizer.ProbeBackends(pctx)
			}

			report, err := app.Optimizer.Status(ctx)
			if err != nil {
				return err
			}

			state := "degraded"
			if report.Healthy {
				state = "healthy"
			}
			fmt.Printf("claudette: %s (uptime %s)\n\n", state, report.Uptime.Round(time.Second))
			for _, b := range report.Backends {
				marker := "ok"
				if !b.Healthy {
					marker = "unavailable"
				}
				fmt.Printf("  %-12s %-24s %-12s circuit=%s", b.Name, b.Model, marker, b.CircuitState)
				if b.Metrics.Requests > 0 {
					fmt.Printf("  avg=%.0fms success=%.0f%%", b.Metrics.AvgLatencyMS, b.Metrics.SuccessRate*100)
				}
				fmt.Println()
			}
			fmt.Printf("\ncache: %d entries, %.1f KiB, hit rate %.0f%%\n",
				report.Cache.Entries, float64(report.Cache.SizeBytes)/1024, report.Cache.HitRate*100)
			fmt.Printf("ledger: %d rows\n", report.LedgerRows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "probe backends live instead of using cached health")
	return cmd
}

func newBackendsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List configured backends with routing profiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := bootstrap(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			for _, b := range app.Optimizer.Backends() {
				fmt.Printf("%-12s model=%-28s circuit=%-10s", b.Name, b.Model, b.CircuitState)
				if b.Metrics.Requests > 0 {
					fmt.Printf(" requests=%d quality=%.2f", b.Metrics.Requests, b.Metrics.QualityScore)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func newCacheCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the response cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := bootstrap(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			st, err := app.Optimizer.CacheStats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("entries:   %d\n", st.Entries)
			fmt.Printf("size:      %.1f KiB\n", float64(st.SizeBytes)/1024)
			fmt.Printf("hits:      %d\n", st.Hits)
			fmt.Printf("misses:    %d\n", st.Misses)
			fmt.Printf("hit rate:  %.1f%%\n", st.HitRate*100)
			if !st.OldestEntry.IsZero() {
				fmt.Printf("oldest:    %s\n", st.OldestEntry.Format(time.RFC3339))
			}
			return nil
		},
	})

	var force bool
	clear := &cobra.Command{
		Use:   "clear",
		Short: "Drop every cached response",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				fmt.Print("clear the entire response cache? [y/N] ")
				var answer string
				_, _ = fmt.Scanln(&answer)
				if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
					fmt.Println("aborted")
					return nil
				}
			}
			app, err := bootstrap(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Optimizer.ClearCache(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("cache cleared")
			return nil
		},
	}
	clear.Flags().BoolVarP(&force, "force", "f", false, "skip the confirmation prompt")
	cmd.AddCommand(clear)
	return cmd
}

func newUsageCmd(flags *rootFlags) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show daily usage and spend from the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := bootstrap(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			aggs, err := app.Optimizer.Usage(cmd.Context(), days)
			if err != nil {
				return err
			}
			if len(aggs) == 0 {
				fmt.Println("no usage recorded")
				return nil
			}
			fmt.Printf("%-12s %-12s %8s %6s %10s %10s %12s\n",
				"day", "backend", "requests", "hits", "tok_in", "tok_out", "cost_eur")
			for _, a := range aggs {
				fmt.Printf("%-12s %-12s %8d %6d %10d %10d %12.6f\n",
					a.Bucket.Format("2006-01-02"), a.Backend, a.Requests, a.CacheHits,
					a.TokensIn, a.TokensOut, a.CostEUR)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "number of days to report")
	return cmd
}

func newConfigCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration (secrets masked)",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogging(cfg, flags)

			fmt.Printf("env:            %s\n", cfg.AppEnv)
			fmt.Printf("data dir:       %s\n", cfg.DataDir)
			fmt.Printf("memory store:   %v\n", cfg.UseMemoryStore())
			fmt.Printf("backends file:  %s\n", orDefault(cfg.BackendsFile, "(built-in defaults)"))
			fmt.Printf("redis:          %s\n", orDefault(cfg.RedisAddr, "(disabled)"))
			fmt.Printf("cache ttl:      %s\n", cfg.Thresholds.CacheTTL)
			fmt.Printf("cache size:     %d entries\n", cfg.Thresholds.MaxCacheSize)
			fmt.Printf("timeout:        %s (per-attempt cap %s)\n",
				cfg.Thresholds.RequestTimeout, cfg.Thresholds.SimpleRequestBase)
			fmt.Printf("fallback:       %v (max %d attempts)\n",
				cfg.Router.FallbackEnabled, cfg.Router.MaxAttempts)
			fmt.Printf("breaker:        %d failures / %.0f%% rate, reset %s\n",
				cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.FailureRateThreshold,
				cfg.CircuitBreaker.BaseReset)

			pool, err := cfg.LoadBackends()
			if err != nil {
				return err
			}
			fmt.Println("\nbackends:")
			for _, d := range config.Descriptors(pool) {
				key := "(none)"
				if d.APIKeyRef != "" {
					key = d.APIKeyRef
					if os.Getenv(d.APIKeyRef) == "" {
						key += " [unset]"
					}
				}
				fmt.Printf("  %-12s priority=%d model=%-28s cost=%.4f/1k key=%s\n",
					d.Name, d.Priority, d.Model, d.CostPer1KTokens, key)
			}
			return nil
		},
	}
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with health polling and retention sweeps",
		RunE: func(_ *cobra.Command, _ []string) error {
			app, err := bootstrap(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			if app.Cfg.OTLPEndpoint != "" {
				shutdownTracer, terr := observability.SetupTracing(app.Cfg)
				if terr != nil {
					slog.Error("tracing setup failed", slog.Any("error", terr))
				} else {
					defer func() { _ = shutdownTracer(context.Background()) }()
				}
			}

			if port == 0 {
				port = app.Cfg.ServePort
			}
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", port),
				Handler:           httpserver.NewServer(app.Cfg, app.Optimizer).Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				slog.Info("http server listening", slog.Int("port", port))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				app.Router.RunHealthPoller(gctx)
				return nil
			})
			if app.Store != nil {
				g.Go(func() error {
					app.Store.RunPeriodicCleanup(gctx, 24*time.Hour)
					return nil
				})
			}
			g.Go(func() error {
				<-gctx.Done()
				shCtx, cancel := context.WithTimeout(context.Background(), app.Cfg.ShutdownTimeout)
				defer cancel()
				return srv.Shutdown(shCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default from config)")
	return cmd
}

// providerKeys maps CLI provider names to the env vars holding their keys.
var providerKeys = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"claude":    "ANTHROPIC_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"qwen":      "DASHSCOPE_API_KEY",
}

func newAPIKeysCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "api-keys",
		Short: "Manage provider credentials",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show which provider keys are configured",
		RunE: func(_ *cobra.Command, _ []string) error {
			for _, p := range []string{"openai", "claude", "qwen"} {
				envVar := providerKeys[p]
				state := "not set"
				if v := os.Getenv(envVar); v != "" {
					state = "set (" + maskKey(v) + ")"
				}
				fmt.Printf("%-8s %-20s %s\n", p, envVar, state)
			}
			fmt.Printf("%-8s %-20s %s\n", "ollama", "(none)", "local, keyless")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "test",
		Short: "Probe every configured backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := bootstrap(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 20*time.Second)
			defer cancel()
			app.Optimizer.ProbeBackends(ctx)

			failures := 0
			for _, b := range app.Optimizer.Backends() {
				state := "reachable"
				if !b.Healthy {
					state = "unreachable"
					failures++
				}
				fmt.Printf("%-12s %s\n", b.Name, state)
			}
			if failures > 0 {
				return fmt.Errorf("%w: %d backend(s) unreachable", domain.ErrNoBackendsAvailable, failures)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <provider> <key>",
		Short: "Store a provider key in the data-dir .env file",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			envVar, ok := providerKeys[strings.ToLower(args[0])]
			if !ok {
				return fmt.Errorf("%w: unknown provider %q", domain.ErrInvalidInput, args[0])
			}
			return updateEnvFile(func(vals map[string]string) {
				vals[envVar] = args[1]
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <provider>",
		Short: "Remove a provider key from the data-dir .env file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			envVar, ok := providerKeys[strings.ToLower(args[0])]
			if !ok {
				return fmt.Errorf("%w: unknown provider %q", domain.ErrInvalidInput, args[0])
			}
			return updateEnvFile(func(vals map[string]string) {
				delete(vals, envVar)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "guide",
		Short: "Where to obtain keys and how to set them",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(`Provider keys are read from the environment (a .env file works too):

  OPENAI_API_KEY      https://platform.openai.com/api-keys
  ANTHROPIC_API_KEY   https://console.anthropic.com/settings/keys
  DASHSCOPE_API_KEY   https://dashscope.console.aliyun.com/apiKey

Ollama needs no key; point OLLAMA_BASE_URL at your instance if it is not
on localhost:11434. Store keys with "claudette api-keys add <provider> <key>"
or export them in your shell.`)
		},
	})

	return cmd
}

func newInitCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the data directory and a sample backends file",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogging(cfg, flags)

			if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
				return fmt.Errorf("op=init: %w", err)
			}
			sample := filepath.Join(cfg.DataDir, "backends.sample.yaml")
			if _, err := os.Stat(sample); err == nil {
				fmt.Printf("%s already exists\n", sample)
				return nil
			}
			if err := os.WriteFile(sample, []byte(sampleBackendsYAML), 0o600); err != nil {
				return fmt.Errorf("op=init: %w", err)
			}
			fmt.Printf("created %s\n", cfg.DataDir)
			fmt.Printf("sample pool written to %s\n", sample)
			fmt.Println("point CLAUDETTE_BACKENDS_FILE at a copy to customise routing")
			return nil
		},
	}
}

const sampleBackendsYAML = `backends:
  openai:
    enabled: true
    kind: openai
    priority: 1
    model: gpt-4o-mini
    base_url: https://api.openai.com/v1
    api_key_ref: OPENAI_API_KEY
    cost_per_1k_tokens: 0.0006
    profile:
      task_scores: {reasoning: 0.90, code: 0.90, math: 0.85, general: 0.88}
      languages: [en, de, fr, es, ja]
      quality: 0.88
      reliability: 0.95
      baseline_latency_s: 1.2
  ollama:
    enabled: true
    kind: openai
    priority: 9
    model: llama3.2
    base_url: http://localhost:11434/v1
    cost_per_1k_tokens: 0
    profile:
      task_scores: {general: 0.70, code: 0.70}
      languages: [en]
      quality: 0.68
      reliability: 0.85
      baseline_latency_s: 3.0
`

// updateEnvFile rewrites the data-dir .env with fn applied.
func updateEnvFile(fn func(map[string]string)) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("op=updateEnvFile: %w", err)
	}
	path := filepath.Join(cfg.DataDir, ".env")

	vals, err := godotenv.Read(path)
	if err != nil {
		vals = map[string]string{}
	}
	fn(vals)
	if err := godotenv.Write(vals, path); err != nil {
		return fmt.Errorf("op=updateEnvFile: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("op=updateEnvFile: %w", err)
	}
	fmt.Printf("updated %s\n", path)
	return nil
}

func maskKey(v string) string {
	if len(v) <= 8 {
		return "****"
	}
	return v[:4] + "…" + v[len(v)-4:]
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
