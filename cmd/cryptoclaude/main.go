package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	httpiface "github.com/ommthree/cryptoclaude/internal/interfaces/http"

	"github.com/ommthree/cryptoclaude/internal/config"
	"github.com/ommthree/cryptoclaude/internal/histload"
	"github.com/ommthree/cryptoclaude/internal/request"
)

const (
	appName = "cryptoclaude"
	version = "v1.0.0"
)

// Exit codes.
const (
	exitOK            = 0
	exitInvalidConfig = 1
	exitQuotaExhaust  = 2
	exitDBError       = 3
	exitAuthFailure   = 4
)

var (
	flagConfig  string
	flagVerbose bool
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Quota-aware market data cache for free-tier crypto providers",
		Version: version,
		Long: `cryptoclaude ingests price, OHLCV, news and sentiment data from
free-tier providers while staying inside their daily and monthly quotas.
Responses land in an embedded SQLite cache; when budgets run out, requests
degrade through alternative providers, interpolation and static fallbacks.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagVerbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCmd(), newFetchCmd(), newLoadCmd(), newStatsCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps the error taxonomy onto process exit codes.
func exitCodeFor(err error) int {
	var rerr *request.Error
	if errors.As(err, &rerr) {
		switch rerr.Kind {
		case request.KindInvalidConfig:
			return exitInvalidConfig
		case request.KindQuotaExhausted:
			return exitQuotaExhaust
		case request.KindProviderFailure:
			if rerr.Status == 401 || rerr.Status == 403 {
				return exitAuthFailure
			}
		}
	}
	return exitDBError
}

func loadConfig() (*config.Config, error) {
	if flagConfig == "" {
		return config.Default(), nil
	}
	return config.Load(flagConfig)
}

func sealKeyFromEnv() []byte {
	raw := os.Getenv("CRYPTOCLAUDE_SEAL_KEY")
	if raw == "" {
		return nil
	}
	if key, err := base64.StdEncoding.DecodeString(raw); err == nil && len(key) == 32 {
		return key
	}
	return []byte(raw)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the service with the local diagnostic HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, sealKeyFromEnv())
			if err != nil {
				return err
			}
			defer a.service.Close()

			if err := a.service.Start(cmd.Context()); err != nil {
				return err
			}

			server, err := httpiface.NewServer(httpiface.DefaultServerConfig(), a.service, a.registry)
			if err != nil {
				return err
			}

			serverErr := make(chan error, 1)
			go func() {
				if err := server.Start(); err != nil {
					serverErr <- err
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			select {
			case <-quit:
				log.Info().Msg("Shutdown signal received")
			case err := <-serverErr:
				return err
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

func newFetchCmd() *cobra.Command {
	var (
		dataType string
		provider string
		endpoint string
		priority int
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "fetch SYMBOL",
		Short: "Fetch one data point and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, sealKeyFromEnv())
			if err != nil {
				return err
			}
			defer a.service.Close()
			if err := a.service.Start(cmd.Context()); err != nil {
				return err
			}

			req := &request.Request{
				DataType:     dataType,
				ProviderHint: provider,
				Symbol:       args[0],
				Endpoint:     endpoint,
				Priority:     request.Priority(priority),
				AllowCache:   true,
				Deadline:     time.Now().Add(timeout),
			}
			res := a.service.Fetch(cmd.Context(), req)
			if res.Err != nil {
				return res.Err
			}

			out := map[string]any{
				"source":  res.Source.String(),
				"quality": res.Quality,
				"payload": json.RawMessage(res.Payload),
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&dataType, "type", "price", "Data type (price|historical|news|sentiment)")
	cmd.Flags().StringVar(&provider, "provider", "", "Preferred provider id")
	cmd.Flags().StringVar(&endpoint, "endpoint", "price", "Provider endpoint")
	cmd.Flags().IntVar(&priority, "priority", int(request.PriorityMedium), "Priority (0=critical .. 4=background)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Fetch deadline")
	return cmd
}

func newLoadCmd() *cobra.Command {
	var (
		providerID string
		timeframe  string
		startStr   string
		endStr     string
	)
	cmd := &cobra.Command{
		Use:   "load SYMBOL",
		Short: "Back-fill historical data for a symbol and date range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := time.Parse("2006-01-02", startStr)
			if err != nil {
				return request.WrapError(request.KindInvalidConfig, err, "invalid --start")
			}
			end, err := time.Parse("2006-01-02", endStr)
			if err != nil {
				return request.WrapError(request.KindInvalidConfig, err, "invalid --end")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, sealKeyFromEnv())
			if err != nil {
				return err
			}
			defer a.service.Close()
			if err := a.service.Start(cmd.Context()); err != nil {
				return err
			}

			id, err := a.service.StartHistoricalLoad(histload.Range{
				Symbol:    args[0],
				Provider:  providerID,
				Timeframe: timeframe,
				Start:     start,
				End:       end,
			})
			if err != nil {
				return err
			}
			log.Info().Str("loading_id", id).Msg("Historical load started")

			ticker := time.NewTicker(2 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				p, ok := a.service.LoadingStatus(id)
				if !ok {
					break
				}
				log.Info().
					Int("completed", p.Completed).
					Int("total", p.TotalChunks).
					Int("failed", p.Failed).
					Str("status", p.Status).
					Msg("Load progress")
				if p.Status != histload.StatusLoading && p.Status != histload.StatusPaused {
					if p.Status == histload.StatusCompletedWithErrors {
						log.Warn().Msg("Load finished with failed chunks")
					}
					break
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&providerID, "provider", "cc", "Provider id")
	cmd.Flags().StringVar(&timeframe, "timeframe", "1d", "Bar timeframe (1m|5m|15m|1h|4h|1d)")
	cmd.Flags().StringVar(&startStr, "start", "", "Range start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endStr, "end", "", "Range end (YYYY-MM-DD)")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print per-provider quota and cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, sealKeyFromEnv())
			if err != nil {
				return err
			}
			defer a.service.Close()
			if err := a.service.Start(cmd.Context()); err != nil {
				return err
			}

			stats := a.service.Stats(cmd.Context())
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
}
