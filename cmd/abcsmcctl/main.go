package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"abcsmc/internal/logging"
	"abcsmc/pkg/abcsmc"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "abcsmcctl",
		Short: "Calibrate stochastic simulators with ABC-SMC",
		Long: `abcsmcctl runs Approximate Bayesian Computation with Sequential Monte
Carlo against an external executable or a registered in-process simulator,
and inspects the sets stored by earlier runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "abcsmc.yaml", "Run configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(),
		newReportCmd(),
		newSetsCmd(),
		newPosteriorCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"version": version})
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "abcsmcctl version %s\n", version)
			return err
		},
	}
}

// openClient loads the configuration named by --config and applies the
// command-line overrides shared by every subcommand.
func openClient(cmd *cobra.Command) (*abcsmc.Client, *abcsmc.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := abcsmc.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if cmd.Flags().Changed("resume") {
		cfg.Resume, _ = cmd.Flags().GetBool("resume")
	}
	if cmd.Flags().Changed("workers") {
		cfg.Workers, _ = cmd.Flags().GetInt("workers")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())
	client, err := abcsmc.New(cfg, abcsmc.Options{Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	return client, cfg, nil
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run or resume a calibration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, cfg, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			addr, _ := cmd.Flags().GetString("metrics-addr")
			if addr == "" {
				addr = cfg.MetricsAddr
			}
			if addr != "" {
				shutdown, err := serveMetrics(addr, client.MetricsHandler())
				if err != nil {
					return err
				}
				defer shutdown()
			}

			summary, err := client.Run(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return writeJSON(cmd.OutOrStdout(), summary)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s: %d generations (%d restored), artifacts in %s\n", summary.RunID, summary.Generations, summary.Restored, summary.Directory)
			return printParameters(out, summary.Final)
		},
	}
	cmd.Flags().Bool("resume", false, "Resume the run stored in the configured database")
	cmd.Flags().Int("workers", 0, "Number of simulator workers")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address while running")
	return cmd
}

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Summarize every completed generation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			summaries, err := client.Report(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return writeJSON(cmd.OutOrStdout(), summaries)
			}
			out := cmd.OutOrStdout()
			for _, s := range summaries {
				fmt.Fprintf(out, "generation %d  kernel=%s  best=%g  threshold=%g  nrmse=%g\n", s.Generation, s.KernelKind, s.BestDistance, s.Threshold, s.NRMSE)
				if err := printParameters(out, s); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newSetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sets",
		Short: "List the sets recorded in the database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			sets, err := client.Sets(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return writeJSON(cmd.OutOrStdout(), sets)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "GENERATION\tCOMPLETE\tKERNEL\tRETAINED\tCREATED")
			for _, s := range sets {
				fmt.Fprintf(w, "%d\t%t\t%s\t%d\t%s\n", s.Generation, s.Complete, s.KernelKind, s.Retained, s.CreatedAt)
			}
			return w.Flush()
		},
	}
}

func newPosteriorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "posterior",
		Short: "Export the final predictive prior as CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			table, err := client.Posterior(cmd.Context())
			if err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString("out")
			if path == "" {
				return writePosteriorCSV(cmd.OutOrStdout(), table)
			}
			file, err := os.Create(path)
			if err != nil {
				return err
			}
			if err := writePosteriorCSV(file, table); err != nil {
				_ = file.Close()
				return err
			}
			return file.Close()
		},
	}
	cmd.Flags().StringP("out", "o", "", "Write CSV to this file instead of stdout")
	return cmd
}

func printParameters(out io.Writer, s abcsmc.GenerationSummary) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  PARAMETER\tMEAN\tMEDIAN\tQ05\tQ95\tSTDEV")
	for _, p := range s.Parameters {
		fmt.Fprintf(w, "  %s\t%.6g\t%.6g\t%.6g\t%.6g\t%.6g\n", p.Name, p.Mean, p.Median, p.Q05, p.Q95, p.Stdev)
	}
	return w.Flush()
}

func writePosteriorCSV(out io.Writer, table abcsmc.PosteriorTable) error {
	w := csv.NewWriter(out)
	if err := w.Write(append([]string{"rank"}, table.Names...)); err != nil {
		return err
	}
	for rank, row := range table.Rows {
		record := make([]string, 0, len(row)+1)
		record = append(record, strconv.Itoa(rank))
		for _, v := range row {
			record = append(record, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeJSON(out io.Writer, value any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func serveMetrics(addr string, handler http.Handler) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintln(os.Stderr, "metrics server:", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
