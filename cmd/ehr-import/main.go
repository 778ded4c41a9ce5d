package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/clinicalimport/internal/config"
	"github.com/ehr/clinicalimport/internal/domain/ingest"
	"github.com/ehr/clinicalimport/internal/domain/validation"
)

// errFailed marks a command whose result was already printed; main only sets
// the exit status.
var errFailed = errors.New("failed")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ehr-import",
		Short:         "Clinical data import service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(conceptsCmd())

	return rootCmd
}

// withApp loads configuration, builds the services and hands them to fn.
// Command output goes to cmd's out stream; logs go to its err stream.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg, cmd.ErrOrStderr())
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the import API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, runServer)
		},
	}
}

func runServer(_ context.Context, a *app) error {
	e := a.newServer()

	// Graceful shutdown
	go func() {
		addr := ":" + a.cfg.Port
		a.logger.Info().Str("addr", addr).Str("env", a.cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			a.logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	a.logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	a.logger.Info().Msg("server stopped")
	return nil
}

type importFlags struct {
	filename     string
	limit        int
	providerID   string
	sourceSystem string
	location     string
}

func (f *importFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.filename, "filename", "", "filename used for format detection (required when reading stdin)")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "maximum number of source records to import (0 = configured default)")
	cmd.Flags().StringVar(&f.providerID, "provider", "", "provider id stamped on observations")
	cmd.Flags().StringVar(&f.sourceSystem, "source-system", "", "source system stamped on observations")
	cmd.Flags().StringVar(&f.location, "location", "", "location stamped on visits")
}

func (f *importFlags) options() ingest.Options {
	return ingest.Options{
		Limit: f.limit,
		Context: ingest.ImportContext{
			ProviderID:   f.providerID,
			SourceSystem: f.sourceSystem,
			Location:     f.location,
		},
	}
}

func importCmd() *cobra.Command {
	var flags importFlags
	cmd := &cobra.Command{
		Use:   "import <file|->",
		Short: "Import a file and print the resulting envelope as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, filename, err := readInput(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			if flags.filename != "" {
				filename = flags.filename
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res := a.dispatcher.ImportFile(ctx, string(content), filename, flags.options())
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if !res.Success {
					return errFailed
				}
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func analyzeCmd() *cobra.Command {
	var flags importFlags
	cmd := &cobra.Command{
		Use:   "analyze <file|->",
		Short: "Check size and format of a file without importing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, filename, err := readInput(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			if flags.filename != "" {
				filename = flags.filename
			}
			return withApp(cmd, func(_ context.Context, a *app) error {
				res := a.dispatcher.AnalyzeFile(string(content), filename, flags.options())
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if !res.Valid {
					return errFailed
				}
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func validateCmd() *cobra.Command {
	var (
		dataType    string
		conceptCode string
		field       string
	)
	cmd := &cobra.Command{
		Use:   "validate <value>",
		Short: "Validate a single value and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := validation.DataType(dataType)
			req := validation.Request{
				Value:       cliValue(t, args[0]),
				Type:        t,
				ConceptCode: conceptCode,
			}
			if field != "" {
				req.Metadata = map[string]interface{}{"field": field}
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res := a.validator.Validate(ctx, req)
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if !res.IsValid {
					return errFailed
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dataType, "type", string(validation.TypeText), "data type: numeric, text, date, blob or boolean")
	cmd.Flags().StringVar(&conceptCode, "concept", "", "concept code whose rules apply")
	cmd.Flags().StringVar(&field, "field", "", "clinical field for plausibility checks, e.g. HEART_RATE")
	return cmd
}

// cliValue converts a command-line argument into the Go value the validator
// expects for t. Unconvertible input stays a string and fails the type check.
func cliValue(t validation.DataType, s string) interface{} {
	switch t {
	case validation.TypeNumeric:
		if _, err := strconv.ParseFloat(s, 64); err == nil {
			return json.Number(s)
		}
	case validation.TypeBoolean:
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return s
}

func conceptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "concepts",
		Short: "Inspect the concept dimension",
	}

	getCmd := &cobra.Command{
		Use:   "get <code>",
		Short: "Print a concept and its validation rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				entry, ok, err := a.lookup.Entry(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("concept not found: %s", args[0])
				}
				return writeJSON(cmd.OutOrStdout(), entry)
			})
		},
	}

	cmd.AddCommand(getCmd)
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
