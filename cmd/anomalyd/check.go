package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/vjranagit/anomalyd/internal/metrics"
	"github.com/vjranagit/anomalyd/pkg/types"
)

var errAnomalyFound = errors.New("anomaly detected")

func newCheckCmd() *cobra.Command {
	var (
		jsonOutput    bool
		failOnAnomaly bool
		vars          map[string]string
		timeout       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate the configured rules once",
		Long: `Evaluate every configured rule against the metrics backend and print the
verdicts. Context variables given with --var override each rule's defaults.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			_, _, engine, err := newEngine(cfg, logger, metrics.New(prometheus.NewRegistry()))
			if err != nil {
				return err
			}
			if engine.Len() == 0 {
				return errors.New("no rules configured")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			verdicts := engine.EvaluateAll(ctx, vars)

			if jsonOutput {
				err = printVerdictsJSON(cmd.OutOrStdout(), verdicts)
			} else {
				err = printVerdicts(cmd.OutOrStdout(), verdicts)
			}
			if err != nil {
				return err
			}

			if failOnAnomaly {
				for _, v := range verdicts {
					if v.IsAnomaly {
						return errAnomalyFound
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print verdicts as JSON")
	cmd.Flags().BoolVar(&failOnAnomaly, "fail-on-anomaly", false, "exit non-zero when any rule reports an anomaly")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "context variable key=value (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall evaluation timeout")
	return cmd
}

func printVerdicts(w io.Writer, verdicts []types.Verdict) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RULE\tVALUE\tANOMALY\tSCORE\tDETAILS")
	for _, v := range verdicts {
		fmt.Fprintf(tw, "%s\t%g\t%t\t%g\t%s\n", v.RuleName, v.Value, v.IsAnomaly, v.Score, v.Details)
	}
	return tw.Flush()
}

func printVerdictsJSON(w io.Writer, verdicts []types.Verdict) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(verdicts)
}

func newQueryCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "query <expr>",
		Short: "Run an instant query through the resilient client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			client, _, _, err := newEngine(cfg, logger, metrics.New(prometheus.NewRegistry()))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			body, err := client.Query(ctx, args[0])
			if err != nil {
				return err
			}

			var out bytes.Buffer
			if json.Indent(&out, body, "", "  ") != nil {
				out.Reset()
				out.Write(body)
			}
			out.WriteByte('\n')
			_, err = out.WriteTo(cmd.OutOrStdout())
			return err
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "query timeout")
	return cmd
}
