package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/klyr/bastion/internal/report"
)

type reportOptions struct {
	in        string
	out       string
	format    string
	since     time.Duration
	route     string
	blockedBy string
	top       int
}

func newReportCmd() *cobra.Command {
	opts := reportOptions{}

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize a decision log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := buildReport(opts)
			if err != nil {
				return err
			}
			if opts.out == "" {
				_, err = cmd.OutOrStdout().Write(content)
				return err
			}
			return report.WriteOutput(opts.out, content)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.in, "in", "", "Decision log (JSONL) to read")
	flags.StringVar(&opts.out, "out", "", "Write the report to this file instead of stdout")
	flags.StringVar(&opts.format, "format", "text", "Output format: text|md|json")
	flags.DurationVar(&opts.since, "since", 0, "Only include decisions newer than this (e.g. 10m)")
	flags.StringVar(&opts.route, "route", "", "Only include decisions for this route id")
	flags.StringVar(&opts.blockedBy, "blocked-by", "", "Only include requests blocked by this rule id")
	flags.IntVar(&opts.top, "top", report.DefaultTop, "Entries per ranked section")

	return cmd
}

func buildReport(opts reportOptions) ([]byte, error) {
	if opts.in == "" {
		return nil, errors.New("--in is required")
	}
	if opts.top < 1 {
		return nil, fmt.Errorf("--top must be >= 1, got %d", opts.top)
	}

	reader := report.Reader{RouteID: opts.route, BlockedBy: opts.blockedBy}
	if opts.since > 0 {
		reader.Since = time.Now().Add(-opts.since)
	}
	decisions, err := reader.Read(opts.in)
	if err != nil {
		return nil, fmt.Errorf("read decision log: %w", err)
	}

	summary := report.SummarizeTop(decisions, opts.top)
	switch opts.format {
	case "", "text":
		return []byte(report.RenderText(summary)), nil
	case "md":
		return []byte(report.RenderMarkdown(summary)), nil
	case "json":
		return report.RenderJSON(summary)
	default:
		return nil, fmt.Errorf("unknown format %q", opts.format)
	}
}
