package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/MarkoPoloResearchLab/payledger/internal/config"
	"github.com/MarkoPoloResearchLab/payledger/internal/reporting"
	"github.com/MarkoPoloResearchLab/payledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/payledger/pkg/ledger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	flagReportCurrency = "currency"
	flagReportFrom     = "from"
	flagReportTo       = "to"
)

type reportOptions struct {
	kind     string
	currency string
	from     string
	to       string
}

func newReportCommand(cfg *config.Config) *cobra.Command {
	options := &reportOptions{}
	cmd := &cobra.Command{
		Use:       "report {pnl|balance-sheet|cash-flow|dashboard|revenue|mrr}",
		Short:     "Print a platform report as JSON",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"pnl", "balance-sheet", "cash-flow", "dashboard", "revenue", "mrr"},
		RunE: func(cmd *cobra.Command, args []string) error {
			options.kind = args[0]
			return runReport(cmd.Context(), *cfg, *options, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&options.currency, flagReportCurrency, "USD", "report currency")
	cmd.Flags().StringVar(&options.from, flagReportFrom, "", "period start, RFC 3339")
	cmd.Flags().StringVar(&options.to, flagReportTo, "", "period end (exclusive), RFC 3339")
	return cmd
}

func runReport(ctx context.Context, cfg config.Config, options reportOptions, out io.Writer) error {
	currency, err := ledger.NewCurrency(options.currency)
	if err != nil {
		return err
	}
	period, err := parsePeriod(options.from, options.to)
	if err != nil {
		return err
	}
	store, closeStore, err := gormstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = closeStore() }()

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	projector, err := reporting.NewProjector(store, logger)
	if err != nil {
		return err
	}
	if err := projector.Rebuild(ctx, store); err != nil {
		return err
	}
	report, err := buildReport(projector, options.kind, currency, period)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

func buildReport(projector *reporting.Projector, kind string, currency ledger.Currency, period reporting.Period) (any, error) {
	asOf := period.To
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	switch kind {
	case "pnl":
		return projector.ProfitAndLoss(currency, period), nil
	case "balance-sheet":
		return projector.BalanceSheet(currency, period.To), nil
	case "cash-flow":
		return projector.CashFlow(currency, period), nil
	case "dashboard":
		return projector.ExecutiveDashboard(currency, period), nil
	case "revenue":
		return map[string]any{"revenue": projector.PlatformRevenue(currency, period)}, nil
	case "mrr":
		return map[string]any{"mrr": projector.MRR(currency, asOf), "as_of": asOf}, nil
	default:
		return nil, fmt.Errorf("unknown report %q", kind)
	}
}

func parsePeriod(rawFrom string, rawTo string) (reporting.Period, error) {
	var period reporting.Period
	if rawFrom != "" {
		from, err := time.Parse(time.RFC3339, rawFrom)
		if err != nil {
			return reporting.Period{}, fmt.Errorf("--%s: %w", flagReportFrom, err)
		}
		period.From = from.UTC()
	}
	if rawTo != "" {
		to, err := time.Parse(time.RFC3339, rawTo)
		if err != nil {
			return reporting.Period{}, fmt.Errorf("--%s: %w", flagReportTo, err)
		}
		period.To = to.UTC()
	}
	return period, nil
}
