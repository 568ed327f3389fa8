package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/thirdplace/server/internal/thirdplace/catalog"
	"github.com/thirdplace/server/internal/thirdplace/service"
	"github.com/thirdplace/server/internal/thirdplace/store/memory"
)

// offlineQuotes builds a QuoteService over a catalog file without touching
// the configured store.
func offlineQuotes(cmd *cobra.Command, catalogPath string) (*service.QuoteService, error) {
	cat, err := catalog.Load(catalogPath)
	if err != nil {
		return nil, err
	}
	refs := memory.NewReferenceStore()
	if err := cat.Seed(cmd.Context(), refs); err != nil {
		return nil, err
	}
	return service.NewQuoteService(refs), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newClassifyCommand() *cobra.Command {
	var (
		req         service.ClassifyRequest
		catalogPath string
	)
	cmd := &cobra.Command{
		Use:   "classify [declared activity]",
		Short: "Classify an activity against the catalog and print the result",
		Args:  cobra.ExactArgs(1),
		Example: `  thirdplace-server classify "bike repair" --equipment power_tools --cap 12
  thirdplace-server classify "wine tasting" --alcohol --space space-demo`,
		RunE: func(cmd *cobra.Command, args []string) error {
			quotes, err := offlineQuotes(cmd, catalogPath)
			if err != nil {
				return err
			}
			req.DeclaredActivity = args[0]
			res, err := quotes.Classify(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&req.Equipment, "equipment", nil, "equipment keys, comma separated")
	f.BoolVar(&req.Alcohol, "alcohol", false, "alcohol will be served")
	f.BoolVar(&req.MinorsPresent, "minors", false, "minors will attend")
	f.IntVar(&req.AttendanceCap, "cap", 10, "attendance cap")
	f.StringVar(&req.SpaceID, "space", "space-demo", "space id")
	f.StringVar(&catalogPath, "catalog", "", "catalog YAML file (default: embedded)")
	return cmd
}

func newQuoteCommand() *cobra.Command {
	var (
		req         service.QuoteRequest
		risk        float64
		catalogPath string
	)
	cmd := &cobra.Command{
		Use:   "quote [activity category]",
		Short: "Price an event and print the quote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			quotes, err := offlineQuotes(cmd, catalogPath)
			if err != nil {
				return err
			}
			req.ActivityCategory = args[0]
			if cmd.Flags().Changed("risk") {
				req.RiskScore = &risk
			}
			q, err := quotes.Quote(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), q)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.SpaceID, "space", "space-demo", "space id")
	f.IntVar(&req.AttendanceCap, "cap", 10, "attendance cap")
	f.IntVar(&req.DurationMinutes, "minutes", 180, "event duration in minutes")
	f.StringVar(&req.Jurisdiction, "jurisdiction", "US-CA", "ISO-3166-2 jurisdiction")
	f.Float64Var(&risk, "risk", 0, "risk score override in [0, 1]")
	f.StringVar(&catalogPath, "catalog", "", "catalog YAML file (default: embedded)")
	return cmd
}

func newRevokeAllCommand() *cobra.Command {
	var (
		reason string
		yes    bool
	)
	cmd := &cobra.Command{
		Use:   "revoke-all",
		Short: "Emergency: revoke every active grant and void every active envelope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to revoke without --yes")
			}
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.SeedOnStart = false

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.access.EmergencyRevokeAll(ctx, reason)
			if err != nil {
				return err
			}
			// Deliver now; anything left stays queued for the server's
			// dispatcher when the queue is shared.
			if _, _, err := a.dispatcher.Drain(ctx); err != nil {
				log.Warn("revocation flush", "error", err)
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on every revoked grant and voided envelope")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm")
	return cmd
}
