package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/swapsale/internal/e8s"
	"github.com/mbd888/swapsale/internal/sale"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the sale and its derived state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := getClient().State(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), snap, func(w io.Writer) {
			s := snap.Sale
			fmt.Fprintf(w, "sale        %s (%s)\n", s.ID, s.State.Lifecycle)
			if s.State.AbortReason != "" {
				fmt.Fprintf(w, "reason      %s\n", s.State.AbortReason)
			}
			fmt.Fprintf(w, "target      %s\n", e8s.Format(s.Init.TargetBaseE8s))
			fmt.Fprintf(w, "deposited   %s\n", e8s.Format(snap.Derived.TotalBaseE8s))
			fmt.Fprintf(w, "sale tokens %s\n", e8s.Format(s.State.SaleTokenE8s))
			fmt.Fprintf(w, "buyers      %d (min %d)\n", snap.Derived.BuyerCount, s.Init.MinParticipants)
			fmt.Fprintf(w, "closes      %s\n", s.Init.EndTime().UTC().Format(time.RFC3339))
			if s.State.Lifecycle.IsTerminal() {
				fmt.Fprintf(w, "settled     %t\n", snap.Derived.SettlementComplete)
			}
		})
	},
}

var buyerCmd = &cobra.Command{
	Use:   "buyer <principal>",
	Short: "Show one buyer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		view, err := getClient().Buyer(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), view, func(w io.Writer) {
			writeBuyer(w, &view.Buyer)
			fmt.Fprintf(w, "base leg    %s\n", view.BaseLeg)
			fmt.Fprintf(w, "token leg   %s\n", view.SaleTokenLeg)
		})
	},
}

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a pending sale",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getClient().Open(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), s, func(w io.Writer) {
			fmt.Fprintf(w, "sale %s is %s with %s sale tokens\n", s.ID, s.State.Lifecycle, e8s.Format(s.State.SaleTokenE8s))
		})
	},
}

var refreshTokensCmd = &cobra.Command{
	Use:   "refresh-tokens",
	Short: "Re-read the escrowed sale-token supply",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		supply, err := getClient().RefreshSaleTokens(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), map[string]uint64{"saleTokenE8s": supply}, func(w io.Writer) {
			fmt.Fprintf(w, "sale tokens %s\n", e8s.Format(supply))
		})
	},
}

var refreshBuyerCmd = &cobra.Command{
	Use:   "refresh-buyer [principal]",
	Short: "Reconcile a buyer's deposit (defaults to --caller)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var principal string
		if len(args) == 1 {
			principal = args[0]
		}
		res, err := getClient().RefreshBuyer(cmd.Context(), principal)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), res, func(w io.Writer) {
			writeBuyer(w, &res.Buyer)
			fmt.Fprintf(w, "observed    %s\n", e8s.Format(res.ObservedE8s))
			fmt.Fprintf(w, "admitted    %s\n", e8s.Format(res.AdmittedE8s))
			if res.ExcessE8s > 0 {
				fmt.Fprintf(w, "excess      %s\n", e8s.Format(res.ExcessE8s))
			}
			fmt.Fprintf(w, "lifecycle   %s\n", res.Lifecycle)
		})
	},
}

var finalizeCmd = &cobra.Command{
	Use:   "finalize",
	Short: "Run one settlement pass",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := getClient().Finalize(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), resp, func(w io.Writer) {
			r := resp.Result
			fmt.Fprintf(w, "lifecycle   %s\n", r.Lifecycle)
			writeSweep(w, "base", r.Base)
			writeSweep(w, "sale token", r.SaleToken)
			writeSweep(w, "governance", r.Governance)
			switch {
			case resp.Partial:
				fmt.Fprintf(w, "partial     %s\n", resp.Message)
			default:
				fmt.Fprintf(w, "complete    %t\n", r.Complete)
			}
		})
	},
}

var advanceCmd = &cobra.Command{
	Use:   "advance",
	Short: "Run the lifecycle transition check (admin)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		lc, err := getClient().Advance(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), map[string]sale.Lifecycle{"lifecycle": lc}, func(w io.Writer) {
			fmt.Fprintf(w, "lifecycle   %s\n", lc)
		})
	},
}

var resetLeg string

var resetCmd = &cobra.Command{
	Use:   "reset <principal>",
	Short: "Clear a stuck in-flight flag on a buyer's leg (admin)",
	Long: `reset clears the in-flight flag on one disbursement leg so the next
finalize pass retries it. Only use it once the ledger shows the transfer
failed, or the buyer may be paid twice.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		leg := sale.Leg(resetLeg)
		if leg != sale.LegBase && leg != sale.LegSaleToken {
			return fmt.Errorf("--leg must be %q or %q", sale.LegBase, sale.LegSaleToken)
		}
		b, err := getClient().ResetDisbursing(cmd.Context(), args[0], leg)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), b, func(w io.Writer) {
			writeBuyer(w, b)
		})
	},
}

func init() {
	resetCmd.Flags().StringVar(&resetLeg, "leg", string(sale.LegBase), "leg to reset: base|sale_token")
}

func writeBuyer(w io.Writer, b *sale.BuyerState) {
	fmt.Fprintf(w, "buyer       %s\n", b.Principal)
	fmt.Fprintf(w, "deposit     %s\n", e8s.Format(b.AmountBaseE8s))
	if b.AmountSaleTokenE8s > 0 {
		fmt.Fprintf(w, "allocation  %s\n", e8s.Format(b.AmountSaleTokenE8s))
	}
	if b.ParticipationE8s > 0 {
		fmt.Fprintf(w, "received    %s (registered %t)\n", e8s.Format(b.ParticipationE8s), b.ParticipationRegistered)
	}
}

func writeSweep(w io.Writer, label string, r sale.SweepResult) {
	fmt.Fprintf(w, "%-11s %d ok, %d failed, %d skipped\n", label, r.Success, r.Failure, r.Skipped)
}

