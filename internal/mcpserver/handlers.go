package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/swapsale/internal/e8s"
	"github.com/mbd888/swapsale/internal/sale"
	"github.com/mbd888/swapsale/pkg/saleclient"
)

// SaleAPI is the subset of the sale API the tools use.
type SaleAPI interface {
	State(ctx context.Context) (*sale.Snapshot, error)
	Buyer(ctx context.Context, principal string) (*saleclient.BuyerView, error)
	Open(ctx context.Context) (*sale.Sale, error)
	RefreshSaleTokens(ctx context.Context) (uint64, error)
	RefreshBuyer(ctx context.Context, principal string) (*sale.RefreshResult, error)
	Finalize(ctx context.Context) (*saleclient.FinalizeResponse, error)
}

var _ SaleAPI = (*saleclient.Client)(nil)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	api SaleAPI
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(api SaleAPI) *Handlers {
	return &Handlers{api: api}
}

// HandleGetSaleState summarizes the sale.
func (h *Handlers) HandleGetSaleState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := h.api.State(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get sale state: %v", err)), nil
	}
	return mcp.NewToolResultText(formatSnapshot(snap)), nil
}

// HandleGetBuyer shows one buyer.
func (h *Handlers) HandleGetBuyer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	principal := strings.TrimSpace(req.GetString("principal", ""))
	if principal == "" {
		return mcp.NewToolResultError("principal is required"), nil
	}

	view, err := h.api.Buyer(ctx, principal)
	if err != nil {
		if saleclient.IsCode(err, "buyer_not_found") {
			return mcp.NewToolResultText(fmt.Sprintf("%s has not deposited into this sale.", principal)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get buyer: %v", err)), nil
	}
	return mcp.NewToolResultText(formatBuyer(view)), nil
}

// HandleOpenSale opens a pending sale.
func (h *Handlers) HandleOpenSale(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := h.api.Open(ctx)
	if err != nil {
		if saleclient.IsCode(err, "no_sale_tokens") {
			return mcp.NewToolResultError("Cannot open: no sale tokens are escrowed in the sale's account yet."), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to open sale: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Sale %s is open.\n  Escrowed sale tokens: %s\n  Closes: %s",
		s.ID, e8s.Format(s.State.SaleTokenE8s), formatEnd(s.Init))), nil
}

// HandleRefreshSaleTokens re-reads the escrowed supply.
func (h *Handlers) HandleRefreshSaleTokens(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	supply, err := h.api.RefreshSaleTokens(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to refresh sale tokens: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Escrowed sale tokens: %s", e8s.Format(supply))), nil
}

// HandleRefreshBuyer reconciles a deposit.
func (h *Handlers) HandleRefreshBuyer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	principal := strings.TrimSpace(req.GetString("principal", ""))

	res, err := h.api.RefreshBuyer(ctx, principal)
	if err != nil {
		switch {
		case saleclient.IsCode(err, "below_minimum"):
			return mcp.NewToolResultError("Deposit is below the sale's minimum per participant. Deposit more and refresh again."), nil
		case saleclient.IsCode(err, "target_reached"):
			return mcp.NewToolResultError("The sale has reached its target and admits no new buyers."), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to refresh buyer: %v", err)), nil
	}
	return mcp.NewToolResultText(formatRefresh(res)), nil
}

// HandleFinalizeSale runs one settlement pass.
func (h *Handlers) HandleFinalizeSale(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp, err := h.api.Finalize(ctx)
	if err != nil {
		if saleclient.IsCode(err, "invalid_lifecycle") {
			return mcp.NewToolResultError("The sale can only be finalized once it is committed or aborted."), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to finalize sale: %v", err)), nil
	}
	return mcp.NewToolResultText(formatFinalize(resp)), nil
}

// --- formatting ---

func formatSnapshot(snap *sale.Snapshot) string {
	s := snap.Sale
	var sb strings.Builder
	fmt.Fprintf(&sb, "Sale %s: %s\n", s.ID, s.State.Lifecycle)
	if s.State.AbortReason != "" {
		fmt.Fprintf(&sb, "  Abort reason: %s\n", s.State.AbortReason)
	}
	fmt.Fprintf(&sb, "  Target:            %s\n", e8s.Format(s.Init.TargetBaseE8s))
	fmt.Fprintf(&sb, "  Deposited:         %s\n", e8s.Format(snap.Derived.TotalBaseE8s))
	fmt.Fprintf(&sb, "  Sale tokens:       %s\n", e8s.Format(s.State.SaleTokenE8s))
	fmt.Fprintf(&sb, "  Buyers:            %d (minimum %d)\n", snap.Derived.BuyerCount, s.Init.MinParticipants)
	fmt.Fprintf(&sb, "  Minimum deposit:   %s\n", e8s.Format(s.Init.MinParticipantBaseE8s))
	if snap.Derived.ExchangeRate > 0 {
		fmt.Fprintf(&sb, "  Exchange rate:     %.8f sale tokens per base token\n", snap.Derived.ExchangeRate)
	}
	fmt.Fprintf(&sb, "  Closes:            %s\n", formatEnd(s.Init))
	if s.State.Lifecycle.IsTerminal() {
		if snap.Derived.SettlementComplete {
			sb.WriteString("  Settlement: complete\n")
		} else {
			sb.WriteString("  Settlement: in progress (run finalize_sale)\n")
		}
	}
	return sb.String()
}

func formatBuyer(v *saleclient.BuyerView) string {
	b := v.Buyer
	var sb strings.Builder
	fmt.Fprintf(&sb, "Buyer %s:\n", b.Principal)
	fmt.Fprintf(&sb, "  Deposit held:      %s\n", e8s.Format(b.AmountBaseE8s))
	if b.AmountSaleTokenE8s > 0 {
		fmt.Fprintf(&sb, "  Allocation due:    %s\n", e8s.Format(b.AmountSaleTokenE8s))
	}
	if b.ParticipationE8s > 0 {
		fmt.Fprintf(&sb, "  Tokens received:   %s (registered: %t)\n", e8s.Format(b.ParticipationE8s), b.ParticipationRegistered)
	}
	fmt.Fprintf(&sb, "  Base leg:          %s\n", v.BaseLeg)
	fmt.Fprintf(&sb, "  Sale token leg:    %s\n", v.SaleTokenLeg)
	return sb.String()
}

func formatRefresh(res *sale.RefreshResult) string {
	var sb strings.Builder
	switch {
	case res.Created:
		fmt.Fprintf(&sb, "%s joined the sale.\n", res.Buyer.Principal)
	case res.AdmittedE8s > 0:
		fmt.Fprintf(&sb, "%s increased their deposit.\n", res.Buyer.Principal)
	default:
		fmt.Fprintf(&sb, "No new deposit for %s.\n", res.Buyer.Principal)
	}
	fmt.Fprintf(&sb, "  Observed:  %s\n", e8s.Format(res.ObservedE8s))
	fmt.Fprintf(&sb, "  Admitted:  %s\n", e8s.Format(res.AdmittedE8s))
	fmt.Fprintf(&sb, "  Total:     %s\n", e8s.Format(res.Buyer.AmountBaseE8s))
	if res.ExcessE8s > 0 {
		fmt.Fprintf(&sb, "  Excess %s stays in the deposit subaccount (sale target reached).\n", e8s.Format(res.ExcessE8s))
	}
	fmt.Fprintf(&sb, "  Sale is %s.\n", res.Lifecycle)
	return sb.String()
}

func formatFinalize(resp *saleclient.FinalizeResponse) string {
	r := resp.Result
	var sb strings.Builder
	fmt.Fprintf(&sb, "Settlement pass on %s sale:\n", r.Lifecycle)
	writeSweep(&sb, "Base tokens", r.Base)
	writeSweep(&sb, "Sale tokens", r.SaleToken)
	writeSweep(&sb, "Registrations", r.Governance)
	switch {
	case resp.Partial:
		fmt.Fprintf(&sb, "Pass was cut short (%s). Run finalize_sale again.\n", resp.Message)
	case r.Complete:
		sb.WriteString("Settlement is complete.\n")
	default:
		sb.WriteString("Some legs are still pending. Run finalize_sale again.\n")
	}
	return sb.String()
}

func writeSweep(sb *strings.Builder, label string, r sale.SweepResult) {
	fmt.Fprintf(sb, "  %-14s %d ok, %d failed, %d in flight\n", label+":", r.Success, r.Failure, r.Skipped)
}

func formatEnd(init sale.Init) string {
	return init.EndTime().UTC().Format(time.RFC3339)
}
