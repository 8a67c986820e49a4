package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/agentic-shell/internal/bus"
	"github.com/haricheung/agentic-shell/internal/roles/planner"
	"github.com/haricheung/agentic-shell/internal/schema"
	"github.com/haricheung/agentic-shell/internal/types"
)

// commandHandler is the queue.CommandHandler the orchestrator dispatches
// command-classified input to. It owns no pipeline logic itself — each
// case is a thin call into an existing role or registry.
type commandHandler struct {
	b             *bus.Bus
	plan          *planner.Planner
	schemas       *schema.Registry
	auditReportCh <-chan types.AuditReport
}

func (h *commandHandler) Handle(ctx context.Context, name string, args []string) (string, error) {
	switch name {
	case "status":
		return "agsh core running", nil

	case "brain":
		if len(args) == 0 {
			return fmt.Sprintf("R2 brain: %s", h.plan.BrainMode()), nil
		}
		mode := args[0]
		if mode != "cc" && mode != "llm" {
			return "", fmt.Errorf("usage: /brain [cc|llm]")
		}
		h.plan.SetBrainMode(mode)
		return fmt.Sprintf("R2 brain switched to %s", mode), nil

	case "audit":
		h.b.Publish(types.Message{
			ID:        uuid.New().String(),
			Timestamp: time.Now().UTC(),
			From:      types.RoleUser,
			To:        types.RoleAuditor,
			Type:      types.MsgAuditQuery,
		})
		select {
		case rep := <-h.auditReportCh:
			return formatAuditReport(rep), nil
		case <-time.After(3 * time.Second):
			return "(audit report timed out)", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}

	case "schema":
		names := h.schemas.Names()
		if len(names) == 0 {
			return "(no schemas registered)", nil
		}
		return strings.Join(names, ", "), nil

	default:
		return "", fmt.Errorf("unknown command: %s", name)
	}
}

func formatAuditReport(rep types.AuditReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Audit Report  %s → %s\n", rep.Period.From, rep.Period.To)
	fmt.Fprintf(&sb, "  Tasks observed:      %d\n", rep.TasksObserved)
	fmt.Fprintf(&sb, "  Avg corrections:     %.2f\n", rep.ConvergenceHealth.AvgCorrectionCount)
	gt := rep.ConvergenceHealth.GapTrendDistribution
	fmt.Fprintf(&sb, "  Gap trends:          improving=%d  stable=%d  worsening=%d\n", gt.Improving, gt.Stable, gt.Worsening)
	if len(rep.BoundaryViolations) > 0 {
		sb.WriteString("  Boundary violations:\n")
		for _, v := range rep.BoundaryViolations {
			fmt.Fprintf(&sb, "    - %s\n", v)
		}
	}
	if len(rep.DriftAlerts) > 0 {
		sb.WriteString("  Drift alerts:\n")
		for _, d := range rep.DriftAlerts {
			fmt.Fprintf(&sb, "    - %s\n", d)
		}
	}
	if len(rep.BoundaryViolations) == 0 && len(rep.DriftAlerts) == 0 {
		sb.WriteString("  No anomalies detected.\n")
	}
	return sb.String()
}
