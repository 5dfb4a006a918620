package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/subsidy/internal/bus"
	"github.com/opensource-finance/subsidy/internal/domain"
	"github.com/opensource-finance/subsidy/internal/engine"
)

var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Inspect and administer subsidy rules",
	Long: `rule changes are written to the repository and announced on the event bus.
With the NATS bus, running servers rebuild their snapshot immediately;
otherwise they pick the change up on their next scheduled refresh.`,
}

var ruleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every stored rule",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		all, err := a.repo.ListRules(cmd.Context())
		if err != nil {
			return err
		}
		return printRules(cmd.OutOrStdout(), all)
	},
}

var ruleEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRuleID(args[0])
		if err != nil {
			return err
		}
		return withAdminEngine(cmd.Context(), func(ctx context.Context, eng *engine.Engine) error {
			return eng.EnableRule(ctx, id)
		})
	},
}

var ruleDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRuleID(args[0])
		if err != nil {
			return err
		}
		return withAdminEngine(cmd.Context(), func(ctx context.Context, eng *engine.Engine) error {
			return eng.DisableRule(ctx, id)
		})
	},
}

var rulePriorityCmd = &cobra.Command{
	Use:   "priority <id> <priority>",
	Short: "Change the priority of a rule (higher wins)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRuleID(args[0])
		if err != nil {
			return err
		}
		priority, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid priority %q: %w", args[1], err)
		}
		return withAdminEngine(cmd.Context(), func(ctx context.Context, eng *engine.Engine) error {
			return eng.AdjustPriority(ctx, id, priority)
		})
	},
}

func init() {
	ruleCmd.AddCommand(ruleListCmd, ruleEnableCmd, ruleDisableCmd, rulePriorityCmd)
}

func parseRuleID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid rule id %q", s)
	}
	return id, nil
}

// withAdminEngine runs fn against an engine whose snapshot is loaded and
// whose changes are announced on the configured bus.
func withAdminEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	busImpl, err := bus.New(a.cfg.EventBus, a.log)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()

	eng, err := engine.New(a.cfg.Engine, engine.Deps{
		Rules:  a.repo,
		Bus:    busImpl,
		NodeID: a.cfg.NodeID,
	}, a.log)
	if err != nil {
		return err
	}
	if err := eng.Refresh(ctx); err != nil {
		return err
	}
	return fn(ctx, eng)
}

func printRules(out io.Writer, all []*domain.Rule) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCODE\tTYPE\tSUBSIDY\tPRIORITY\tSTATUS\tEFFECTIVE\tVERSION")
	for _, r := range all {
		status := "disabled"
		if r.Enabled() {
			status = "enabled"
		}
		window := r.EffectiveFrom.Format("2006-01-02") + " .."
		if r.ExpireAt != nil {
			window += " " + r.ExpireAt.Format("2006-01-02")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t%d\n",
			r.ID, r.Code, r.RuleType, r.SubsidyType, r.Priority, status, window, r.Version)
	}
	return w.Flush()
}
