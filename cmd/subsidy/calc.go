package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/subsidy/internal/audit"
	"github.com/opensource-finance/subsidy/internal/domain"
	"github.com/opensource-finance/subsidy/internal/engine"
)

var calcFlags struct {
	user    string
	typ     string
	amount  string
	at      string
	meal    string
	device  string
	tx      string
	execute bool
}

var calcCmd = &cobra.Command{
	Use:   "calc",
	Short: "Evaluate one consumption against the current rules",
	Example: `  subsidy calc --type MEAL --amount 25.00 --user u-1 --meal LUNCH
  subsidy calc --type MEAL --amount 25.00 --user u-1 --tx t-42 --execute`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := calcRequest()
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		deps := engine.Deps{Rules: a.repo, NodeID: a.cfg.NodeID}
		if calcFlags.execute {
			deps.Sink = audit.NewRecorder(a.repo, nil, a.log)
		}
		eng, err := engine.New(a.cfg.Engine, deps, a.log)
		if err != nil {
			return err
		}
		if err := eng.Refresh(cmd.Context()); err != nil {
			return fmt.Errorf("failed to load rules: %w", err)
		}

		var res *domain.CalculationResult
		if calcFlags.execute {
			res = eng.ExecuteRule(cmd.Context(), req)
		} else {
			res = eng.CalculateSubsidy(cmd.Context(), req)
		}

		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	f := calcCmd.Flags()
	f.StringVar(&calcFlags.user, "user", "", "user id")
	f.StringVar(&calcFlags.typ, "type", "", "subsidy type, e.g. MEAL")
	f.StringVar(&calcFlags.amount, "amount", "", "consume amount")
	f.StringVar(&calcFlags.at, "at", "", "consume time in RFC 3339 (defaults to now)")
	f.StringVar(&calcFlags.meal, "meal", "", "meal type: BREAKFAST, LUNCH, DINNER or SUPPER")
	f.StringVar(&calcFlags.device, "device", "", "device id")
	f.StringVar(&calcFlags.tx, "tx", "", "transaction id (generated when empty)")
	f.BoolVar(&calcFlags.execute, "execute", false, "record the execution and grant like the worker does")
	_ = calcCmd.MarkFlagRequired("type")
	_ = calcCmd.MarkFlagRequired("amount")
}

func calcRequest() (*domain.CalculationRequest, error) {
	amt, err := decimal.NewFromString(calcFlags.amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", calcFlags.amount, err)
	}

	req := &domain.CalculationRequest{
		UserID:        calcFlags.user,
		SubsidyType:   calcFlags.typ,
		ConsumeAmount: amt,
		MealType:      domain.MealType(strings.ToUpper(calcFlags.meal)),
		DeviceID:      calcFlags.device,
		TransactionID: calcFlags.tx,
	}
	if req.TransactionID == "" {
		req.TransactionID = uuid.NewString()
	}
	if calcFlags.at != "" {
		at, err := time.Parse(time.RFC3339, calcFlags.at)
		if err != nil {
			return nil, fmt.Errorf("invalid --at: %w", err)
		}
		req.ConsumeTime = at
	}
	return req, nil
}
