package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/subsidy/internal/domain"
)

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load rules and their conditions from a YAML file",
	Long: `seed upserts every rule of the file, matched by code, and replaces its
conditions. Running servers pick the changes up on their next refresh.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		f, err := os.Open(seedFile)
		if err != nil {
			return err
		}
		defer f.Close()

		doc, err := decodeSeed(f)
		if err != nil {
			return err
		}
		n, err := applySeed(cmd.Context(), a.repo, doc, a.log)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d rules from %s\n", n, seedFile)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "rules.yaml", "YAML file with a top-level rules list")
}

// seedDoc is the file layout accepted by seed.
type seedDoc struct {
	Rules []seedRule `yaml:"rules"`
}

type seedRule struct {
	domain.Rule `yaml:",inline"`

	FixedAmount      amount     `yaml:"fixedAmount"`
	Rate             amount     `yaml:"rate"`
	MaxSubsidyAmount amount     `yaml:"maxSubsidyAmount"`
	Tiers            []seedTier `yaml:"tiers"`

	Conditions []seedCondition `yaml:"conditions"`
}

type seedTier struct {
	MinAmount amount `yaml:"minAmount"`
	Rate      amount `yaml:"rate"`
}

type seedCondition struct {
	Type  domain.ConditionType `yaml:"type"`
	Value string               `yaml:"value"`
}

// amount reads a YAML scalar as an exact decimal, quoted or not.
type amount struct {
	decimal.NullDecimal
}

func (a *amount) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: amount must be a scalar", n.Line)
	}
	if n.Tag == "!!null" || n.Value == "" {
		a.Valid = false
		return nil
	}
	d, err := decimal.NewFromString(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid amount %q", n.Line, n.Value)
	}
	a.NullDecimal = decimal.NewNullDecimal(d)
	return nil
}

func decodeSeed(r io.Reader) (*seedDoc, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc seedDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	for i, sr := range doc.Rules {
		if sr.Code == "" {
			return nil, fmt.Errorf("rule %d: code is required", i)
		}
	}
	return &doc, nil
}

// toRule converts the YAML form to the stored rule. Tiers are kept in their
// JSON storage encoding.
func (sr *seedRule) toRule() (*domain.Rule, error) {
	rule := sr.Rule
	rule.FixedAmount = sr.FixedAmount.NullDecimal
	rule.Rate = sr.Rate.NullDecimal
	rule.MaxSubsidyAmount = sr.MaxSubsidyAmount.NullDecimal

	if len(sr.Tiers) > 0 {
		tiers := make([]domain.Tier, 0, len(sr.Tiers))
		for _, t := range sr.Tiers {
			if !t.MinAmount.Valid || !t.Rate.Valid {
				return nil, fmt.Errorf("rule %s: every tier needs minAmount and rate", sr.Code)
			}
			tiers = append(tiers, domain.Tier{MinAmount: t.MinAmount.Decimal, Rate: t.Rate.Decimal})
		}
		raw, err := json.Marshal(tiers)
		if err != nil {
			return nil, err
		}
		rule.TierConfig = string(raw)
	}
	return &rule, nil
}

// seedStore is the part of the repository used by seeding.
type seedStore interface {
	ListRules(ctx context.Context) ([]*domain.Rule, error)
	SaveRule(ctx context.Context, rule *domain.Rule) error
	DeleteConditions(ctx context.Context, ruleID int64) error
	SaveCondition(ctx context.Context, cond *domain.Condition) error
}

func applySeed(ctx context.Context, store seedStore, doc *seedDoc, log *slog.Logger) (int, error) {
	existing, err := store.ListRules(ctx)
	if err != nil {
		return 0, err
	}
	byCode := make(map[string]*domain.Rule, len(existing))
	for _, r := range existing {
		byCode[r.Code] = r
	}

	for i := range doc.Rules {
		sr := &doc.Rules[i]
		rule, err := sr.toRule()
		if err != nil {
			return i, err
		}
		if old, ok := byCode[rule.Code]; ok {
			rule.ID = old.ID
			rule.CreatedAt = old.CreatedAt
		}
		if err := store.SaveRule(ctx, rule); err != nil {
			return i, fmt.Errorf("rule %s: %w", rule.Code, err)
		}

		if err := store.DeleteConditions(ctx, rule.ID); err != nil {
			return i, fmt.Errorf("rule %s: %w", rule.Code, err)
		}
		for _, c := range sr.Conditions {
			cond := &domain.Condition{RuleID: rule.ID, Type: c.Type, Value: c.Value}
			if err := store.SaveCondition(ctx, cond); err != nil {
				return i, fmt.Errorf("rule %s: %w", rule.Code, err)
			}
		}
		log.Info("rule seeded", "rule_id", rule.ID, "code", rule.Code, "conditions", len(sr.Conditions))
	}
	return len(doc.Rules), nil
}
