package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/klyr/bastion/internal/rules"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect rule documents",
	}
	cmd.AddCommand(newRulesCheckCmd())
	return cmd
}

func newRulesCheckCmd() *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "check [file]",
		Short: "Compile a rule document, or the built-in rules without a file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			rs, err := loadRuleSet(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if list {
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tPHASE\tOPERATOR\tACTION")
				for _, r := range rs.Rules() {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Phase, r.Operator, r.Action.ID)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}
			_, err = fmt.Fprintf(out, "rules ok: %d rules, phases %v\n", rs.Len(), phases(rs))
			return err
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "List the compiled rules")

	return cmd
}

func loadRuleSet(path string) (*rules.RuleSet, error) {
	if path == "" {
		return rules.Default()
	}
	return rules.LoadFile(path)
}

func phases(rs *rules.RuleSet) []rules.Phase {
	var out []rules.Phase
	for _, group := range [][]rules.Phase{rules.RequestPhases, rules.ResponsePhases} {
		for _, p := range group {
			if rs.HasPhase(p) {
				out = append(out, p)
			}
		}
	}
	return out
}
