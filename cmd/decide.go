package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/CanopyHQ/xylem/internal/bayes"
	"github.com/CanopyHQ/xylem/internal/config"
	"github.com/CanopyHQ/xylem/internal/logger"
	"github.com/CanopyHQ/xylem/internal/network"
	"github.com/CanopyHQ/xylem/internal/store"
	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query <network> <target...>",
	Short: "Joint distribution of target variables",
	Long: `Compute the joint distribution of one or more target variables given
evidence. With --do the listed variables are forced (an intervention)
instead of observed.

Examples:
  xylem query marketing C
  xylem query marketing C --evidence M=1
  xylem query marketing C --do D=1`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		evidence, _ := cmd.Flags().GetString("evidence")
		do, _ := cmd.Flags().GetString("do")
		asJSON, _ := cmd.Flags().GetBool("json")
		return runQuery(args[0], args[1:], evidence, do, asJSON)
	},
}

var meuCmd = &cobra.Command{
	Use:   "meu <network>",
	Short: "Best decision given evidence",
	Long: `Find the assignment of the decision variables with maximum expected utility.

Examples:
  xylem meu marketing
  xylem meu marketing --evidence M=1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		evidence, _ := cmd.Flags().GetString("evidence")
		asJSON, _ := cmd.Flags().GetBool("json")
		return runMEU(args[0], evidence, asJSON)
	},
}

var vpiCmd = &cobra.Command{
	Use:   "vpi <network> [variable]",
	Short: "Value of observing a variable before deciding",
	Long: `Compute the value of perfect information for a chance variable: how much
the expected utility of the best decision would rise if its state were
known first. Without a variable, every unobserved chance variable is ranked.

Examples:
  xylem vpi marketing M
  xylem vpi marketing`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		evidence, _ := cmd.Flags().GetString("evidence")
		asJSON, _ := cmd.Flags().GetBool("json")
		variable := ""
		if len(args) == 2 {
			variable = args[1]
		}
		return runVPI(args[0], variable, evidence, asJSON)
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete <network>",
	Short: "Most likely states of every unobserved variable",
	Long: `Fill in every unobserved variable with its jointly most likely state.

Examples:
  xylem complete marketing --evidence D=1,C=0`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		evidence, _ := cmd.Flags().GetString("evidence")
		asJSON, _ := cmd.Flags().GetBool("json")
		return runComplete(args[0], evidence, asJSON)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [network]",
	Short: "Recent logged decisions",
	Long: `Show logged MEU, VPI and completion answers, newest first.

Examples:
  xylem history
  xylem history marketing --limit 5`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		return runHistory(name, limit)
	},
}

func init() {
	for _, c := range []*cobra.Command{queryCmd, meuCmd, vpiCmd, completeCmd} {
		c.Flags().StringP("evidence", "e", "", "Observed states as NAME=STATE pairs, comma separated")
		c.Flags().Bool("json", false, "Print the result as JSON")
	}
	queryCmd.Flags().String("do", "", "Forced states as NAME=STATE pairs, comma separated")
	historyCmd.Flags().Int("limit", 20, "Maximum records to show")
}

// openCompiled opens the store and compiles the named network at its current revision.
func openCompiled(ctx context.Context, name string) (*store.Store, *network.Compiled, error) {
	st, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	c, err := network.Open(ctx, st, name,
		network.WithConcurrency(config.Workers()),
		network.WithLogger(logger.FromEnv().With("network", name)),
	)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return st, c, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runQuery(name string, targets []string, evidenceArg, doArg string, asJSON bool) error {
	evidence, err := network.ParseEvidence(evidenceArg)
	if err != nil {
		return fmt.Errorf("invalid --evidence: %w", err)
	}
	do, err := network.ParseEvidence(doArg)
	if err != nil {
		return fmt.Errorf("invalid --do: %w", err)
	}

	ctx := context.Background()
	st, c, err := openCompiled(ctx, name)
	if err != nil {
		return err
	}
	defer st.Close()

	var dist *bayes.Factor
	if len(do) > 0 {
		dist, err = c.Causal.Query(targets, do, evidence)
	} else {
		dist, err = c.Inference.Query(targets, evidence)
	}
	if err != nil {
		return err
	}

	type outcome struct {
		Assignment bayes.Evidence `json:"assignment"`
		P          float64        `json:"p"`
	}
	scope := dist.Scope()
	var rows []outcome
	dist.Each(func(assignment []int, p float64) {
		a := make(bayes.Evidence, len(scope))
		for i, v := range scope {
			a[v] = assignment[i]
		}
		rows = append(rows, outcome{a, p})
	})
	if asJSON {
		return printJSON(rows)
	}

	header := "P(" + strings.Join(scope, ", ")
	if len(do) > 0 {
		header += " | do(" + do.String() + ")"
		if len(evidence) > 0 {
			header += ", " + evidence.String()
		}
	} else if len(evidence) > 0 {
		header += " | " + evidence.String()
	}
	fmt.Println(header + ")")
	for _, r := range rows {
		fmt.Printf("  %-30s %.4f\n", r.Assignment, r.P)
	}
	return nil
}

func runMEU(name, evidenceArg string, asJSON bool) error {
	evidence, err := network.ParseEvidence(evidenceArg)
	if err != nil {
		return fmt.Errorf("invalid --evidence: %w", err)
	}

	ctx := context.Background()
	st, c, err := openCompiled(ctx, name)
	if err != nil {
		return err
	}
	defer st.Close()

	best, err := c.Engine.MEU(ctx, evidence)
	if err != nil {
		return err
	}
	logDecision(ctx, st, name, "meu", evidence, best, best.Utility)

	if asJSON {
		return printJSON(best)
	}
	fmt.Printf("Best decision: %s\n", best.Assignment)
	fmt.Printf("Expected utility: %.4f\n", best.Utility)
	return nil
}

func runVPI(name, variable, evidenceArg string, asJSON bool) error {
	evidence, err := network.ParseEvidence(evidenceArg)
	if err != nil {
		return fmt.Errorf("invalid --evidence: %w", err)
	}

	ctx := context.Background()
	st, c, err := openCompiled(ctx, name)
	if err != nil {
		return err
	}
	defer st.Close()

	variables := []string{variable}
	if variable == "" {
		variables = nil
		for _, v := range c.Engine.Roles().Chance {
			if _, seen := evidence[v]; !seen {
				variables = append(variables, v)
			}
		}
	}

	values := make(map[string]float64, len(variables))
	for _, v := range variables {
		value, err := c.Engine.VPI(ctx, v, evidence)
		if err != nil {
			return err
		}
		values[v] = value
		logDecision(ctx, st, name, "vpi", evidence, map[string]interface{}{"variable": v, "value": value}, value)
	}

	if asJSON {
		return printJSON(values)
	}
	for _, v := range variables {
		fmt.Printf("VPI(%s) = %.4f\n", v, values[v])
	}
	return nil
}

func runComplete(name, evidenceArg string, asJSON bool) error {
	evidence, err := network.ParseEvidence(evidenceArg)
	if err != nil {
		return fmt.Errorf("invalid --evidence: %w", err)
	}

	ctx := context.Background()
	st, c, err := openCompiled(ctx, name)
	if err != nil {
		return err
	}
	defer st.Close()

	completion, err := c.Engine.MostLikelyCompletion(evidence)
	if err != nil {
		return err
	}
	logDecision(ctx, st, name, "complete", evidence, completion, 0)

	if asJSON {
		return printJSON(completion)
	}
	fmt.Printf("Most likely completion: %s\n", completion)
	return nil
}

func runHistory(name string, limit int) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := st.Decisions(context.Background(), name, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No decisions logged yet.")
		return nil
	}
	for _, r := range records {
		evidence := r.Evidence.String()
		if evidence == "" {
			evidence = "-"
		}
		fmt.Printf("%s  %-10s %-8s rev %-3d given %-20s → %s\n",
			r.CreatedAt.Format("2006-01-02 15:04:05"), r.Network, r.Kind, r.Revision, evidence, r.Result)
	}
	return nil
}

func logDecision(ctx context.Context, st *store.Store, name, kind string, evidence bayes.Evidence, result any, utility float64) {
	if _, err := st.LogDecision(ctx, name, kind, evidence, result, utility); err != nil {
		fmt.Printf("⚠️  Could not log decision: %v\n", err)
	}
}
