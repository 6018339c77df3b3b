package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/CanopyHQ/xylem/internal/network"
	"github.com/spf13/cobra"
)

var networksCmd = &cobra.Command{
	Use:     "networks",
	Aliases: []string{"ls"},
	Short:   "List stored networks",
	Long: `List, show or delete stored networks.

Examples:
  xylem networks
  xylem networks show marketing
  xylem networks delete marketing`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error { return runNetworksList() },
}

func init() {
	networksCmd.AddCommand(&cobra.Command{
		Use:   "show <network>",
		Short: "Show a network's variables, roles and utilities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNetworksShow(args[0])
		},
	})

	networksCmd.AddCommand(&cobra.Command{
		Use:   "delete <network>",
		Short: "Delete a network with its observations and decision log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNetworksDelete(args[0])
		},
	})
}

func runNetworksList() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.ListNetworks(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No networks stored. Add one with 'xylem import <definition.yaml>'.")
		return nil
	}

	fmt.Printf("%-24s %8s %8s  %s\n", "NAME", "REVISION", "ROWS", "UPDATED")
	for _, n := range list {
		fmt.Printf("%-24s %8d %8d  %s\n", n.Name, n.Revision, n.Rows, n.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func runNetworksShow(name string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	n, err := st.GetNetwork(ctx, name)
	if err != nil {
		return err
	}
	if n.Rows == 0 {
		def, err := network.Parse([]byte(n.Definition))
		if err != nil {
			return err
		}
		fmt.Printf("Network: %s (revision %d, no observations)\n", def.Name, n.Revision)
		if def.Description != "" {
			fmt.Printf("  %s\n", def.Description)
		}
		fmt.Printf("  Decisions: %s\n", strings.Join(def.Decisions, ", "))
		fmt.Printf("  Utilities: %s\n", strings.Join(def.UtilityVariables(), ", "))
		return nil
	}

	c, err := network.Open(ctx, st, name)
	if err != nil {
		return err
	}
	printSummary(c.Describe())
	return nil
}

func printSummary(s network.Summary) {
	fmt.Printf("Network: %s (revision %d, %d observations, pseudocount %g)\n", s.Name, s.Revision, s.Rows, s.Pseudocount)
	if s.Description != "" {
		fmt.Printf("  %s\n", s.Description)
	}
	fmt.Println()
	fmt.Printf("  %-16s %-9s %6s  %s\n", "VARIABLE", "ROLE", "STATES", "PARENTS")
	for _, v := range s.Variables {
		fmt.Printf("  %-16s %-9s %6d  %s\n", v.Name, v.Role, v.States, strings.Join(v.Parents, ", "))
	}

	if len(s.Utilities) > 0 {
		fmt.Println()
		fmt.Println("  Utilities:")
		names := make([]string, 0, len(s.Utilities))
		for name := range s.Utilities {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			scores := s.Utilities[name]
			states := make([]int, 0, len(scores))
			for state := range scores {
				states = append(states, state)
			}
			sort.Ints(states)
			parts := make([]string, 0, len(states))
			for _, state := range states {
				parts = append(parts, fmt.Sprintf("%d→%g", state, scores[state]))
			}
			fmt.Printf("    %s: %s\n", name, strings.Join(parts, "  "))
		}
	}
}

func runNetworksDelete(name string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.DeleteNetwork(context.Background(), name); err != nil {
		return err
	}
	fmt.Printf("🗑️  Deleted network %q\n", name)
	return nil
}
