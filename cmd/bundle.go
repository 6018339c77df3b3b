package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CanopyHQ/xylem/internal/bayes"
	"github.com/CanopyHQ/xylem/internal/bundle"
	"github.com/CanopyHQ/xylem/internal/network"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Shareable network bundles",
	Long: `Create, import, and inspect .xyl bundles: a network definition together
with its observations in one file.

Examples:
  xylem bundle export marketing --output marketing.xyl
  xylem bundle import marketing.xyl
  xylem bundle inspect marketing.xyl`,
}

func init() {
	exportCmd := &cobra.Command{
		Use:   "export <network>",
		Short: "Write a network and its observations to a .xyl file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			desc, _ := cmd.Flags().GetString("desc")
			author, _ := cmd.Flags().GetString("author")
			return runBundleExport(args[0], output, desc, author)
		},
	}
	exportCmd.Flags().String("output", "", "Output filename (default <network>.xyl)")
	exportCmd.Flags().String("desc", "", "Bundle description (default: the network's)")
	exportCmd.Flags().String("author", "", "Author name")
	bundleCmd.AddCommand(exportCmd)

	importCmd := &cobra.Command{
		Use:   "import <file.xyl>",
		Short: "Store the network and observations from a .xyl file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			replace, _ := cmd.Flags().GetBool("replace")
			return runBundleImport(args[0], replace)
		},
	}
	importCmd.Flags().Bool("replace", false, "Replace a stored network of the same name")
	bundleCmd.AddCommand(importCmd)

	bundleCmd.AddCommand(&cobra.Command{
		Use:   "inspect <file.xyl>",
		Short: "View bundle manifest without importing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBundleInspect(args[0])
		},
	})
}

func runBundleExport(name, output, desc, author string) error {
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
	def, err := network.Parse([]byte(n.Definition))
	if err != nil {
		return fmt.Errorf("stored definition of %s: %w", name, err)
	}
	data, err := st.Observations(ctx, name)
	if err != nil {
		return err
	}

	if output == "" {
		output = name + bundle.Extension
	}
	if desc == "" {
		desc = def.Description
	}
	manifest := bundle.Manifest{
		ID:          uuid.New().String(),
		Name:        name,
		Description: desc,
		Author:      author,
		Version:     Version,
		Revision:    n.Revision,
		CreatedAt:   time.Now().UTC(),
	}
	if err := bundle.Package(manifest, n.Definition, data, output); err != nil {
		return fmt.Errorf("failed to write bundle: %w", err)
	}

	fmt.Printf("✅ Bundled %q (revision %d, %d observations) into %s\n", name, n.Revision, len(data.Rows), output)
	return nil
}

func runBundleImport(path string, replace bool) error {
	payload, err := bundle.Unpack(path)
	if err != nil {
		return err
	}
	def, err := network.Parse([]byte(payload.Definition))
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	if _, err := st.GetNetwork(ctx, def.Name); err == nil {
		if !replace {
			return fmt.Errorf("network %q already exists (use --replace to overwrite)", def.Name)
		}
		if err := st.DeleteNetwork(ctx, def.Name); err != nil {
			return err
		}
	} else if !errors.Is(err, bayes.ErrNotFound) {
		return err
	}

	if _, err := st.SaveNetwork(ctx, def.Name, payload.Definition); err != nil {
		return fmt.Errorf("failed to save network: %w", err)
	}
	rows := 0
	if len(payload.Rows) > 0 {
		if _, err := st.AppendObservations(ctx, def.Name, payload.Dataset()); err != nil {
			return fmt.Errorf("failed to store observations: %w", err)
		}
		rows = len(payload.Rows)
	}

	fmt.Printf("✅ Imported %q with %d observations from %s\n", def.Name, rows, path)
	return reportCompiled(ctx, st, def.Name)
}

func runBundleInspect(path string) error {
	m, err := bundle.Inspect(path)
	if err != nil {
		return err
	}

	fmt.Printf("Bundle: %s\n", path)
	fmt.Printf("  Name: %s\n", m.Name)
	if m.Description != "" {
		fmt.Printf("  Description: %s\n", m.Description)
	}
	if m.Author != "" {
		fmt.Printf("  Author: %s\n", m.Author)
	}
	fmt.Printf("  ID: %s\n", m.ID)
	fmt.Printf("  Revision: %d\n", m.Revision)
	fmt.Printf("  Observations: %d\n", m.RowCount)
	fmt.Printf("  Columns: %s\n", strings.Join(m.Columns, ", "))
	fmt.Printf("  Created: %s\n", m.CreatedAt.Format(time.RFC3339))
	return nil
}
