package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/CanopyHQ/xylem/internal/bayes"
	"github.com/CanopyHQ/xylem/internal/dataset"
	"github.com/CanopyHQ/xylem/internal/network"
	"github.com/CanopyHQ/xylem/internal/store"
	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import <definition.yaml> [data...]",
	Short: "Store a network definition and its observations",
	Long: `Store (or replace) a network definition and optionally load observations.

The definition is a YAML file naming the network, its edges, decision
variables and utility tables. Each data path can be a .csv, .json or .jsonl
file, or a directory of them; every column holds integer states.

Examples:
  xylem import marketing.yaml
  xylem import marketing.yaml campaigns.csv
  xylem import marketing.yaml ~/exports/campaigns/`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error { return runImport(args[0], args[1:]) },
}

var observeCmd = &cobra.Command{
	Use:   "observe <network> <data...>",
	Short: "Append observations to a stored network",
	Long: `Append observation rows to a stored network. Columns may come in any order
but must match the columns already stored.

Examples:
  xylem observe marketing week-12.csv
  xylem observe marketing events.jsonl`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error { return runObserve(args[0], args[1:]) },
}

var exportCmd = &cobra.Command{
	Use:   "export <network> [output]",
	Short: "Export a network's observations",
	Long: `Export the observation log of a stored network.

Supported formats:
  csv   - header row plus one row per observation (default)
  json  - array of {"column": state} records

If no output path is given, a default filename is generated.

Examples:
  xylem export marketing
  xylem export marketing rows.json --format json`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output := ""
		if len(args) >= 2 {
			output = args[1]
		}
		return runExport(args[0], format, output)
	},
}

func init() {
	exportCmd.Flags().String("format", "csv", "Output format (csv, json)")
}

func runImport(defPath string, dataPaths []string) error {
	def, err := network.Load(defPath)
	if err != nil {
		return fmt.Errorf("invalid definition: %w", err)
	}
	text, err := def.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode definition: %w", err)
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	n, err := st.SaveNetwork(ctx, def.Name, string(text))
	if err != nil {
		return fmt.Errorf("failed to save network: %w", err)
	}
	fmt.Printf("Stored network %q (revision %d)\n", n.Name, n.Revision)

	if err := importData(ctx, st, def.Name, dataPaths); err != nil {
		return err
	}
	return reportCompiled(ctx, st, def.Name)
}

func runObserve(name string, dataPaths []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	if _, err := st.GetNetwork(ctx, name); err != nil {
		return err
	}
	if err := importData(ctx, st, name, dataPaths); err != nil {
		return err
	}
	return reportCompiled(ctx, st, name)
}

func importData(ctx context.Context, st *store.Store, name string, paths []string) error {
	imp := dataset.NewImporter(st, name)
	for _, path := range paths {
		fmt.Printf("Importing observations from: %s\n", path)
		result, err := imp.Import(ctx, path)
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}

		fmt.Printf("\n✅ Import Complete!\n")
		fmt.Printf("   Files processed: %d\n", result.FilesProcessed)
		fmt.Printf("   Rows imported: %d\n", result.RowsImported)
		fmt.Printf("   Columns: %s\n", strings.Join(result.Columns, ", "))
		fmt.Printf("   Revision: %d\n", result.Revision)
		fmt.Printf("   Duration: %s\n", result.Duration.Round(time.Millisecond))

		if len(result.Errors) > 0 {
			fmt.Printf("\n⚠️  Errors (%d):\n", len(result.Errors))
			for i, e := range result.Errors {
				if i >= 5 {
					fmt.Printf("   ... and %d more\n", len(result.Errors)-5)
					break
				}
				fmt.Printf("   - %s\n", e)
			}
		}
	}
	return nil
}

// reportCompiled fits the stored network so structural problems surface at import
// time rather than at the first query.
func reportCompiled(ctx context.Context, st *store.Store, name string) error {
	n, err := st.GetNetwork(ctx, name)
	if err != nil {
		return err
	}
	if n.Rows == 0 {
		fmt.Printf("\nNo observations yet. Add some with 'xylem observe %s <data>'.\n", name)
		return nil
	}
	c, err := network.Open(ctx, st, name)
	if err != nil {
		return fmt.Errorf("network does not fit its observations: %w", err)
	}
	roles := c.Engine.Roles()
	fmt.Printf("\nFitted %d variables on %d rows (%d decisions, %d utility variables)\n",
		len(c.Model.Names()), c.Model.Rows(), len(roles.Decisions), len(roles.Utilities))
	return nil
}

// runExport writes a network's observations to a file
func runExport(name, format, output string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	data, err := st.Observations(context.Background(), name)
	if err != nil {
		return fmt.Errorf("failed to read observations: %w", err)
	}
	if len(data.Rows) == 0 {
		fmt.Println("No observations to export.")
		return nil
	}

	var write func(io.Writer, bayes.Dataset) error
	switch format {
	case "csv":
		write = dataset.WriteCSV
	case "json":
		write = dataset.WriteJSON
	default:
		return fmt.Errorf("unknown format: %s (supported: csv, json)", format)
	}

	if output == "" {
		output = fmt.Sprintf("%s-observations-%s.%s", name, time.Now().Format("2006-01-02"), format)
	}

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := write(f, data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	fmt.Printf("✅ Exported %d observations to %s\n", len(data.Rows), output)
	return nil
}
