package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/CanopyHQ/xylem/internal/config"
	"github.com/CanopyHQ/xylem/internal/network"
	"github.com/CanopyHQ/xylem/internal/store"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose common setup issues",
	Long: `Check the data directory, the database and every stored network, and
optionally fix what can be fixed.

Examples:
  xylem doctor        # check for issues
  xylem doctor --fix  # check and auto-fix issues`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fix, _ := cmd.Flags().GetBool("fix")
		return runDoctor(fix)
	},
}

func init() {
	doctorCmd.Flags().Bool("fix", false, "Attempt to automatically fix issues")
}

// runDoctor diagnoses common setup issues
func runDoctor(fix bool) error {
	fmt.Println("🔍 Xylem Doctor - Diagnosing Setup")
	if fix {
		fmt.Println("🛠️  Auto-fix enabled")
	}
	fmt.Println()

	issues := 0
	warnings := 0
	fixed := 0

	// 1. Data directory
	fmt.Print("✓ Checking data directory... ")
	dataDir, err := store.DataDir()
	if err != nil {
		fmt.Println("❌ FAILED")
		fmt.Printf("  Issue: %v\n", err)
		fmt.Printf("  Fix: Set %s\n", config.EnvDataDir)
		return fmt.Errorf("found 1 critical issue(s)")
	}
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		if fix {
			fmt.Print("🛠️  Creating... ")
			if err := os.MkdirAll(dataDir, 0700); err != nil {
				fmt.Printf("❌ FAILED: %v\n", err)
				issues++
			} else {
				fmt.Println("✅ FIXED")
				fixed++
			}
		} else {
			fmt.Println("⚠️  WARNING")
			fmt.Printf("  Data directory does not exist: %s\n", dataDir)
			fmt.Println("  It will be created on first run")
			warnings++
		}
	} else {
		fmt.Printf("✅ OK (%s)\n", dataDir)
	}

	// 2. Database
	fmt.Print("✓ Checking SQLite database... ")
	dbPath := filepath.Join(dataDir, "networks.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) && !fix {
		fmt.Println("⚠️  WARNING")
		fmt.Printf("  Database not found: %s\n", dbPath)
		fmt.Println("  It will be created on first run")
		warnings++
	} else {
		st, err := openStore()
		if err != nil {
			fmt.Println("❌ FAILED")
			fmt.Printf("  Issue: %v\n", err)
			issues++
		} else {
			fmt.Println("✅ OK")
			i, w := checkNetworks(st)
			issues += i
			warnings += w
			st.Close()
		}
	}

	// 3. Engine settings
	fmt.Print("✓ Checking engine settings... ")
	fmt.Printf("✅ OK (%d workers, cache of %d networks)\n", config.Workers(), config.CacheSize())

	// 4. Environment
	fmt.Print("✓ Checking environment... ")
	fmt.Printf("✅ OK (%s/%s)\n", runtime.GOOS, runtime.GOARCH)

	// Summary
	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	if issues == 0 && warnings == 0 {
		fmt.Println("✅ All checks passed! Xylem is ready to use.")
	} else {
		if fixed > 0 {
			fmt.Printf("🛠️  Auto-fixed %d issue(s)\n", fixed)
		}
		if issues > 0 {
			fmt.Printf("❌ Found %d critical issue(s)\n", issues)
		}
		if warnings > 0 {
			fmt.Printf("⚠️  Found %d warning(s)\n", warnings)
		}
		fmt.Println()
		fmt.Println("Run the suggested fixes above to resolve issues.")
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	if issues > 0 {
		return fmt.Errorf("found %d critical issue(s)", issues)
	}
	return nil
}

// checkNetworks compiles every stored network. A network that cannot be fitted to its
// observations is an issue; one without observations is a warning.
func checkNetworks(st *store.Store) (issues, warnings int) {
	ctx := context.Background()
	list, err := st.ListNetworks(ctx)
	if err != nil {
		fmt.Printf("❌ Cannot list networks: %v\n", err)
		return 1, 0
	}
	for _, n := range list {
		fmt.Printf("✓ Checking network %s... ", n.Name)
		if n.Rows == 0 {
			fmt.Println("⚠️  WARNING (no observations)")
			warnings++
			continue
		}
		if _, err := network.Open(ctx, st, n.Name); err != nil {
			fmt.Println("❌ FAILED")
			fmt.Printf("  Issue: %v\n", err)
			issues++
			continue
		}
		fmt.Printf("✅ OK (revision %d, %d rows)\n", n.Revision, n.Rows)
	}
	return issues, warnings
}
