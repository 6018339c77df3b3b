package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
)

// mcpClient is an editor that reads MCP servers from a JSON file under the home directory.
type mcpClient struct {
	name   string
	dir    string
	config string
}

var mcpClients = map[string]mcpClient{
	"cursor":   {name: "Cursor", dir: ".cursor", config: "mcp.json"},
	"windsurf": {name: "Windsurf", dir: ".windsurf", config: "mcp_config.json"},
}

var setupCmd = &cobra.Command{
	Use:   "setup [cursor|windsurf|claude-code]",
	Short: "Register xylem with an MCP client",
	Long: `Register the xylem MCP server with an editor or assistant.

Without arguments, detects installed clients and configures each of them.

Examples:
  xylem setup
  xylem setup cursor
  xylem setup claude-code`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"cursor", "windsurf", "claude-code"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return runSetup()
		}
		if args[0] == "claude-code" {
			return runSetupClaudeCode()
		}
		client, ok := mcpClients[args[0]]
		if !ok {
			return fmt.Errorf("unknown client: %s (supported: cursor, windsurf, claude-code)", args[0])
		}
		return runSetupClient(client)
	},
}

// runSetup configures every detected client
func runSetup() error {
	fmt.Println("🔍 Auto-detecting MCP clients for Xylem setup...")
	fmt.Println()

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}

	detected := 0
	for _, key := range []string{"cursor", "windsurf"} {
		client := mcpClients[key]
		if _, err := os.Stat(filepath.Join(home, client.dir)); err != nil {
			continue
		}
		fmt.Printf("👉 Detected %s\n", client.name)
		if err := runSetupClient(client); err != nil {
			fmt.Printf("   ❌ %s setup failed: %v\n", client.name, err)
			continue
		}
		detected++
	}
	if _, err := exec.LookPath("claude"); err == nil {
		fmt.Println("👉 Detected Claude Code")
		if err := runSetupClaudeCode(); err != nil {
			fmt.Printf("   ❌ Claude Code setup failed: %v\n", err)
		} else {
			detected++
		}
	}

	if detected == 0 {
		fmt.Println("No MCP clients detected. Name one explicitly, e.g. 'xylem setup cursor'.")
	}
	return nil
}

// xylemBinary finds the binary clients should launch: the one on PATH, else this one.
func xylemBinary() (string, error) {
	if path, err := exec.LookPath("xylem"); err == nil {
		return path, nil
	}
	path, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("xylem binary not found in PATH")
	}
	return path, nil
}

// runSetupClient adds or updates the xylem entry in the client's mcpServers map,
// leaving other servers untouched.
func runSetupClient(client mcpClient) error {
	fmt.Printf("🔧 Setting up Xylem for %s...\n", client.name)

	binary, err := xylemBinary()
	if err != nil {
		return err
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}

	dir := filepath.Join(home, client.dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	configPath := filepath.Join(dir, client.config)

	cfg := map[string]interface{}{}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("failed to parse existing %s: %w", client.config, err)
		}
	}
	servers, ok := cfg["mcpServers"].(map[string]interface{})
	if !ok {
		servers = map[string]interface{}{}
		cfg["mcpServers"] = servers
	}
	servers["xylem"] = map[string]interface{}{
		"command": binary,
		"args":    []string{"serve"},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", client.config, err)
	}

	fmt.Printf("✓ Updated %s\n", configPath)
	fmt.Printf("✅ Xylem is now configured for %s. Restart it to load the server.\n", client.name)
	return nil
}

// runSetupClaudeCode registers xylem through the claude CLI
func runSetupClaudeCode() error {
	fmt.Println("🔧 Setting up Xylem for Claude Code...")

	claude, err := exec.LookPath("claude")
	if err != nil {
		return fmt.Errorf("claude CLI not found in PATH")
	}
	binary, err := xylemBinary()
	if err != nil {
		return err
	}

	out, err := exec.Command(claude, "mcp", "add", "--scope", "user", "xylem", "--", binary, "serve").CombinedOutput()
	if err != nil {
		return fmt.Errorf("claude mcp add failed: %v\n%s", err, out)
	}
	fmt.Println("✅ Xylem is now registered with Claude Code.")
	return nil
}
