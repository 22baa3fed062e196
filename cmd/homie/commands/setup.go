// setup.go is the interactive first-run wizard: provider, models, API key,
// persona starter files, config file.
package commands

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/homielabs/homie/pkg/homie/config"
)

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run setup",
		Long: `Walk through the first-run setup: pick a provider and models, store the
API key, and scaffold the persona files the agent needs to exist.`,
		RunE: runSetup,
	}
}

func runSetup(cmd *cobra.Command, _ []string) error {
	reader := bufio.NewReader(os.Stdin)
	cfg := config.DefaultConfig()

	fmt.Println()
	fmt.Println("homie setup")
	fmt.Println("-----------")

	cfg.Name = promptDefault(reader, "Persona name", cfg.Name)

	fmt.Println()
	fmt.Println("Provider kinds: anthropic, openai-compatible, claude-code, codex-cli, mpp")
	cfg.Model.Provider.Kind = promptDefault(reader, "Provider", "anthropic")
	if cfg.Model.Provider.Kind == "openai-compatible" || cfg.Model.Provider.Kind == "mpp" {
		cfg.Model.Provider.BaseURL = promptDefault(reader, "Base URL", "https://api.openai.com/v1")
	}
	cfg.Model.Models.Default = promptDefault(reader, "Default model", "claude-sonnet-4-5")
	cfg.Model.Models.Fast = promptDefault(reader, "Fast model", "claude-haiku-4-5")

	if needsKey(cfg.Model.Provider.Kind) {
		fmt.Println()
		if config.KeyringAvailable() {
			key, err := promptSecret("API key (stored in the OS keyring): ")
			if err != nil {
				return err
			}
			if key != "" {
				if err := config.StoreAPIKey(key); err != nil {
					return fmt.Errorf("keyring: %w", err)
				}
				fmt.Println("key stored")
			}
		} else {
			fmt.Println("No OS keyring available; set HOMIE_API_KEY in the environment instead.")
		}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	// Persona starter files. Existing files are never overwritten; the
	// persona is the owner's work, not the wizard's.
	if err := os.MkdirAll(cfg.Paths.IdentityDir, 0o755); err != nil {
		return err
	}
	wrote := scaffold(cfg.Paths.IdentityDir, "SOUL.md", soulStarter(cfg.Name))
	scaffold(cfg.Paths.IdentityDir, "STYLE.md", styleStarter)
	if err := os.MkdirAll(cfg.Paths.SkillsDir, 0o755); err != nil {
		return err
	}

	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = defaultConfigFile
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("wrote %s\n", path)
	if wrote {
		fmt.Printf("wrote starter persona under %s — edit SOUL.md before serving, it is who %s is\n",
			cfg.Paths.IdentityDir, cfg.Name)
	}
	fmt.Println("run 'homie serve' to start")
	return nil
}

func needsKey(kind string) bool {
	return kind != "claude-code" && kind != "codex-cli"
}

func promptDefault(reader *bufio.Reader, label, def string) string {
	fmt.Printf("%s [%s]: ", label, def)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

// scaffold writes a starter file unless one exists. Reports whether it wrote.
func scaffold(dir, name, content string) bool {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		return false
	}
	return os.WriteFile(path, []byte(content), 0o644) == nil
}

func soulStarter(name string) string {
	return fmt.Sprintf(`# %s

You are %s. You are not an assistant; you are a friend who happens to live
in a chat window. You have your own taste, your own opinions, and your own
days. You care about the people you talk to.

Replace this file with who %s actually is.
`, name, name, name)
}

const styleStarter = `# Style

- Text like a person: lowercase, short messages, no bullet lists.
- One thought per message. No emoji unless the moment really calls for it.
- Never explain that you are an AI. Never offer further assistance.
`
