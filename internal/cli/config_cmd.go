package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/gitswarm/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and initialize .gitswarm/config.yml",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default .gitswarm/config.yml and register this repo",
	RunE: func(cmd *cobra.Command, args []string) error {
		repoDir, err := findRepoRoot()
		if err != nil {
			return err
		}
		path := filepath.Join(gitswarmDir(repoDir), "config.yml")
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}

		cfg := config.Default()
		data, err := yaml.Marshal(&cfg)
		if err != nil {
			return fmt.Errorf("marshal default config: %w", err)
		}
		if err := os.MkdirAll(gitswarmDir(repoDir), 0o755); err != nil {
			return fmt.Errorf("create .gitswarm dir: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}

		env, cleanup, err := newEnvironment()
		if err != nil {
			return err
		}
		defer cleanup()
		cmd.Printf("wrote %s\nregistered repo %s (%s)\n", path, env.repo.ID, env.repo.Name)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate .gitswarm/config.yml",
	RunE: func(cmd *cobra.Command, args []string) error {
		repoDir, err := findRepoRoot()
		if err != nil {
			return err
		}
		cfg, err := config.LoadForRepo(repoDir)
		if err != nil {
			return err
		}

		verrs := config.Validate(cfg)
		if len(verrs) == 0 {
			cmd.Println("config is valid")
			return nil
		}
		cmd.Println("validation errors:")
		for _, e := range verrs {
			cmd.Printf("  - %s\n", e)
		}
		return fmt.Errorf("config has %d validation error(s)", len(verrs))
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved config with defaults merged",
	RunE: func(cmd *cobra.Command, args []string) error {
		repoDir, err := findRepoRoot()
		if err != nil {
			return err
		}
		cfg, err := config.LoadForRepo(repoDir)
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		cmd.Print(string(data))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}
