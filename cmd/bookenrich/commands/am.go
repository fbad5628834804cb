package commands

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/bookenrich/am"
	"github.com/teranos/bookenrich/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage bookenrich configuration",
	Long: `Display and manage bookenrich configuration settings.

Configuration sources (in order of precedence):
1. Command line flags
2. Environment variables (BOOKENRICH_* prefix)
3. Project config (./bookenrich.toml, searched upward)
4. User config (~/.bookenrich/bookenrich.toml)
5. System config (/etc/bookenrich/bookenrich.toml)
6. Default values

Examples:
  bookenrich am show                    # Show current configuration
  bookenrich am show --format json      # Show configuration in JSON format
  bookenrich am get providers.chain     # Get specific config value
  bookenrich am validate                # Validate current configuration
  bookenrich am init                    # Write defaults to ./bookenrich.toml`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the current configuration merged from all sources",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., providers.chain, jobs.max_items)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which configuration files were loaded",
	RunE:  runAmWhere,
}

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration",
	Long:  "Write the default configuration as TOML. The path defaults to ./" + am.ConfigFileName + "; an existing file is never overwritten.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAmInit,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
	AmCmd.AddCommand(amInitCmd)
}

// marshalConfig renders settings in one of the supported formats
func marshalConfig(settings map[string]interface{}, format string) ([]byte, error) {
	switch format {
	case "json":
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal config to JSON")
		}
		return append(data, '\n'), nil
	case "yaml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal config to YAML")
		}
		return append([]byte("# bookenrich configuration\n"), data...), nil
	case "toml":
		data, err := toml.Marshal(settings)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal config to TOML")
		}
		return append([]byte("# bookenrich configuration\n"), data...), nil
	default:
		return nil, errors.WithHint(
			errors.Newf("unsupported format: %s", format),
			"supported formats: toml, json, yaml")
	}
}

func runAmShow(cmd *cobra.Command, args []string) error {
	settings := am.GetViper().AllSettings()
	redactSecrets(settings)

	data, err := marshalConfig(settings, configFormat)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), string(data))
	return nil
}

// redactSecrets masks credentials before settings are printed
func redactSecrets(settings map[string]interface{}) {
	mask := func(section map[string]interface{}, key string) {
		if v, ok := section[key].(string); ok && v != "" {
			section[key] = "********"
		}
	}
	if authCfg, ok := settings["auth"].(map[string]interface{}); ok {
		mask(authCfg, "jwt_secret")
	}
	if providers, ok := settings["providers"].(map[string]interface{}); ok {
		for _, p := range providers {
			if pc, ok := p.(map[string]interface{}); ok {
				mask(pc, "api_key")
			}
		}
	}
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	v := am.GetViper()
	if !v.IsSet(key) {
		return fmt.Errorf("configuration key %q not found", key)
	}
	fmt.Fprintln(cmd.OutOrStdout(), am.Get(key))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}

	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	_ = am.GetViper()
	files := am.LoadedFiles()

	fmt.Fprintln(cmd.OutOrStdout(), "Configuration cascade (later overrides earlier):")
	fmt.Fprintln(cmd.OutOrStdout(), "  1. [DEFAULT]  Built-in defaults")
	for i, f := range files {
		fmt.Fprintf(cmd.OutOrStdout(), "  %d. [FILE]     %s\n", i+2, f)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "  %d. [ENV]      BOOKENRICH_* environment variables\n", len(files)+2)
	if len(files) == 0 {
		fmt.Fprintln(cmd.OutOrStdout())
		pterm.Info.Println("No config file found, run \"bookenrich am init\" to create one")
	}
	return nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path := am.ConfigFileName
	if len(args) == 1 {
		path = args[0]
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrapf(err, "invalid path %s", path)
	}

	if err := am.WriteDefaultConfig(abs); err != nil {
		return err
	}
	pterm.Success.Printf("Wrote default configuration to %s\n", abs)
	return nil
}
