package cli

import (
	"fmt"
	"os"

	"github.com/probatio/probatio/internal/model"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "probatio",
	Short: "Probatio - evidence-bound research analysis",
	Long: `Probatio turns a research question into a published brief through a
staged pipeline: discover sources, enrich and select them, extract
findings, synthesize an analysis, then verify every claim against
evidence spans before publishing.

Claims that cannot be bound to a source are marked, not hidden.
A run that fails its quality gates is rejected with the reasons
recorded, never silently published.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Display the version number and build information for Probatio.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("probatio v0.1.0")
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.probatio/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Bind flags to viper
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			return
		}

		// Search for config in home directory
		viper.AddConfigPath(home + "/.probatio")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// Read in environment variables that match PROBATIO_*
	viper.SetEnvPrefix("PROBATIO")
	viper.AutomaticEnv()

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// loadConfig materializes the effective configuration: defaults overlaid
// with whatever the config file and PROBATIO_* environment provide.
func loadConfig() (*model.Config, error) {
	cfg := model.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Gateway.Primary.APIKey == "" {
		cfg.Gateway.Primary.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Gateway.Secondary.APIKey == "" {
		cfg.Gateway.Secondary.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return cfg, nil
}
