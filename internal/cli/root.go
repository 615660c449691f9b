package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/paperflow-io/paperflow/internal/model"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "paperflow",
	Short: "Paperflow - Daily arXiv paper pipeline",
	Long: `Paperflow turns a day's arXiv submissions into a curated set of
reading notes.

It retrieves new papers for a time window, removes ones already seen,
scores them for relevance with an LLM, downloads and converts the
selected PDFs to markdown, writes structured notes with headlines,
and publishes the result to a Zotero library.

Every stage is idempotent: rerunning a date picks up where the
previous run stopped.`,
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
	Long:  `Display the version number and build information for Paperflow.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("paperflow v0.2.0")
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.paperflow/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Bind flags to viper
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in config file and ENV variables
func initConfig() {
	// Load .env if present, for API keys kept out of the config file
	_ = godotenv.Load()

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
		viper.AddConfigPath(home + "/.paperflow")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// Read in environment variables that match PAPERFLOW_*
	viper.SetEnvPrefix("PAPERFLOW")
	viper.AutomaticEnv()

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// loadConfig merges the config file over the defaults and fills in
// credentials from the environment.
func loadConfig() (*model.Config, error) {
	cfg := model.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}

	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = firstEnv("PAPERFLOW_LLM_API_KEY", "OPENAI_API_KEY", "DASHSCOPE_API_KEY")
	}
	if cfg.Convert.Token == "" {
		cfg.Convert.Token = os.Getenv("MINERU_TOKEN")
	}
	if cfg.Zotero.APIKey == "" {
		cfg.Zotero.APIKey = os.Getenv("ZOTERO_API_KEY")
	}
	if cfg.Zotero.UserID == "" {
		cfg.Zotero.UserID = os.Getenv("ZOTERO_USER_ID")
	}

	if verbose {
		cfg.Output.Verbose = true
	}
	return cfg, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}
