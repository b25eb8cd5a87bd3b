package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile      string
	apiURL       string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "memguard",
	Short: "Memory guardian for leak-prone long-running processes",
	Long: `memguard supervises a memory-leaking process: it samples resident
memory on an adaptive schedule, restarts the process before the leak takes
the host down, and preserves session state across the restart boundary.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.memguard/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "status API URL (default from config or http://127.0.0.1:9723)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".memguard")
		viper.AddConfigPath(configDir)
		viper.AddConfigPath("/etc/memguard")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MEMGUARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if apiURL == "" && viper.GetString("api.url") != "" {
			apiURL = viper.GetString("api.url")
		}
	}

	if apiURL == "" {
		if listen := viper.GetString("api.listen"); listen != "" {
			apiURL = "http://" + listen
		} else {
			apiURL = "http://127.0.0.1:9723"
		}
	}
}

// GetAPIURL returns the configured status API URL with trailing slashes removed
func GetAPIURL() string {
	return strings.TrimRight(apiURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}
