// Package cli is the lamassu-machine command line.
package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "lamassu-machine",
	Short: "Kiosk control core for a bill-accepting crypto ATM",
	Long: `lamassu-machine drives the kiosk: it accepts bills, talks to the operator
server, serves the kiosk UI and decides when the machine is idle.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./lamassu-machine.yaml or /etc/lamassu-machine/)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().Bool("mock-bv", false, "use the simulated bill validator")
	rootCmd.PersistentFlags().Bool("mock-trader", false, "use an in-memory operator server")
	rootCmd.PersistentFlags().Bool("mock-wifi", false, "use the simulated network manager")

	mustBind("verbose", "verbose")
	mustBind("mock.bill_validator", "mock-bv")
	mustBind("mock.trader", "mock-trader")
	mustBind("mock.wifi", "mock-wifi")
}

func mustBind(key, flag string) {
	if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("binding --%s: %v", flag, err))
	}
}

// initConfig loads an optional .env, then the config file, then LAMASSU_*
// environment overrides.
func initConfig() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: reading .env: %v\n", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("lamassu-machine")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/lamassu-machine")
	}

	viper.SetEnvPrefix("LAMASSU")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "warning: reading config: %v\n", err)
		}
	}
}
