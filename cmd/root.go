package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yapchat/yap/pkg/config"
	"github.com/yapchat/yap/pkg/logger"
)

var (
	// Used for flags.
	cfgFile string
	conf    = config.Default()

	rootCmd = &cobra.Command{
		Use:   "yap",
		Short: "yap is a push to talk voice room over webrtc",
		Long:  `A single room voice relay and its terminal client`,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.yap.toml)")
	rootCmd.PersistentFlags().String("loglevel", "", "log level (trace, debug, info, warn, error)")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("loglevel"))
}

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("toml")
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".yap")
		viper.SetConfigType("toml")
	}
	viper.SetEnvPrefix("yap")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	if err := viper.GetViper().Unmarshal(&conf); err != nil {
		fmt.Fprintf(os.Stderr, "config file %s loaded failed. %v\n", cfgFile, err)
		os.Exit(1)
	}

	if err := conf.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config file %s loaded failed. %v\n", cfgFile, err)
		os.Exit(1)
	}

	logger.Init(conf.Log.Level, conf.Log.Pretty)
}
