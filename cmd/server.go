package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	relay "github.com/yapchat/yap/pkg"
	"github.com/yapchat/yap/pkg/logger"
)

var serverCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the voice relay",
	RunE:  serverMain,
}

func init() {
	serverCmd.PersistentFlags().StringP("addr", "a", conf.Relay.HTTPAddr, "http listen address")
	serverCmd.PersistentFlags().String("cert", "", "tls certificate")
	serverCmd.PersistentFlags().String("key", "", "tls priv key")
	_ = viper.BindPFlag("relay.addr", serverCmd.PersistentFlags().Lookup("addr"))
	_ = viper.BindPFlag("relay.cert", serverCmd.PersistentFlags().Lookup("cert"))
	_ = viper.BindPFlag("relay.key", serverCmd.PersistentFlags().Lookup("key"))

	rootCmd.AddCommand(serverCmd)
}

func serverMain(cmd *cobra.Command, args []string) error {
	logger.Infow("--- Starting relay ---", "addr", conf.Relay.HTTPAddr)

	s, err := relay.NewServer(conf)
	if err != nil {
		logger.Errorw("error creating relay", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.ListenAndServe(ctx); err != nil {
		logger.Errorw("relay stopped", err)
		return err
	}
	logger.Infow("relay stopped")
	return nil
}
