package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/keeperd/keeper/internal/config"
	"github.com/keeperd/keeper/internal/logging"
	"github.com/keeperd/keeper/internal/master"
	"github.com/keeperd/keeper/internal/version"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "keeperd",
		Short:         "keeperd supervises pools of worker processes",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logging.Setup(cfg.Logging.Level)

			m, err := master.New(cfg)
			if err != nil {
				return err
			}
			return m.Run()
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "keeper.yaml", "configuration file")

	if err := root.Execute(); err != nil {
		log.Error().Msg(err.Error())
		os.Exit(1)
	}
}
