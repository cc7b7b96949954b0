package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/matheus3301/carchat/internal/daemon"
	"github.com/matheus3301/carchat/internal/session"
)

func main() {
	var profileFlag, configFlag string

	root := &cobra.Command{
		Use:           "carchatd",
		Short:         "carchat daemon: keeps the marketplace chat session for one profile",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			profile := session.Resolve(profileFlag)
			if err := session.ValidateName(profile); err != nil {
				return err
			}
			if err := session.EnsureDir(profile); err != nil {
				return err
			}

			app := fx.New(
				daemon.Module(daemon.Params{Profile: profile, ConfigPath: configFlag}),
				fx.NopLogger,
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
	root.Flags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	root.Flags().StringVar(&configFlag, "config", "", "config file (default ~/.carchat/config.toml)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
