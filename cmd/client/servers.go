package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func serversCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List the configured relays",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*flags)
			if err != nil {
				return err
			}
			if len(cfg.Servers) == 0 {
				warn("no named servers configured")
			}
			for _, s := range cfg.Servers {
				mark := " "
				if s.URL == cfg.ServerURL {
					mark = "*"
				}
				fmt.Printf("%s %-12s %s\n", mark, s.Name, s.URL)
			}
			info("default: %s", cfg.ServerURL)
			return nil
		},
	}
}
