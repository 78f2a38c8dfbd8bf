package main

import (
	"errors"

	"github.com/spf13/cobra"
)

var errNoUsername = errors.New("no username: pass --name or set username in the config")

func createCmd(flags *globalFlags) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a room and host it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context(), *flags, entry{create: true, username: name})
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "display name in the room")
	return cmd
}

func joinCmd(flags *globalFlags) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "join <room-code>",
		Short: "Ask to join a room",
		Long:  `Send a join request. Playback follows the host once it is approved.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context(), *flags, entry{roomCode: args[0], username: name})
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "display name in the room")
	return cmd
}
