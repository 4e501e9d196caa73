package main

import (
	"fmt"

	"github.com/matheus3301/dealroom/internal/chat"
	"github.com/matheus3301/dealroom/internal/config"
	"github.com/matheus3301/dealroom/internal/profile"
	"github.com/spf13/cobra"
)

func newProfileCmd(g *globals) *cobra.Command {
	var (
		serverURL   string
		participant string
		role        string
		makeDefault bool
	)
	cmd := &cobra.Command{
		Use:   "profile <name>",
		Short: "Create or update a profile",
		Long:  "Binds a profile name to a server URL and a participant id in the client config.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := profile.ValidateName(name); err != nil {
				return err
			}
			if role != chat.RoleParticipant && role != chat.RoleModerator {
				return fmt.Errorf("role must be %s or %s", chat.RoleParticipant, chat.RoleModerator)
			}
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			cfg.SetProfile(name, config.ClientProfile{ServerURL: serverURL, Participant: participant, Role: role})
			if makeDefault || cfg.DefaultProfile == "" {
				cfg.DefaultProfile = name
			}
			if err := config.Save(g.clientConfigPath(), cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "profile %s -> %s as %s\n", name, serverURL, participant)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "server base URL, e.g. http://localhost:8080")
	cmd.Flags().StringVar(&participant, "participant", "", "participant id to act as")
	cmd.Flags().StringVar(&role, "role", chat.RoleParticipant, "participant or moderator")
	cmd.Flags().BoolVar(&makeDefault, "default", false, "make this the default profile")
	_ = cmd.MarkFlagRequired("server")
	_ = cmd.MarkFlagRequired("participant")
	return cmd
}
