package main

import (
	"context"
	"fmt"
	"os"

	"github.com/matheus3301/dealroom/internal/admin"
	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const defaultAdminSocket = "/tmp/dealroomd.sock"

func newHealthCmd(g *globals) *cobra.Command {
	var socket string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query a local server's admin socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if socket == "" {
				socket = os.Getenv("DEALROOM_ADMIN_SOCKET")
			}
			if socket == "" {
				socket = defaultAdminSocket
			}
			c, err := admin.Dial(socket)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			out := map[string]string{}
			for _, svc := range []string{"", admin.ServiceName} {
				st, err := c.Check(ctx, svc)
				if err != nil {
					return err
				}
				name := svc
				if name == "" {
					name = "server"
				}
				out[name] = st.String()
			}
			if g.jsonOut {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "server: %s\nstore:  %s\n", out["server"], out[admin.ServiceName])
			if out[admin.ServiceName] != healthpb.HealthCheckResponse_SERVING.String() {
				return fmt.Errorf("store not serving")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "", "admin socket (default $DEALROOM_ADMIN_SOCKET or "+defaultAdminSocket+")")
	return cmd
}
