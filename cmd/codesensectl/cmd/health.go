package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the CodeSense API",
	Long: `Check the API's dependency status through /healthz, or through the
gRPC health service with --grpc.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		useGRPC, _ := cmd.Flags().GetBool("grpc")
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		out := cmd.OutOrStdout()
		if useGRPC {
			status, err := grpcHealth(ctx, grpcAddr)
			if err != nil {
				return fmt.Errorf("gRPC health check failed: %w", err)
			}
			if outputJSON {
				return printJSON(out, map[string]string{"status": status.String()})
			}
			if status == healthpb.HealthCheckResponse_SERVING {
				fmt.Fprintln(out, "✓ Service is healthy (gRPC)")
			} else {
				fmt.Fprintf(out, "✗ Service is unhealthy (gRPC %s)\n", status)
			}
			return nil
		}

		code, body, err := newAPIClient().Healthz(ctx)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(out, body)
		}
		if code == 200 {
			fmt.Fprintln(out, "✓ Service is healthy (HTTP)")
			return nil
		}
		fmt.Fprintf(out, "✗ Service is unhealthy (HTTP %d)\n", code)
		for _, dep := range []string{"database", "broker", "backend"} {
			if ok, _ := body[dep].(bool); !ok {
				fmt.Fprintf(out, "  %s: down\n", dep)
			}
		}
		return nil
	},
}

func grpcHealth(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().Bool("grpc", false, "use the gRPC health service instead of /healthz")
}
