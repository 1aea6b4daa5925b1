package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lovenote/lovenote/pkg/lovenote/health"
)

// newHealthCmd creates `lovenote health`, which probes a running server.
// Used by container HEALTHCHECKs and monitoring; exits non-zero unless the
// server reports healthy or degraded.
func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the health of a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			server, _ := cmd.Flags().GetString("server")
			if server == "" {
				cfg, _, err := commandSetup(cmd)
				if err != nil {
					return err
				}
				server = "http://" + cfg.Gateway.Address
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")
			report, raw, err := probeHealth(cmd.Context(), server, timeout)
			if err != nil {
				return err
			}
			printf(cmd, "%s\n", strings.TrimSpace(string(raw)))
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("server is %s", report.Status)
			}
			return nil
		},
	}
	cmd.Flags().String("server", "", "gateway URL (defaults to http://<gateway.address>)")
	cmd.Flags().Duration("timeout", 5*time.Second, "probe timeout")
	return cmd
}

func probeHealth(ctx context.Context, server string, timeout time.Duration) (health.Report, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(server, "/")+"/health", nil)
	if err != nil {
		return health.Report{}, nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return health.Report{}, nil, fmt.Errorf("probing %s: %w", server, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return health.Report{}, nil, err
	}
	var report health.Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return health.Report{}, raw, fmt.Errorf("decoding health report (%s): %w", resp.Status, err)
	}
	return report, raw, nil
}
