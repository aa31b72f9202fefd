package main

import (
	"context"
	"fmt"
	"time"

	"github.com/opd-ai/peergate/nat"
	"github.com/opd-ai/peergate/reachability"
	"github.com/spf13/cobra"
)

func newProbeCmd() *cobra.Command {
	var port int
	var method string
	var probeURL string
	var natMethod string
	var timeout time.Duration
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check whether a TCP port is reachable from outside",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port <= 0 || port > 65535 {
				return fmt.Errorf("--port must be between 1 and 65535")
			}
			prober, err := reachability.ParseProber(method, probeURL)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			open, err := prober.Probe(ctx, port)
			if err != nil {
				return err
			}

			externalIP, err := gatewayAddress(ctx, natMethod)
			if err != nil {
				return err
			}

			if outputJSON {
				view := map[string]any{
					"port":      port,
					"method":    method,
					"reachable": open,
				}
				if externalIP != "" {
					view["external_ip"] = externalIP
				}
				return writeJSON(cmd.OutOrStdout(), view)
			}
			status := "closed"
			if open {
				status = "open"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "port: %d\nstatus: %s\n", port, status)
			if externalIP != "" {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "external_ip: %s\n", externalIP)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 2234, "Port to check")
	cmd.Flags().StringVar(&method, "method", "dial", "Probe method: http|dial|none")
	cmd.Flags().StringVar(&probeURL, "url", "", "Probe service URL for the http method")
	cmd.Flags().StringVar(&natMethod, "nat", "none", "Also ask the router for its public address: auto|pmp|upnp|none")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "Overall probe timeout")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}

// gatewayAddress asks the router selected by method for its public address.
// It returns an empty string when method is "none".
func gatewayAddress(ctx context.Context, method string) (string, error) {
	mapper, err := nat.ParseMethod(method)
	if err != nil || mapper == nil {
		return "", err
	}
	src, ok := mapper.(nat.AddressSource)
	if !ok {
		return "", fmt.Errorf("%s cannot report an external address", mapper)
	}
	ip, err := src.ExternalIP(ctx)
	if err != nil {
		return "", fmt.Errorf("external address from %s: %w", mapper, err)
	}
	return ip.String(), nil
}
