package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/opd-ai/peergate"
	"github.com/opd-ai/peergate/config"
	"github.com/opd-ai/peergate/session"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the peer port and accept incoming connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := applyServeFlags(cmd, cfg); err != nil {
				return err
			}
			if !cmd.Flags().Changed("log-level") && !cmd.Flags().Changed("log-format") {
				if err := cfg.ConfigureLogging(cmd.ErrOrStderr()); err != nil {
					return err
				}
			}

			options, err := cfg.Options(runCtx)
			if err != nil {
				return err
			}
			server, err := peergate.New(options)
			if err != nil {
				return err
			}
			defer server.Close()
			watchServer(server)

			var statusDone <-chan struct{}
			if cfg.Metrics.Addr != "" {
				_, statusDone, err = startStatusServer(runCtx, cfg.Metrics.Addr, newStatusHandler(server.Listening))
				if err != nil {
					return fmt.Errorf("status server: %w", err)
				}
			}

			state, err := server.Start(runCtx)
			if err != nil {
				return err
			}
			if outputJSON {
				_ = writeJSON(cmd.OutOrStdout(), map[string]any{
					"status":        "listening",
					"port":          state.Port,
					"external_port": state.ExternalPort,
					"mapped":        state.Mapping != nil,
				})
			} else {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "status: listening\nport: %d\nexternal_port: %d\n", state.Port, state.ExternalPort)
				if state.Mapping != nil {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "mapping: %s\n", state.Mapping)
				}
			}

			<-runCtx.Done()
			err = server.Close()
			if statusDone != nil {
				<-statusDone
			}
			return err
		},
	}
	cmd.Flags().String("config", "", "Path to a TOML configuration file")
	cmd.Flags().Int("port", 0, "Preferred peer listening port")
	cmd.Flags().Int("max-peers", 0, "Maximum handshakes plus sessions")
	cmd.Flags().String("probe", "", "Reachability probe: http|dial|none")
	cmd.Flags().String("probe-url", "", "Probe service URL for the http probe")
	cmd.Flags().String("nat", "", "Port mapping fallback: auto|pmp|upnp|none")
	cmd.Flags().String("redis", "", "Keep pending requests in Redis at this address")
	cmd.Flags().String("metrics", "", "Serve /metrics, /healthz and /readyz on this address")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print status as JSON")
	return cmd
}

// applyServeFlags overrides configuration values with explicitly set flags.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("max-peers") {
		cfg.MaxPeers, _ = flags.GetInt("max-peers")
	}
	if flags.Changed("probe") {
		cfg.Probe.Method, _ = flags.GetString("probe")
	}
	if flags.Changed("probe-url") {
		cfg.Probe.URL, _ = flags.GetString("probe-url")
		if !flags.Changed("probe") && cfg.Probe.Method == "none" {
			cfg.Probe.Method = "http"
		}
	}
	if flags.Changed("nat") {
		cfg.NAT.Method, _ = flags.GetString("nat")
	}
	if flags.Changed("redis") {
		cfg.Registry.Backend = "redis"
		cfg.Registry.RedisAddr, _ = flags.GetString("redis")
	}
	if flags.Changed("metrics") {
		cfg.Metrics.Addr, _ = flags.GetString("metrics")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Log.Format, _ = flags.GetString("log-format")
	}
	return cfg.Validate()
}

// watchServer logs gateway events.
func watchServer(server *peergate.Server) {
	server.OnWaitPort(func(port int) {
		logrus.WithFields(logrus.Fields{"function": "serve", "port": port}).Debug("Peer port chosen")
	})
	server.OnListening(func(port int) {
		logrus.WithFields(logrus.Fields{"function": "serve", "port": port}).Info("Listening for peers")
	})
	server.OnClosed(func() {
		logrus.WithFields(logrus.Fields{"function": "serve"}).Info("Peer port closed")
	})
	server.OnError(func(err error) {
		logrus.WithFields(logrus.Fields{"function": "serve", "error": err.Error()}).Warn("Gateway error")
	})
	server.OnSession(func(sess session.Session) {
		logrus.WithFields(logrus.Fields{
			"function":  "serve",
			"role":      sess.Role().String(),
			"direction": sess.Direction().String(),
			"token":     sess.Token(),
			"user":      sess.Username(),
			"remote":    sess.RemoteAddr().String(),
		}).Info("Peer session attached")
	})
}
