package commands

import (
	"github.com/banshee-data/worldtrack/internal/config"
	"github.com/spf13/cobra"
)

func (c *CLI) newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Track markers and serve the operator surfaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := applyRunFlags(cmd, cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return c.runner.Run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.Float64("marker-size", 0, "Physical marker edge length in metres")
	f.Int("default-marker-id", 0, "Marker id used for unidentified detections")
	f.String("policy", "", "Relocalization policy: every_new, once or never")
	f.String("remote", "", "Telemetry endpoint host:port (empty disables)")
	f.Bool("snapshots", true, "Send frame snapshots with telemetry")
	f.Float64("frame-rate", 0, "Synthetic session frame rate")
	f.String("db", "", "Journal database path (empty disables)")
	f.String("listen", "", "Operator HTTP listen address (empty disables)")
	f.String("grpc-listen", "", "gRPC health listen address (empty disables)")
	f.String("stats-interval", "", "How often to log pipeline stats, e.g. 30s")

	return cmd
}

// applyRunFlags overrides cfg with every flag set on the command line.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("marker-size") {
		v, err := f.GetFloat64("marker-size")
		if err != nil {
			return err
		}
		cfg.MarkerPhysicalSize = &v
	}
	if f.Changed("default-marker-id") {
		v, err := f.GetInt("default-marker-id")
		if err != nil {
			return err
		}
		cfg.DefaultMarkerID = &v
	}
	if f.Changed("snapshots") {
		v, err := f.GetBool("snapshots")
		if err != nil {
			return err
		}
		cfg.SnapshotEnabled = &v
	}
	if f.Changed("frame-rate") {
		v, err := f.GetFloat64("frame-rate")
		if err != nil {
			return err
		}
		cfg.FrameRate = &v
	}

	strs := map[string]**string{
		"policy":         &cfg.RelocalizePolicy,
		"remote":         &cfg.RemoteEndpoint,
		"db":             &cfg.DBPath,
		"listen":         &cfg.HTTPListen,
		"grpc-listen":    &cfg.GRPCListen,
		"stats-interval": &cfg.StatsInterval,
	}
	for name, dst := range strs {
		if !f.Changed(name) {
			continue
		}
		v, err := f.GetString(name)
		if err != nil {
			return err
		}
		*dst = &v
	}
	return nil
}
