package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thunderlink/mirror/internal/capture"
	"github.com/thunderlink/mirror/internal/sender"
	"github.com/thunderlink/mirror/internal/transport"
)

var sendCmd = &cobra.Command{
	Use:   "send ADDR",
	Short: "Capture and stream to a receiver",
	Long: `Connect to a receiver and stream captured frames to it. ADDR is the
receiver's host:port. Pin the receiver's certificate with --fingerprint;
without it any certificate is accepted.

Display capture backends plug in through the sender API; this build
ships the synthetic color-bar source, enabled with --pattern.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc := cfg.Send
		if len(args) == 1 {
			sc.Addr = args[0]
		}
		applyChangedString(cmd, "fingerprint", &sc.Fingerprint)
		applyChangedString(cmd, "mode", &sc.Mode)
		applyChangedString(cmd, "policy", &sc.Policy)
		applyChangedBool(cmd, "synthetic", &sc.Synthetic)
		applyChangedBool(cmd, "pattern", &sc.Pattern)
		applyChangedBool(cmd, "native", &sc.Native)
		applyChangedInt(cmd, "width", &sc.Width)
		applyChangedInt(cmd, "height", &sc.Height)
		applyChangedInt(cmd, "fps", &sc.FPS)
		applyChangedInt(cmd, "bitrate", &sc.Bitrate)
		applyChangedInt(cmd, "max-send-errors", &sc.MaxConsecutiveErrors)

		if sc.Addr == "" {
			return fmt.Errorf("receiver address required: pass ADDR or set send.addr")
		}
		fingerprint, err := sc.FingerprintBytes()
		if err != nil {
			return err
		}
		mode, err := sc.ModeValue()
		if err != nil {
			return err
		}
		policy, err := sc.PolicyValue()
		if err != nil {
			return err
		}

		var source capture.Source
		if sc.Pattern {
			source = capture.NewPatternSource(sc.Width, sc.Height, sc.FPS, nil)
		} else {
			return fmt.Errorf("no display capture backend in this build, use --pattern")
		}

		snd, err := sender.New(sender.Config{
			Addr:             sc.Addr,
			Fingerprint:      fingerprint,
			Source:           source,
			Mode:                 mode,
			Policy:               policy,
			SyntheticEnabled:     sc.Synthetic,
			NativeResolution:     sc.Native,
			Width:                sc.Width,
			Height:               sc.Height,
			FPS:                  sc.FPS,
			Bitrate:              sc.Bitrate,
			BitrateFloor:         sc.BitrateFloor,
			BitrateCeiling:       sc.BitrateCeiling,
			StatsInterval:        sc.StatsInterval,
			DialTimeout:          sc.DialTimeout,
			MaxConsecutiveErrors: sc.MaxConsecutiveErrors,
			Reconnect: transport.ReconnectorConfig{
				BackoffBase: sc.BackoffBase,
				BackoffCap:  sc.BackoffCap,
				MaxAttempts: sc.ReconnectAttempts,
			},
		}, nil)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext(context.Background())
		defer cancel()
		return snd.Run(ctx)
	},
}

func init() {
	f := sendCmd.Flags()
	f.String("fingerprint", "", "receiver certificate fingerprint to pin (base64 SHA-256)")
	f.String("mode", "mirror", "capture mode: mirror or extend")
	f.String("policy", "prefer-secondary", "fallback when extend is unavailable: prefer-secondary, prefer-mirror, fail-hard")
	f.Bool("synthetic", false, "allow creating a synthetic display for extend mode")
	f.Bool("pattern", false, "stream synthetic color bars instead of a display")
	f.Bool("native", false, "capture at the display's native resolution instead of scaling")
	f.Int("width", 1280, "stream width")
	f.Int("height", 720, "stream height")
	f.Int("fps", 60, "capture rate")
	f.Int("bitrate", 30_000_000, "target bitrate in bits per second")
	f.Int("max-send-errors", 30, "consecutive send failures treated as connection loss")
}

func applyChangedString(cmd *cobra.Command, name string, dst *string) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetString(name)
	}
}

func applyChangedBool(cmd *cobra.Command, name string, dst *bool) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetBool(name)
	}
}

func applyChangedInt(cmd *cobra.Command, name string, dst *int) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetInt(name)
	}
}
