package cli

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/thunderlink/mirror/internal/media"
	"github.com/thunderlink/mirror/internal/receiver"
)

var recvCmd = &cobra.Command{
	Use:   "recv",
	Short: "Listen for a sender and display its stream",
	Long: `Listen for an incoming stream. The certificate fingerprint printed at
startup is what the sender pins with --fingerprint.

Display sinks plug in through the receiver API; this build ships a
headless sink that logs throughput.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rc := cfg.Recv
		applyChangedString(cmd, "addr", &rc.Addr)

		sink := &logSink{log: slog.Default().With("component", "sink")}
		r, err := receiver.New(receiver.Config{
			Addr:         rc.Addr,
			Sink:         sink,
			CertValidity: rc.CertValidity,
		}, nil)
		if err != nil {
			return err
		}

		fmt.Printf("listening on %s\n", r.Addr())
		fmt.Printf("certificate fingerprint: %s\n", r.Fingerprint())
		fmt.Printf("pair with: mirror send %s --fingerprint %s\n", r.Addr(), r.Fingerprint())

		ctx, cancel := signalContext(context.Background())
		defer cancel()
		return r.Run(ctx)
	},
}

func init() {
	recvCmd.Flags().String("addr", "", "listen address (default :9999)")
}

// logSink is the headless display: it counts presented images and logs
// resolution changes.
type logSink struct {
	log    *slog.Logger
	frames atomic.Uint64
	width  atomic.Int64
	height atomic.Int64
}

func (s *logSink) Present(img media.Image) error {
	n := s.frames.Add(1)
	w, h := int64(img.Width), int64(img.Height)
	if s.width.Swap(w) != w || s.height.Swap(h) != h {
		s.log.Info("stream resolution", "width", img.Width, "height", img.Height)
	}
	if n%300 == 0 {
		s.log.Info("presented", "frames", n)
	}
	return nil
}
