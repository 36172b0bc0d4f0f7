package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/danshapiro/decisiongraph/internal/logging"
	"github.com/danshapiro/decisiongraph/internal/mockengine"
)

func newMockEngineCommand(root *RootOptions) *cobra.Command {
	var (
		addr        string
		shape       string
		noStreaming bool
		frameDelay  time.Duration
		runDelay    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mock-engine",
		Short: "Serve a fake Engine for local development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k := mockengine.DefaultKnobs()
			switch mockengine.Shape(shape) {
			case mockengine.ShapeLegacy, mockengine.ShapeV11, mockengine.ShapeV12:
				k.Shape = mockengine.Shape(shape)
			default:
				return fmt.Errorf("--shape must be legacy, v1.1 or v1.2, got %q", shape)
			}
			k.Streaming = !noStreaming
			k.FrameDelay = frameDelay
			k.RunDelay = runDelay

			srv := mockengine.New(mockengine.Config{
				Addr:   addr,
				Build:  "mock-" + version,
				Logger: logging.New("mock-engine", logging.ParseLevel(root.LogLevel), cmd.ErrOrStderr()),
				Knobs:  &k,
			})
			return srv.ListenAndServe()
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	f.StringVar(&shape, "shape", string(mockengine.ShapeLegacy), "response revision: legacy, v1.1 or v1.2")
	f.BoolVar(&noStreaming, "no-streaming", false, "advertise no streaming support")
	f.DurationVar(&frameDelay, "frame-delay", 150*time.Millisecond, "delay between SSE frames")
	f.DurationVar(&runDelay, "run-delay", 0, "delay before each sync run answers")
	return cmd
}
