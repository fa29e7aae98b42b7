package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"pixelbus/config"
	"pixelbus/core"
	"pixelbus/host/bridge"
	"pixelbus/host/serial"
	"pixelbus/logging"
	"pixelbus/protocol"
)

// bridgeCmd streams the clockless workload to a board running the bridge
// firmware instead of simulated controllers
var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Stream frames to a board over the serial bridge",
	Long:  `Opens the serial bridge to a board, builds one stream engine on it and streams frames of synthetic strip data. The board shows each pulse buffer on its own pins and acknowledges it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		device, _ := flags.GetString("device")
		baud, _ := flags.GetInt("baud")
		line, _ := flags.GetInt("line")
		lanes, _ := flags.GetInt("lanes")
		pixels, _ := flags.GetInt("pixels")
		frames, _ := flags.GetInt("frames")
		intervalMS, _ := flags.GetInt("interval-ms")
		chip, _ := flags.GetString("gpio-chip")
		enableOffset, _ := flags.GetInt("enable-line")
		levelName, _ := flags.GetString("log-level")

		log, err := logging.NewFromString(os.Stderr, levelName)
		if err != nil {
			return err
		}
		if frames == 0 {
			frames = config.Default().Sim.Frames
		}
		if lanes <= 0 || lanes > protocol.MaxLanes {
			return fmt.Errorf("%w: lanes %d", config.ErrOutOfRange, lanes)
		}

		serialCfg := serial.DefaultConfig(device)
		if baud > 0 {
			serialCfg.Baud = baud
		}
		port, err := serial.Open(serialCfg)
		if err != nil {
			return err
		}

		opts := []bridge.Option{bridge.WithLogger(log), bridge.WithLanes(lanes)}
		if chip != "" {
			enable, err := bridge.RequestEnableLine(chip, enableOffset)
			if err != nil {
				port.Close()
				return err
			}
			opts = append(opts, bridge.WithEnableLine(enable))
		}
		hw := bridge.New("bridge0", port, opts...)
		defer hw.Close()

		sys := core.NewSystem(core.LedgerConfig{
			TXWords:      16384,
			WordsPerUnit: protocol.TransposedLen(lanes, core.DefaultChunkBytes) / 4,
		}, log)
		grouping := core.GroupByTiming
		if lanes == 1 {
			grouping = core.GroupByLine
		}
		_, err = sys.AddEngine(core.EngineConfig{
			Name:     "bridge",
			Priority: 10,
			Families: []core.ProtocolFamily{core.FamilyClockless},
			Encoding: core.EncodingWave,
			Grouping: grouping,
			Lanes:    lanes,
		}, []core.Capability{hw})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		log.Info("streaming over bridge", "device", device, "line", line, "lanes", lanes, "frames", frames)
		w := newWorkload(config.SimConfig{Strips: lanes, Pixels: pixels})
		for i, r := range w.reqs {
			r.Line = core.LineID(line + i)
		}
		rep := &report{}
		streamFrames(ctx, sys, w, frames, time.Duration(intervalMS)*time.Millisecond, rep)
		rep.CloseErr = sys.Dispatcher.Close(time.Second)
		rep.Stats = sys.Dispatcher.Stats()

		acks, faults := hw.Stats()
		printReport(cmd.OutOrStdout(), rep)
		fmt.Fprintf(cmd.OutOrStdout(), "\nbridge: %d acks, %d remote faults\n", acks, faults)
		return nil
	},
}

func init() {
	flags := bridgeCmd.Flags()
	flags.StringP("device", "d", "/dev/ttyACM0", "Serial device of the board")
	flags.Int("baud", 0, "Baud rate (USB CDC ignores it)")
	flags.Int("line", 2, "First output pin of the board")
	flags.Int("lanes", bridge.DefaultLanes, "Parallel strips on consecutive pins")
	flags.Int("pixels", 60, "Pixels per strip")
	flags.Int("interval-ms", 16, "Frame interval in milliseconds")
	flags.String("gpio-chip", "", "GPIO chip holding the level-shifter enable (Linux only)")
	flags.Int("enable-line", 0, "Offset of the level-shifter enable on --gpio-chip")
}
