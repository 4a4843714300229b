// Command audiomodem runs the acoustic datagram modem's modulator and/or
// demodulator, bridging a local packet channel to a soundcard.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/soundlink/acoustic-modem/internal/audio"
	"github.com/soundlink/acoustic-modem/internal/logging"
	"github.com/soundlink/acoustic-modem/internal/server"
	"github.com/soundlink/acoustic-modem/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		outbound    = flag.StringP("tun-outbound", "i", "", "outbound packet endpoint path")
		inbound     = flag.StringP("tun-inbound", "o", "", "inbound packet endpoint path")
		modeFlag    = flag.StringP("mode", "m", "both", "which workers to run: send, receive, or both")
		lineOut     = flag.StringP("line-out", "O", "", "playback device name (default: system default)")
		lineIn      = flag.StringP("line-in", "I", "", "capture device name (default: system default)")
		diagAddr    = flag.String("diag-addr", "", "optional diagnostics HTTP+WebSocket address, e.g. 127.0.0.1:7777")
		listDevices = flag.Bool("list-devices", false, "list audio devices and exit")
	)
	flag.Parse()

	log := logging.New(logging.ComponentSupervisor)

	if err := audio.Init(); err != nil {
		log.Errorf("initialize audio backend: %v", err)
		return 1
	}
	defer audio.Terminate()

	if *listDevices {
		if err := audio.PrintDevices(); err != nil {
			log.Errorf("list devices: %v", err)
			return 1
		}
		return 0
	}

	mode, err := supervisor.ParseMode(*modeFlag)
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}
	if (mode == supervisor.ModeSend || mode == supervisor.ModeBoth) && *outbound == "" {
		log.Errorf("--tun-outbound is required for mode %q", *modeFlag)
		return 1
	}
	if (mode == supervisor.ModeReceive || mode == supervisor.ModeBoth) && *inbound == "" {
		log.Errorf("--tun-inbound is required for mode %q", *modeFlag)
		return 1
	}

	sup, err := supervisor.New(supervisor.Config{
		Mode:          mode,
		OutboundPath:  *outbound,
		InboundPath:   *inbound,
		LineOutDevice: *lineOut,
		LineInDevice:  *lineIn,
	})
	if err != nil {
		log.Errorf("setup: %v", err)
		return 1
	}

	if *diagAddr != "" {
		hub := server.NewHub()
		if sup.Demodulator != nil {
			sup.Demodulator.Notify = func(event, detail string) {
				hub.BroadcastStatus(event, detail)
			}
		}
		if sup.Modulator != nil {
			sup.Modulator.Notify = func(event, detail string) {
				hub.BroadcastStatus(event, detail)
			}
		}
		handlers := server.NewHandlers(sup.Demodulator, sup.Modulator, hub)
		diag := server.NewServer(*diagAddr, handlers)
		go func() {
			if err := diag.Start(); err != nil {
				log.Warnf("diagnostics server stopped: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("shutting down...")
		sup.Shutdown.Store(true)
	}()

	if err := sup.Run(); err != nil {
		log.Errorf("%v", err)
		return 1
	}
	return 0
}
