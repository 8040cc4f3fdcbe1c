// Command camera is the omniroom camera client.
//
// The camera connects to an omniroom signaling server, announces itself, and
// streams its shared audio/video source to every viewer that calls it over a
// dedicated WebRTC peer connection. Media arrives as RTP on local UDP ports.
//
// It can be launched non-interactively via flags, a YAML file and CAMERA_*
// environment variables, or with -i to be prompted for the server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/room-2135/omniroom2-camera/internal/app"
	"github.com/room-2135/omniroom2-camera/internal/config"
	"github.com/room-2135/omniroom2-camera/internal/media"
	"github.com/room-2135/omniroom2-camera/internal/signaling"
	"github.com/room-2135/omniroom2-camera/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		util.LogError("%v", err)
		os.Exit(2)
	}

	switch {
	case cfg.Trace:
		util.EnableTrace()
	case cfg.Debug:
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Omniroom camera — v%s", version))
	pterm.Println()

	if cfg.Interactive {
		askServer(cfg)
	}

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("camera stopped")
}

// run wires the media engine and signaling together and blocks until the
// event stream ends or ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	endpoints := signaling.Endpoints{Base: cfg.BaseURL()}
	util.LogInfo("signaling server: %s (%s events)", endpoints.Base, cfg.EventTransport)

	src, err := media.NewSource()
	if err != nil {
		return err
	}
	if err := src.Ingest(ctx, cfg.VideoRTP, cfg.AudioRTP); err != nil {
		return err
	}

	engine, err := media.NewPionEngine(media.PionConfig{
		STUNServers:     cfg.STUNServers,
		IncludeLoopback: cfg.IncludeLoopback,
	}, src)
	if err != nil {
		return fmt.Errorf("failed to initialize media engine: %w", err)
	}
	defer engine.Close()

	client, err := signaling.NewHTTPClient()
	if err != nil {
		return err
	}

	// Subscribe first so the session cookie exists before anything is posted.
	var stream *signaling.Stream
	if cfg.EventTransport == config.TransportWebSocket {
		stream, err = signaling.SubscribeWebSocket(ctx, client, endpoints.WebSocketEvents())
	} else {
		stream, err = signaling.Subscribe(ctx, client, endpoints.Events())
	}
	if err != nil {
		return err
	}
	defer stream.Close()
	util.LogSuccess("subscribed to signaling events")

	sendCtx, stopSender := context.WithCancel(ctx)
	sender := signaling.NewSender(sendCtx, client, endpoints.Message(), cfg.SendTimeout)
	defer func() {
		stopSender()
		<-sender.Done()
	}()

	cam := app.New(ctx, engine, sender, app.Options{NegotiationTimeout: cfg.NegotiationTimeout})
	defer func() {
		if err := cam.Close(); err != nil {
			util.LogWarning("closing sessions: %v", err)
		}
	}()

	util.StartStatsReporter(ctx, cfg.StatsInterval)

	return cam.Run(ctx, stream)
}

// ---------------------------------------------------------------------------
// Interactive prompts
// ---------------------------------------------------------------------------

// askServer prompts for the signaling server, keeping the configured values
// as defaults.
func askServer(cfg *config.Config) {
	address, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText("Signaling server address").
		WithDefaultValue(cfg.Address).
		Show()
	if address = strings.TrimSpace(address); address != "" {
		cfg.Address = address
	}
	pterm.Println()

	cfg.Port = askPort(cfg.Port)

	secure, _ := pterm.DefaultInteractiveConfirm.
		WithDefaultText("Use https").
		WithDefaultValue(!cfg.Unsecure).
		Show()
	cfg.Unsecure = !secure
	pterm.Println()
}

// askPort prompts the user for a port number until a valid one is entered.
func askPort(current int) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Signaling server port (1 ~ 65535)").
			WithDefaultValue(strconv.Itoa(current)).
			Show()

		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && port >= 1 && port <= 65535 {
			pterm.Println()
			return port
		}

		util.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}
