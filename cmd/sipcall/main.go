// Command sipcall is a terminal SIP phone: it registers an identity with
// a SIP-over-WebSocket gateway and places or answers one call at a time.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"braces.dev/errtrace"
	"github.com/pion/webrtc/v4"
	"github.com/urfave/cli/v3"

	"github.com/ghettovoice/sipcall/call"
	"github.com/ghettovoice/sipcall/log"
	"github.com/ghettovoice/sipcall/media/pionmedia"
	"github.com/ghettovoice/sipcall/transport/ws"
)

const closeTimeout = 5 * time.Second

func main() {
	cmd := &cli.Command{
		Name:  "sipcall",
		Usage: "single-call SIP phone over WebSocket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file",
				Sources: cli.EnvVars("SIPCALL_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "uri",
				Usage:   "identity SIP URI, e.g. sip:1000@pbx.example.com",
				Sources: cli.EnvVars("SIPCALL_URI"),
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "identity password",
				Sources: cli.EnvVars("SIPCALL_PASSWORD"),
			},
			&cli.StringFlag{
				Name:    "server",
				Usage:   "signaling server WebSocket URL, discovered via DNS if empty",
				Sources: cli.EnvVars("SIPCALL_SERVER"),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: `log format: "console", "dev" or "json"`,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	conf, err := LoadConfig(cmd.String("config"))
	if err != nil {
		return errtrace.Wrap(err)
	}
	applyFlags(conf, cmd)
	if err := conf.Validate(); err != nil {
		return errtrace.Wrap(err)
	}

	logger, err := conf.Logger(os.Stderr)
	if err != nil {
		return errtrace.Wrap(err)
	}
	log.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp := ws.New(&ws.Options{
		PingInterval:         conf.Transport.PingInterval,
		ReconnectDelay:       conf.Transport.ReconnectDelay,
		MaxReconnectDelay:    conf.Transport.MaxReconnectDelay,
		MaxReconnectAttempts: conf.Transport.MaxReconnectAttempts,
		Logger:               logger,
	})
	mc := pionmedia.New(&pionmedia.Options{
		Configuration: webrtc.Configuration{ICEServers: iceServers(conf.Media.ICEServers)},
		Logger:        logger,
	})
	phone, err := call.NewPhone(tp, mc, &call.PhoneOptions{
		Constraints: conf.Media.Constraints,
		Timings:     conf.Timings,
		Logger:      logger,
	})
	if err != nil {
		return errtrace.Wrap(err)
	}

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printEvents(phone.Bridge(), os.Stdout)
	}()

	if err := phone.Register(ctx, conf.Identity); err != nil {
		shutdown(phone, mc, printed, os.Stderr)
		return errtrace.Wrap(err)
	}

	con := &console{phone: phone, out: os.Stdout}
	err = con.run(ctx, os.Stdin)
	shutdown(phone, mc, printed, os.Stderr)
	return errtrace.Wrap(err)
}

func applyFlags(conf *Config, cmd *cli.Command) {
	if v := cmd.String("uri"); v != "" {
		conf.Identity.URI = v
	}
	if v := cmd.String("password"); v != "" {
		conf.Identity.Password = v
	}
	if v := cmd.String("server"); v != "" {
		conf.Identity.Server = v
	}
	if v := cmd.String("log-format"); v != "" {
		conf.Log.Format = v
	}
	if v := cmd.String("log-level"); v != "" {
		conf.Log.Level = v
	}
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

func shutdown(phone *call.Phone, mc *pionmedia.Capability, printed <-chan struct{}, errOut io.Writer) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if err := phone.Close(ctx); err != nil {
		fmt.Fprintln(errOut, err)
	}
	if err := mc.Close(); err != nil {
		fmt.Fprintln(errOut, err)
	}
	<-printed
}
