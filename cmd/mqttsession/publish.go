package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/mqttsession/internal/bus"
	"github.com/nerrad567/mqttsession/internal/fleet"
	"github.com/nerrad567/mqttsession/internal/infrastructure/config"
	"github.com/nerrad567/mqttsession/internal/infrastructure/logging"
	"github.com/nerrad567/mqttsession/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttsession/internal/payload"
	"github.com/nerrad567/mqttsession/internal/session"
)

// errNoSession is returned when --session is needed but missing or unknown.
var errNoSession = errors.New("session not found in configuration")

// publishRequest is one CLI publish.
type publishRequest struct {
	session  string
	topic    string
	payload  payload.Payload
	qos      byte
	retained bool
}

func publishCmd(load configLoader) *cobra.Command {
	var (
		sessionName string
		topic       string
		encoding    string
		qos         int
		retained    bool
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish <payload>",
		Short: "Publish one message through a configured session",
		Long: `Connect with a configured session's broker settings, publish one
message and disconnect. The session connects under a fresh client
identifier without its will, status or subscriptions, so a running
daemon using the same session is not disturbed.

Encodings: text (default), hex, base64 (or bytes), auto (hex when the payload is
made only of hex digits, text otherwise).`,
		Example: `  mqttsession publish -s plant -t plant/cmd on
  mqttsession publish -s plant -t plant/raw -e hex 0a0b0c --qos 1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if qos < 0 || qos > 2 {
				return fmt.Errorf("qos must be 0, 1 or 2")
			}
			p, err := payload.Parse(args[0], encoding)
			if err != nil {
				return err
			}
			cfg, _, err := load()
			if err != nil {
				return err
			}
			sc, err := pickSession(cfg, sessionName)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			logCfg := cfg.Logging
			logCfg.Output = "stderr"
			log := logging.New(logCfg, version)
			mqtt.SetPahoLogger(log.Component("paho"))

			req := publishRequest{
				session:  sc.Name,
				topic:    topic,
				payload:  p,
				qos:      byte(qos), // #nosec G115 -- checked above
				retained: retained,
			}
			if err := publishOnce(ctx, sc, req, log); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published to %s via %s\n", topic, sc.Name)
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionName, "session", "s", "", "configured session to publish through (optional with one session)")
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "topic name")
	cmd.Flags().StringVarP(&encoding, "encoding", "e", "text", "payload encoding: text, hex, base64 or auto")
	cmd.Flags().IntVarP(&qos, "qos", "q", 0, "quality of service (0, 1 or 2)")
	cmd.Flags().BoolVarP(&retained, "retain", "r", false, "set the retain flag")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall connect and publish timeout")
	//nolint:errcheck // flag is defined above
	cmd.MarkFlagRequired("topic")

	return cmd
}

// pickSession returns the named session, or the only session when name is
// empty.
func pickSession(cfg *config.Config, name string) (config.SessionConfig, error) {
	if name == "" {
		if len(cfg.Sessions) == 1 {
			return cfg.Sessions[0], nil
		}
		return config.SessionConfig{}, fmt.Errorf("%w: --session is required with %d sessions configured", errNoSession, len(cfg.Sessions))
	}
	sc, ok := cfg.Session(name)
	if !ok {
		return config.SessionConfig{}, fmt.Errorf("%w: %q", errNoSession, name)
	}
	return sc, nil
}

// publishTransport is a session provider that can wait for outstanding
// operations. *mqtt.Provider implements it.
type publishTransport interface {
	session.Provider
	Settle(ctx context.Context) error
}

// publishOnce connects a single-session fleet over a paho provider,
// publishes and shuts it down.
func publishOnce(ctx context.Context, sc config.SessionConfig, req publishRequest, log *logging.Logger) error {
	router := bus.NewRouter()
	defer router.Close()
	provider := mqtt.NewProvider(router)
	provider.SetLogger(log.Component("mqtt"))
	defer provider.Close() //nolint:errcheck // one-shot client

	return publishVia(ctx, sc, req, router, provider, log)
}

// publishVia runs one publish through transport. It waits for the publish
// to complete and for its outcome to reach the session before shutting
// down, and returns every error event seen on the way.
func publishVia(ctx context.Context, sc config.SessionConfig, req publishRequest, router *bus.Router, transport publishTransport, log *logging.Logger) error {
	sc.ClientID = ""
	sc.Status = false
	sc.Will = nil
	sc.Subscriptions = nil
	sc.Reconnect.Enabled = false

	var (
		mu     sync.Mutex
		failed []error
	)
	errorSink := fleet.SinkFunc(func(ev fleet.Event) {
		if ev.Kind != session.EventError {
			return
		}
		mu.Lock()
		failed = append(failed, errors.New(ev.Detail))
		mu.Unlock()
	})

	fl, err := fleet.New([]config.SessionConfig{sc}, transport, router,
		fleet.WithSinks(errorSink),
		fleet.WithLogger(log.Component("fleet")),
	)
	if err != nil {
		return err
	}

	if err := fl.Start(ctx); err != nil {
		//nolint:errcheck // already failing
		fl.Shutdown(context.Background())
		return fmt.Errorf("connecting %s: %w", sc.Name, err)
	}

	pubErr := fl.Publish(ctx, sc.Name, req.topic, req.payload, req.qos, req.retained)
	if pubErr == nil {
		pubErr = transport.Settle(ctx)
	}
	if pubErr == nil {
		if c, ok := fl.Client(sc.Name); ok {
			pubErr = c.Sync(ctx)
		}
	}
	shutdownErr := fl.Shutdown(ctx)

	mu.Lock()
	defer mu.Unlock()
	return errors.Join(append([]error{pubErr, shutdownErr}, failed...)...)
}
