package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/nerrad567/mqttsession/internal/api"
	"github.com/nerrad567/mqttsession/internal/auth"
)

// watchTokenTTL is the lifetime of tokens watch mints for itself.
const watchTokenTTL = 12 * time.Hour

// maxPayloadPreview caps the payload shown per line.
const maxPayloadPreview = 64

func watchCmd(load configLoader) *cobra.Command {
	var (
		server   string
		token    string
		sessions []string
		noColor  bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live session events from a running daemon",
		Long: `Connect to the daemon's WebSocket endpoint and print every event of the
selected sessions (all by default) until interrupted.

Without --server the address comes from the api section of the
configuration. Without --token a viewer token is signed with the
configured secret, if there is one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if server == "" || token == "" {
				cfg, _, err := load()
				if err != nil {
					return err
				}
				if server == "" {
					scheme := "http"
					if cfg.API.TLS.Enabled {
						scheme = "https"
					}
					server = scheme + "://" + cfg.API.Host + ":" + strconv.Itoa(cfg.API.Port)
				}
				if token == "" && cfg.Security.JWT.Secret != "" {
					token, err = auth.IssueToken("watch", auth.RoleViewer, cfg.Security.JWT.Secret, watchTokenTTL)
					if err != nil {
						return fmt.Errorf("issuing token: %w", err)
					}
				}
			}

			wsURL, err := watchURL(server, token)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			color := !noColor
			if f, ok := out.(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
				color = false
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return watch(ctx, wsURL, sessions, out, newPalette(color))
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "daemon base URL, e.g. http://127.0.0.1:8080")
	cmd.Flags().StringVar(&token, "token", os.Getenv("MQTTSESSION_TOKEN"), "bearer token (default $MQTTSESSION_TOKEN)")
	cmd.Flags().StringSliceVarP(&sessions, "session", "s", []string{api.WSChannelAll}, "sessions to watch")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")

	return cmd
}

// watchURL turns an http(s) base URL into the WebSocket endpoint URL.
func watchURL(server, token string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server URL must be http or https, got %q", server)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/ws"
	if token != "" {
		q := u.Query()
		q.Set("access_token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// watchMessage mirrors api.WSMessage with the payload left raw.
type watchMessage struct {
	Type      string          `json:"type"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// watch subscribes to sessions and prints events until ctx is done or the
// server closes the connection.
func watch(ctx context.Context, wsURL string, sessions []string, out io.Writer, p palette) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connecting to %s: %w (HTTP %d)", redact(wsURL), err, resp.StatusCode)
		}
		return fmt.Errorf("connecting to %s: %w", redact(wsURL), err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		//nolint:errcheck // best-effort close to unblock the reader
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	sub := api.WSMessage{
		Type:    api.WSTypeSubscribe,
		ID:      "watch",
		Payload: api.WSSubscribePayload{Channels: sessions},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	fmt.Fprintln(out, p.header.Render("watching "+strings.Join(sessions, ", ")))

	for {
		var msg watchMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading events: %w", err)
		}

		switch msg.Type {
		case api.WSTypeEvent:
			var ev api.WSSessionEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				continue
			}
			fmt.Fprintln(out, formatEvent(p, ev))
		case api.WSTypeError:
			fmt.Fprintln(out, p.failure.Render("server: "+string(msg.Payload)))
		}
	}
}

// redact hides the access token in URLs printed in errors.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("access_token") {
		q.Set("access_token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// palette holds the styles for one output mode.
type palette struct {
	header  lipgloss.Style
	time    lipgloss.Style
	session lipgloss.Style
	kinds   map[string]lipgloss.Style
	topic   lipgloss.Style
	detail  lipgloss.Style
	failure lipgloss.Style
}

// newPalette returns colored styles, or unstyled ones when color is false.
func newPalette(color bool) palette {
	plain := lipgloss.NewStyle()
	if !color {
		return palette{
			header: plain, time: plain, session: plain,
			kinds: map[string]lipgloss.Style{},
			topic: plain, detail: plain, failure: plain,
		}
	}

	kind := func(c string) lipgloss.Style {
		return lipgloss.NewStyle().Foreground(lipgloss.Color(c)).Bold(true)
	}
	return palette{
		header:  lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4")).Bold(true),
		time:    lipgloss.NewStyle().Foreground(lipgloss.Color("#6C6C6C")),
		session: lipgloss.NewStyle().Foreground(lipgloss.Color("#00AFFF")),
		kinds: map[string]lipgloss.Style{
			"connect":    kind("#00D75F"),
			"disconnect": kind("#FFAF00"),
			"message":    kind("#5FAFFF"),
			"error":      kind("#FF5F5F"),
		},
		topic:   lipgloss.NewStyle().Underline(true),
		detail:  lipgloss.NewStyle().Italic(true),
		failure: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")),
	}
}

// formatEvent renders one event as a single line.
func formatEvent(p palette, ev api.WSSessionEvent) string {
	kindStyle, ok := p.kinds[ev.Kind]
	if !ok {
		kindStyle = lipgloss.NewStyle()
	}

	parts := []string{
		p.time.Render(ev.Time.Local().Format("15:04:05.000")),
		p.session.Render(fmt.Sprintf("%-12s", ev.Session)),
		kindStyle.Render(fmt.Sprintf("%-10s", ev.Kind)),
	}

	switch ev.Kind {
	case "message":
		parts = append(parts, p.topic.Render(ev.Topic), previewPayload(ev))
	case "connect":
		if ev.Reconnected {
			parts = append(parts, p.detail.Render("reconnected"))
		}
	default:
		if ev.Detail != "" {
			parts = append(parts, p.detail.Render(ev.Detail))
		}
	}
	return strings.Join(parts, " ")
}

// previewPayload shows text payloads as text and binary payloads as hex,
// truncated to maxPayloadPreview bytes.
func previewPayload(ev api.WSSessionEvent) string {
	if ev.PayloadText != "" {
		s := ev.PayloadText
		if len(s) > maxPayloadPreview {
			s = s[:maxPayloadPreview] + "…"
		}
		return strconv.Quote(s)
	}
	b := ev.Payload
	suffix := ""
	if len(b) > maxPayloadPreview {
		b, suffix = b[:maxPayloadPreview], "…"
	}
	return "0x" + hex.EncodeToString(b) + suffix
}
