// eventsclient connects to the event stream and prints every frame it receives. It checks the
// session with GET /auth/whoami first, so an expired access token is refreshed before the
// WebSocket handshake.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"bizhub/realtime/internal/authclient"
	"bizhub/realtime/internal/gateway"
	identityhandler "bizhub/realtime/internal/identity/handler"
	"bizhub/realtime/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var apiURL, eventsPath, access, refresh, logLevel string
	var pingEvery time.Duration
	flagSet := pflag.NewFlagSet("eventsclient", pflag.ContinueOnError)
	flagSet.StringVar(&apiURL, "api", "http://localhost:8080", "server base URL")
	flagSet.StringVar(&eventsPath, "events-path", "/events", "event stream path")
	flagSet.StringVar(&access, "access-token", os.Getenv("ACCESS_TOKEN"), "access token (default $ACCESS_TOKEN)")
	flagSet.StringVar(&refresh, "refresh-token", os.Getenv("REFRESH_TOKEN"), "refresh token (default $REFRESH_TOKEN)")
	flagSet.DurationVar(&pingEvery, "ping", 30*time.Second, "application ping interval (0 disables)")
	flagSet.StringVar(&logLevel, "log-level", "warn", "log level")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger, err := logging.New("development", logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiURL = strings.TrimRight(apiURL, "/")
	store := authclient.NewMemoryStore(authclient.Credentials{AccessToken: access, RefreshToken: refresh})
	client := authclient.NewClient(store, apiURL+"/auth/refresh", func(cause error) {
		logger.Warn("session ended, sign in again", zap.Error(cause))
	}, logger)

	who, err := whoAmI(ctx, client, apiURL)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "signed in as %s (%s)\n", who.IdentityID, who.RoleID)

	wsURL := "ws" + strings.TrimPrefix(apiURL, "http") + eventsPath
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{gateway.Subprotocol, gateway.TokenProtocolPrefix + store.Load(ctx).AccessToken},
	}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer ws.Close()

	go func() {
		<-ctx.Done()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = ws.Close()
	}()
	if pingEvery > 0 {
		go func() {
			t := time.NewTicker(pingEvery)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					if err := ws.WriteJSON(gateway.Envelope{Event: gateway.EventPing}); err != nil {
						return
					}
				}
			}
		}()
	}

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				fmt.Fprintf(os.Stderr, "closed: %d %s\n", ce.Code, ce.Text)
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Println(string(msg))
	}
}

func whoAmI(ctx context.Context, client *http.Client, apiURL string) (*identityhandler.WhoAmIResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/auth/whoami", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return nil, fmt.Errorf("whoami: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	var out identityhandler.WhoAmIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("whoami: %w", err)
	}
	return &out, nil
}
