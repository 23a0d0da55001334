package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSEventHandler receives raw event payloads off the long connection.
type WSEventHandler interface {
	HandleEvent(ctx context.Context, payload []byte) error
}

// WSClient maintains Feishu/Lark's persistent WebSocket event connection,
// reconnecting with backoff on drops. The endpoint URL is short-lived and
// must be re-fetched via the REST API before each (re)connect.
type WSClient struct {
	appID, appSecret, baseURL string
	handler                   WSEventHandler
	client                    *LarkClient

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSClient creates a client for the Feishu event long connection.
func NewWSClient(appID, appSecret, baseURL string, handler WSEventHandler) *WSClient {
	return &WSClient{
		appID:     appID,
		appSecret: appSecret,
		baseURL:   baseURL,
		handler:   handler,
		client:    NewLarkClient(appID, appSecret, baseURL),
	}
}

// Start connects and runs the read loop until ctx is canceled or Stop is
// called, reconnecting automatically on error.
func (w *WSClient) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	defer close(w.done)

	backoff := time.Second
	for {
		select {
		case <-runCtx.Done():
			return nil
		default:
		}

		endpoint, err := w.fetchEndpoint(runCtx)
		if err != nil {
			slog.Warn("feishu ws: fetch endpoint failed, retrying", "error", err, "backoff", backoff)
			if !sleepOrDone(runCtx, backoff) {
				return nil
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		if err := w.runConnection(runCtx, endpoint); err != nil {
			slog.Warn("feishu ws: connection error, reconnecting", "error", err, "backoff", backoff)
			if !sleepOrDone(runCtx, backoff) {
				return nil
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		backoff = time.Second
	}
}

// Stop ends the read loop and closes the connection.
func (w *WSClient) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	conn := w.conn
	done := w.done
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
}

// fetchEndpoint asks the Lark API for a short-lived WebSocket URL.
func (w *WSClient) fetchEndpoint(ctx context.Context) (string, error) {
	resp, err := w.client.doJSON(ctx, "POST", "/callback/ws/endpoint", map[string]string{
		"AppID":     w.appID,
		"AppSecret": w.appSecret,
	})
	if err != nil {
		return "", fmt.Errorf("fetch ws endpoint: %w", err)
	}
	if resp.Code != 0 {
		return "", fmt.Errorf("fetch ws endpoint: %s (code %d)", resp.Msg, resp.Code)
	}

	var data struct {
		URL string `json:"URL"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil || data.URL == "" {
		return "", fmt.Errorf("fetch ws endpoint: malformed response")
	}
	return data.URL, nil
}

func (w *WSClient) runConnection(ctx context.Context, endpoint string) error {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial feishu ws: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	slog.Info("feishu ws connected")

	defer func() {
		_ = conn.Close()
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		if err := w.handler.HandleEvent(ctx, payload); err != nil {
			slog.Debug("feishu ws: handler error", "error", err)
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
