package locfeed

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"QuickCashEngine/internal/models"

	"github.com/gorilla/websocket"
)

// Client is one websocket session with the geolocation provider.
type Client struct {
	Endpoint string
	Conn     *websocket.Conn
}

func NewClient(endpoint string) *Client {
	return &Client{Endpoint: endpoint}
}

func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.Endpoint, nil)
	if err != nil {
		return err
	}
	c.Conn = conn
	return nil
}

func (c *Client) Close() {
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

func (c *Client) Subscribe(channel string) error {
	return c.Conn.WriteJSON(map[string]any{
		"action":  "subscribe",
		"channel": channel,
	})
}

func (c *Client) Read() ([]byte, error) {
	_, msg, err := c.Conn.ReadMessage()
	return msg, err
}

type sample struct {
	Type          string  `json:"type"`
	ParticipantID string  `json:"participantId"`
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	Timestamp     string  `json:"ts"`
	Error         *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ParseSample decodes one feed frame. ok is false for frames that carry no
// location (acks, heartbeats).
func ParseSample(msg []byte) (models.LocationUpdate, bool, error) {
	var s sample
	if err := json.Unmarshal(msg, &s); err != nil {
		return models.LocationUpdate{}, false, err
	}
	if s.Error != nil {
		return models.LocationUpdate{}, false, errors.New(s.Error.Message)
	}
	if s.Type != "" && s.Type != "location" {
		return models.LocationUpdate{}, false, nil
	}
	if strings.TrimSpace(s.ParticipantID) == "" {
		return models.LocationUpdate{}, false, nil
	}

	at := time.Now().UTC()
	if s.Timestamp != "" {
		t, err := time.Parse(time.RFC3339Nano, s.Timestamp)
		if err != nil {
			return models.LocationUpdate{}, false, err
		}
		at = t.UTC()
	}
	return models.LocationUpdate{
		ParticipantID: s.ParticipantID,
		Location:      models.Location{Lat: s.Lat, Lon: s.Lon, At: at},
	}, true, nil
}

// WSEndpoint turns an http(s) base URL into the provider's websocket URL.
func WSEndpoint(base string) string {
	if strings.HasPrefix(base, "ws://") || strings.HasPrefix(base, "wss://") {
		if strings.HasSuffix(base, "/stream") {
			return base
		}
		return strings.TrimRight(base, "/") + "/stream"
	}
	if strings.HasPrefix(base, "https://") {
		return "wss://" + strings.TrimPrefix(strings.TrimRight(base, "/"), "https://") + "/stream"
	}
	if strings.HasPrefix(base, "http://") {
		return "ws://" + strings.TrimPrefix(strings.TrimRight(base, "/"), "http://") + "/stream"
	}
	return ""
}
