package locfeed

import (
	"context"
	"time"

	"QuickCashEngine/internal/models"

	"go.uber.org/zap"
)

// Feed keeps a websocket subscription open and forwards samples to Out,
// reconnecting after any failure.
type Feed struct {
	Endpoint       string
	Channel        string
	Out            chan<- models.LocationUpdate
	Log            *zap.SugaredLogger
	ReconnectDelay time.Duration
}

func (f *Feed) Run(ctx context.Context) {
	if f.Endpoint == "" {
		f.Log.Infow("location feed disabled: ws_endpoint is empty")
		return
	}
	delay := f.ReconnectDelay
	if delay <= 0 {
		delay = 3 * time.Second
	}
	channel := f.Channel
	if channel == "" {
		channel = "locations"
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		client := NewClient(f.Endpoint)
		if err := client.Connect(ctx); err != nil {
			f.Log.Warnw("feed connect failed", "endpoint", f.Endpoint, "err", err)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		f.Log.Infow("feed connected", "endpoint", f.Endpoint)

		if err := client.Subscribe(channel); err != nil {
			f.Log.Warnw("feed subscribe failed", "err", err)
			client.Close()
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		f.pump(ctx, client)
		client.Close()
		if !sleep(ctx, delay) {
			return
		}
	}
}

func (f *Feed) pump(ctx context.Context, client *Client) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	for {
		msg, err := client.Read()
		if err != nil {
			if ctx.Err() == nil {
				f.Log.Warnw("feed read failed", "err", err)
			}
			return
		}
		u, ok, err := ParseSample(msg)
		if err != nil {
			f.Log.Debugw("feed parse failed", "err", err)
			continue
		}
		if !ok {
			continue
		}
		select {
		case f.Out <- u:
		case <-ctx.Done():
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
