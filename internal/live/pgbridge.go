package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agentflow/backend/internal/logging"
	"agentflow/backend/pkg/models"
)

// DefaultChannel is the Postgres NOTIFY channel used by the bridge.
const DefaultChannel = "agentflow_live"

// maxPayload stays below the 8000 byte NOTIFY limit.
const maxPayload = 7900

// PGBridge relays live events between service instances over Postgres
// LISTEN/NOTIFY so a subscriber connected to any instance sees every run.
type PGBridge struct {
	pool    *pgxpool.Pool
	hub     *Hub
	channel string
	logger  *logging.Logger
}

// NewPGBridge creates a bridge for hub and registers it as the hub's forwarder.
func NewPGBridge(pool *pgxpool.Pool, hub *Hub, logger *logging.Logger) *PGBridge {
	if logger == nil {
		logger = logging.Nop()
	}
	b := &PGBridge{pool: pool, hub: hub, channel: DefaultChannel, logger: logger}
	hub.SetForwarder(b)
	return b
}

// Forward publishes ev with pg_notify.
func (b *PGBridge) Forward(ctx context.Context, ev models.Event) error {
	payload, err := encodePayload(ev)
	if err != nil {
		return err
	}
	_, err = b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", b.channel, payload)
	return err
}

// Run listens for notifications until ctx is done, reconnecting on failure.
func (b *PGBridge) Run(ctx context.Context) error {
	for {
		err := b.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		b.logger.Warn("live bridge listener stopped; reconnecting", "error", err.Error())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func (b *PGBridge) listen(ctx context.Context) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	b.logger.Info("live bridge listening", "channel", b.channel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		b.handle(n.Payload)
	}
}

func (b *PGBridge) handle(payload string) {
	var ev models.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		b.logger.Warn("live bridge dropped malformed payload", "error", err.Error())
		return
	}
	if ev.Origin == b.hub.Origin() {
		return
	}
	b.hub.Deliver(ev)
}

var errPayloadTooLarge = errors.New("live event too large to forward")

// encodePayload serializes ev, dropping step and run payload data when the
// event would not fit in a notification.
func encodePayload(ev models.Event) (string, error) {
	ev.Steps = nil
	data, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	if len(data) <= maxPayload {
		return string(data), nil
	}

	if ev.Step != nil {
		s := *ev.Step
		s.Input, s.Output = nil, nil
		ev.Step = &s
	}
	if ev.Run != nil {
		r := *ev.Run
		r.Input, r.Output = nil, nil
		ev.Run = &r
	}
	if data, err = json.Marshal(ev); err != nil {
		return "", err
	}
	if len(data) > maxPayload {
		return "", errPayloadTooLarge
	}
	return string(data), nil
}
