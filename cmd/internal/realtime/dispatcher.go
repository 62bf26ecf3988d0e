package realtime

import (
	"errors"
	"log/slog"

	"huddle/cmd/internal/telemetry"
	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// Exclude selects connections a broadcast must skip.
// Conn skips a single connection; UserID skips every connection of that identity.
type Exclude struct {
	Conn   *Client
	UserID string
}

func (e Exclude) matches(c *Client) bool {
	if e.Conn != nil && e.Conn == c {
		return true
	}
	return e.UserID != "" && e.UserID == c.UserID
}

// BroadcastResult counts what a broadcast attempted.
type BroadcastResult struct {
	Attempted int
	Delivered int
	Failed    int
}

// Dispatcher fans envelopes out to the connections held by a Registry.
type Dispatcher struct {
	log     *slog.Logger
	reg     *Registry
	metrics *telemetry.Metrics
}

// NewDispatcher constructs a Dispatcher over reg.
func NewDispatcher(log *slog.Logger, reg *Registry, metrics *telemetry.Metrics) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{log: log, reg: reg, metrics: metrics}
}

// Broadcast delivers env to every live connection in roomID except the excluded ones.
//
// Iterates a snapshot. Delivery is a non-blocking enqueue; a connection that cannot
// take the envelope is evicted and the fan-out continues with the next peer.
func (d *Dispatcher) Broadcast(roomID string, env v1.Envelope, ex Exclude) BroadcastResult {
	return d.deliver(roomID, d.reg.ConnectionsInRoom(roomID), env, ex)
}

// NotifyIdentity delivers env to every connection held by userID, across rooms.
func (d *Dispatcher) NotifyIdentity(userID string, env v1.Envelope) BroadcastResult {
	return d.deliver("", d.reg.ConnectionsForIdentity(userID), env, Exclude{})
}

// NotifyIdentityInRoom delivers env to userID's connections bound to roomID.
func (d *Dispatcher) NotifyIdentityInRoom(roomID, userID string, env v1.Envelope) BroadcastResult {
	return d.deliver(roomID, d.reg.ConnectionsForIdentityInRoom(roomID, userID), env, Exclude{})
}

func (d *Dispatcher) deliver(roomID string, targets []*Client, env v1.Envelope, ex Exclude) BroadcastResult {
	var res BroadcastResult
	for _, c := range targets {
		if ex.matches(c) {
			d.metrics.Delivery(telemetry.DeliveryExcluded)
			continue
		}
		res.Attempted++

		if err := c.Enqueue(env); err != nil {
			res.Failed++
			d.fail(&DeliveryError{ConnID: c.ID, RoomID: c.RoomID, Err: err}, c)
			continue
		}
		res.Delivered++
		d.metrics.Delivery(telemetry.DeliveryOK)
	}

	if res.Failed > 0 {
		d.log.Info("broadcast.partial", "room_id", roomID, "type", env.Type,
			"attempted", res.Attempted, "delivered", res.Delivered, "failed", res.Failed)
	}
	return res
}

// fail isolates a broken peer: it leaves the registry and its transport is closed.
func (d *Dispatcher) fail(err *DeliveryError, c *Client) {
	d.reg.Unregister(c)

	if errors.Is(err, ErrBackpressure) {
		d.metrics.Delivery(telemetry.DeliveryBackoff)
		d.log.Warn("broadcast.deliver.fail", "err", err, "conn_id", c.ID, "user_id", c.UserID)
		c.Kick(int(websocket.StatusPolicyViolation), "slow consumer")
		return
	}

	d.metrics.Delivery(telemetry.DeliveryClosed)
	d.log.Info("broadcast.deliver.fail", "err", err, "conn_id", c.ID, "user_id", c.UserID)
	c.Close()
}
