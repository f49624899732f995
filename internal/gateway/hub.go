// Package gateway is the realtime connection gateway: it authenticates WebSocket clients, indexes them
// into identity, role and broadcast groups, and fans server events out to every member of a group.
package gateway

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bizhub/realtime/internal/logging"
	"bizhub/realtime/internal/session"
	"bizhub/realtime/internal/telemetry"
)

// ErrHubClosed is returned by Connect after Close.
var ErrHubClosed = errors.New("gateway: hub closed")

// Defaults for Options fields left zero.
const (
	DefaultSendBuffer   = 64
	DefaultWriteTimeout = 10 * time.Second
	DefaultMaxStrikes   = 3
	DefaultPongWait     = 60 * time.Second
)

// Authenticator verifies a handshake. *session.Authenticator satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, hs session.Handshake) (*session.Identity, error)
}

// Options tunes a Hub.
type Options struct {
	// SendBuffer is the per-connection queue length.
	SendBuffer int
	// WriteTimeout bounds every socket write.
	WriteTimeout time.Duration
	// MaxStrikes is how many consecutive dropped frames evict a connection.
	MaxStrikes int
	// PongWait is how long the reader waits for any frame; pings go out at 9/10 of it.
	// Negative disables heartbeats.
	PongWait time.Duration
	Logger   *zap.Logger
	Emitter  telemetry.EventEmitter
	Now      func() time.Time
}

func (o *Options) withDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.MaxStrikes <= 0 {
		o.MaxStrikes = DefaultMaxStrikes
	}
	if o.PongWait == 0 {
		o.PongWait = DefaultPongWait
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func (o Options) pingPeriod() time.Duration {
	if o.PongWait <= 0 {
		return 0
	}
	return o.PongWait * 9 / 10
}

// Hub owns every live connection and the group index. One RWMutex guards both; emits snapshot a group
// under the read lock and never touch a socket while holding it.
type Hub struct {
	auth    Authenticator
	opts    Options
	log     *zap.Logger
	metrics *hubMetrics

	mu     sync.RWMutex
	conns  map[string]*Conn
	groups map[string]map[string]*Conn
	closed bool
}

// NewHub returns a Hub that admits connections through auth.
func NewHub(auth Authenticator, opts Options) *Hub {
	opts.withDefaults()
	return &Hub{
		auth:    auth,
		opts:    opts,
		log:     logging.OrNop(opts.Logger).Named("gateway"),
		metrics: newHubMetrics(),
		conns:   make(map[string]*Conn),
		groups:  make(map[string]map[string]*Conn),
	}
}

// PongWait returns the read deadline the transport should apply.
func (h *Hub) PongWait() time.Duration { return h.opts.PongWait }

// Connect authenticates hs and, on success, joins the new connection to its identity, role and broadcast
// groups and starts its writer. On failure the returned error is the *session.RejectionError and no
// group state is touched; the caller owns closing sock.
func (h *Hub) Connect(ctx context.Context, hs session.Handshake, sock Socket) (*Conn, error) {
	id, err := h.auth.Authenticate(ctx, hs)
	if err != nil {
		reason := err.Error()
		var rej *session.RejectionError
		if errors.As(err, &rej) {
			reason = rej.Reason
		}
		h.log.Info("handshake rejected", zap.String("reason", reason))
		h.metrics.handshakeRejected(reason)
		telemetry.EmitAsync(h.opts.Emitter, ctx, &telemetry.Record{Kind: telemetry.KindHandshakeRejected, Reason: reason})
		return nil, err
	}

	c := newConn(uuid.NewString(), id.IdentityID, id.RoleID, sock, h.opts.SendBuffer, h.opts.Now())
	groups := []string{IdentityGroup(id.IdentityID), RoleGroup(id.RoleID), BroadcastGroup}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.conns[c.id] = c
	for _, g := range groups {
		members, ok := h.groups[g]
		if !ok {
			members = make(map[string]*Conn)
			h.groups[g] = members
		}
		members[c.id] = c
	}
	c.setState(StateJoined)
	h.mu.Unlock()

	go c.writeLoop(h.opts.WriteTimeout, h.opts.pingPeriod(), func(err error) {
		h.drop(c, "write failed", err)
	})
	c.state.CompareAndSwap(int32(StateJoined), int32(StateActive))

	h.metrics.connOpened()
	h.log.Info("connection opened",
		zap.String("conn_id", c.id),
		zap.String("identity_id", c.identityID),
		zap.String("role_id", c.roleID),
		zap.String("token_source", string(id.Source)),
	)
	telemetry.EmitAsync(h.opts.Emitter, ctx, &telemetry.Record{
		Kind:       telemetry.KindConnectionOpened,
		ConnID:     c.id,
		IdentityID: c.identityID,
		RoleID:     c.roleID,
	})
	return c, nil
}

// Disconnect removes the connection from every group, deletes groups left empty, stops its writer and
// closes the socket. Unknown or already-disconnected ids are a no-op.
func (h *Hub) Disconnect(connID string) {
	h.mu.RLock()
	c := h.conns[connID]
	h.mu.RUnlock()
	if c != nil {
		h.drop(c, "disconnect", nil)
	}
}

// drop is the single teardown path. Only the first call for a connection has any effect.
func (h *Hub) drop(c *Conn, reason string, cause error) {
	h.mu.Lock()
	removed := h.unindex(c)
	h.mu.Unlock()

	if !removed {
		return
	}
	c.shutdown(closeFrame(reason), closeGrace)
	h.metrics.connClosed()
	fields := []zap.Field{
		zap.String("conn_id", c.id),
		zap.String("identity_id", c.identityID),
		zap.String("reason", reason),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	h.log.Info("connection closed", fields...)
	telemetry.EmitAsync(h.opts.Emitter, context.Background(), &telemetry.Record{
		Kind:       telemetry.KindConnectionClosed,
		ConnID:     c.id,
		IdentityID: c.identityID,
		RoleID:     c.roleID,
		Reason:     reason,
	})
}

// closeFrame is the close message sent when the server ends a connection for reason. Only shutdown
// sends one; a slow consumer's writer may be stuck, so it is closed without a handshake.
func closeFrame(reason string) []byte {
	if reason == "shutdown" {
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	}
	return nil
}

// unindex must be called with h.mu held.
func (h *Hub) unindex(c *Conn) bool {
	if cur, ok := h.conns[c.id]; !ok || cur != c {
		return false
	}
	delete(h.conns, c.id)
	for _, g := range []string{IdentityGroup(c.identityID), RoleGroup(c.roleID), BroadcastGroup} {
		members := h.groups[g]
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.groups, g)
		}
	}
	return true
}

// EmitToIdentity sends event to every connection of identityID. It returns how many connections
// accepted the frame; an absent group is a silent no-op.
func (h *Hub) EmitToIdentity(identityID, event string, payload any) int {
	return h.emitToGroup(IdentityGroup(identityID), event, payload)
}

// EmitToRole sends event to every connection of roleID.
func (h *Hub) EmitToRole(roleID, event string, payload any) int {
	return h.emitToGroup(RoleGroup(roleID), event, payload)
}

// Broadcast sends event to every connection.
func (h *Hub) Broadcast(event string, payload any) int {
	return h.emitToGroup(BroadcastGroup, event, payload)
}

// Emit sends a catalog event to target.
func (h *Hub) Emit(target Target, ev Event) int {
	group := target.Group()
	if group == "" || ev == nil {
		h.log.Warn("emit skipped: unaddressable target", zap.String("target", string(target.Kind)))
		return 0
	}
	return h.emitToGroup(group, ev.Name(), ev)
}

// OrderUpdated notifies identityID that orderID moved to status.
func (h *Hub) OrderUpdated(identityID, orderID, status string) int {
	return h.Emit(ToIdentity(identityID), OrderUpdatedEvent{OrderID: orderID, Status: status, Ts: Timestamp(h.opts.Now())})
}

// NotificationNew delivers a notification to identityID.
func (h *Hub) NotificationNew(identityID, notificationID, body string) int {
	return h.Emit(ToIdentity(identityID), NotificationEvent{NotificationID: notificationID, Body: body, Ts: Timestamp(h.opts.Now())})
}

// BookingConfirmed confirms appointmentID to identityID.
func (h *Hub) BookingConfirmed(identityID, appointmentID, code string) int {
	return h.Emit(ToIdentity(identityID), BookingConfirmedEvent{AppointmentID: appointmentID, Code: code, Ts: Timestamp(h.opts.Now())})
}

// StockAlert warns roleID that partName is at or below its minimum.
func (h *Hub) StockAlert(roleID, partName string, quantity, minimum int) int {
	return h.Emit(ToRole(roleID), StockAlertEvent{PartName: partName, Quantity: quantity, Minimum: minimum, Ts: Timestamp(h.opts.Now())})
}

func (h *Hub) emitToGroup(group, event string, payload any) int {
	h.mu.RLock()
	members := make([]*Conn, 0, len(h.groups[group]))
	for _, c := range h.groups[group] {
		members = append(members, c)
	}
	h.mu.RUnlock()
	if len(members) == 0 {
		return 0
	}

	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.log.Error("emit skipped: encode failed", zap.String("event", event), zap.String("group", group), zap.Error(err))
		return 0
	}
	delivered := 0
	for _, c := range members {
		if h.deliver(c, event, frame) {
			delivered++
		}
	}
	h.log.Debug("event emitted", zap.String("event", event), zap.String("group", group), zap.Int("delivered", delivered))
	return delivered
}

func (h *Hub) deliver(c *Conn, event string, frame []byte) bool {
	if c.enqueue(frame) {
		c.clearStrikes()
		h.metrics.frameQueued(event)
		return true
	}
	if c.State() == StateDisconnected {
		return false
	}
	n := c.strike()
	h.metrics.frameDropped(event)
	h.log.Warn("frame dropped: send queue full",
		zap.String("conn_id", c.id),
		zap.String("identity_id", c.identityID),
		zap.String("event", event),
		zap.Int("strikes", n),
	)
	telemetry.EmitAsync(h.opts.Emitter, context.Background(), &telemetry.Record{
		Kind:       telemetry.KindFrameDropped,
		ConnID:     c.id,
		IdentityID: c.identityID,
		RoleID:     c.roleID,
		Event:      event,
	})
	if n >= h.opts.MaxStrikes {
		h.metrics.consumerEvicted()
		telemetry.EmitAsync(h.opts.Emitter, context.Background(), &telemetry.Record{
			Kind:       telemetry.KindConsumerEvicted,
			ConnID:     c.id,
			IdentityID: c.identityID,
			RoleID:     c.roleID,
		})
		h.drop(c, "slow consumer", nil)
	}
	return false
}

// reply queues a frame for c alone, outside any group. Used for pong.
func (h *Hub) reply(c *Conn, event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return
	}
	if !c.enqueue(frame) {
		h.log.Debug("reply dropped: send queue full", zap.String("conn_id", c.id), zap.String("event", event))
	}
}

// Groups returns the sorted group names connID belongs to, or nil if it is not connected.
func (h *Hub) Groups(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.conns[connID]; !ok {
		return nil
	}
	var out []string
	for name, members := range h.groups {
		if _, ok := members[connID]; ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Members returns the sorted connection ids in group.
func (h *Hub) Members(group string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.groups[group]))
	for id := range h.groups[group] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every connection with a going-away close frame and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.drop(c, "shutdown", nil)
		}()
	}
	wg.Wait()
}
