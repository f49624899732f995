package gateway

import (
	"encoding/json"
	"time"
)

// Event names on the wire.
const (
	EventOrderUpdated     = "order:updated"
	EventNotificationNew  = "notification:new"
	EventBookingConfirmed = "booking:confirmed"
	EventStockAlert       = "stock:alert"

	EventPing = "ping"
	EventPong = "pong"
)

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is one of the server-originated event kinds. The set is closed: only this package implements it.
type Event interface {
	// Name is the wire event name.
	Name() string
	isEvent()
}

// OrderUpdatedEvent tells an identity that one of its orders changed status.
type OrderUpdatedEvent struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
	Ts      string `json:"ts"`
}

func (OrderUpdatedEvent) Name() string { return EventOrderUpdated }
func (OrderUpdatedEvent) isEvent()     {}

// NotificationEvent delivers a new notification to an identity.
type NotificationEvent struct {
	NotificationID string `json:"notificationId"`
	Body           string `json:"body"`
	Ts             string `json:"ts"`
}

func (NotificationEvent) Name() string { return EventNotificationNew }
func (NotificationEvent) isEvent()     {}

// BookingConfirmedEvent confirms an appointment to the identity that booked it.
type BookingConfirmedEvent struct {
	AppointmentID string `json:"appointmentId"`
	Code          string `json:"code"`
	Ts            string `json:"ts"`
}

func (BookingConfirmedEvent) Name() string { return EventBookingConfirmed }
func (BookingConfirmedEvent) isEvent()     {}

// StockAlertEvent reports a part whose quantity fell to or below its minimum.
type StockAlertEvent struct {
	PartName string `json:"partName"`
	Quantity int    `json:"quantity"`
	Minimum  int    `json:"minimum"`
	Ts       string `json:"ts"`
}

func (StockAlertEvent) Name() string { return EventStockAlert }
func (StockAlertEvent) isEvent()     {}

// KnownEvent reports whether name is in the event catalog.
func KnownEvent(name string) bool {
	switch name {
	case EventOrderUpdated, EventNotificationNew, EventBookingConfirmed, EventStockAlert:
		return true
	}
	return false
}

// Timestamp formats t as the RFC 3339 UTC string carried in the ts field.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func encodeFrame(event string, payload any) ([]byte, error) {
	env := struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{Event: event, Data: payload}
	return json.Marshal(env)
}

// Group names.
const (
	identityGroupPrefix = "identity:"
	roleGroupPrefix     = "role:"
	// BroadcastGroup holds every connection.
	BroadcastGroup = "broadcast"
)

// IdentityGroup returns the group holding every connection of identityID.
func IdentityGroup(identityID string) string { return identityGroupPrefix + identityID }

// RoleGroup returns the group holding every connection of roleID.
func RoleGroup(roleID string) string { return roleGroupPrefix + roleID }

// TargetKind selects how a Target resolves to a group.
type TargetKind string

const (
	TargetIdentity  TargetKind = "identity"
	TargetRole      TargetKind = "role"
	TargetBroadcast TargetKind = "broadcast"
)

// Target addresses a group of connections.
type Target struct {
	Kind TargetKind
	ID   string
}

// ToIdentity targets every connection of one identity.
func ToIdentity(identityID string) Target { return Target{Kind: TargetIdentity, ID: identityID} }

// ToRole targets every connection of one role.
func ToRole(roleID string) Target { return Target{Kind: TargetRole, ID: roleID} }

// ToEveryone targets every connection.
func ToEveryone() Target { return Target{Kind: TargetBroadcast} }

// Group returns the group name for t, or "" if t is not addressable.
func (t Target) Group() string {
	switch t.Kind {
	case TargetIdentity:
		if t.ID != "" {
			return IdentityGroup(t.ID)
		}
	case TargetRole:
		if t.ID != "" {
			return RoleGroup(t.ID)
		}
	case TargetBroadcast:
		return BroadcastGroup
	}
	return ""
}
