package bus

import "time"

// Event kinds published by the realtime core. Namespace prefixes group them
// for subscription filtering.
const (
	KindTransportConnected    = "transport.connected"
	KindTransportDisconnected = "transport.disconnected"
	KindTransportReconnecting = "transport.reconnecting"

	KindMessageApplied    = "message.applied"
	KindMessageDuplicate  = "message.duplicate"
	KindMessageConfirmed  = "message.confirmed"
	KindMessageSendFailed = "message.send_failed"

	KindNotificationCreated = "notification.created"
	KindNotificationRead    = "notification.read"
	KindNotificationRemoved = "notification.removed"
	KindNotificationCleared = "notification.cleared"

	KindSessionStarted = "session.started"
	KindSessionEnded   = "session.ended"

	KindHistoryLoadFailed = "history.load_failed"
)

// Event is a domain event published on the bus for host UI consumption.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
