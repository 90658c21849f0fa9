package eventbus

// Event types.
const (
	SessionAccepted = "session.accepted"
	SessionActive   = "session.active"
	SessionRejected = "session.rejected"
	SessionClosed   = "session.closed"
	TelemetryTick   = "telemetry.tick"
)

// SessionData is the payload of every session.* event.
type SessionData struct {
	SessionID uint64
	Slot      int
	Peer      string
	Subject   string
	Reason    string
}

// TickData is the payload of telemetry.tick.
type TickData struct {
	Seq             uint64
	CentrifugeSpeed float64
	PowerOutput     float64
	Delivered       int
	Failed          int
}
