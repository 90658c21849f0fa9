package app

// StopReason is logged when the app stops.
type StopReason string

const (
	StopUnknown      StopReason = "unknown"
	StopSignal       StopReason = "signal"
	StopFatalError   StopReason = "fatal_error"
	StopSessionEnded StopReason = "session_ended"
	StopSessionLost  StopReason = "session_lost"
)
