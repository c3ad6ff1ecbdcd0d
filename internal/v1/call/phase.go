package call

// Phase is the authoritative state of the call state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAcquiringMedia
	PhaseNegotiating
	PhaseActive
	PhaseEnding
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAcquiringMedia:
		return "acquiring_media"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseActive:
		return "active"
	case PhaseEnding:
		return "ending"
	default:
		return "unknown"
	}
}

// Direction tells who placed the call.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Cause is why a call left the non-idle phases.
type Cause int

const (
	CauseLocalHangup Cause = iota
	CauseRemoteHangup
	CauseConnectionLost
	CauseMediaFailed
	CauseDeclined
	CauseLeftRoom
	CauseNegotiationFailed
)

func (c Cause) String() string {
	switch c {
	case CauseLocalHangup:
		return "local_hangup"
	case CauseRemoteHangup:
		return "remote_hangup"
	case CauseConnectionLost:
		return "connection_lost"
	case CauseMediaFailed:
		return "media_failed"
	case CauseDeclined:
		return "declined"
	case CauseLeftRoom:
		return "left_room"
	case CauseNegotiationFailed:
		return "negotiation_failed"
	default:
		return "unknown"
	}
}
