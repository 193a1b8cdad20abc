package utils

import (
	"github.com/pion/webrtc/v4"
)

// ConnectionState is the peer link state. Disconnected is transient and may
// recover; Closed is explicit teardown.
type ConnectionState int

const (
	ConnectionStateNew ConnectionState = iota
	ConnectionStateNegotiating
	ConnectionStateConnected
	ConnectionStateDisconnected
	ConnectionStateClosed
)

// IsTerminalState returns true if the link cannot leave the state
func (s ConnectionState) IsTerminalState() bool {
	return s == ConnectionStateClosed
}

// CanTransition reports whether the link may move from s to next.
func (s ConnectionState) CanTransition(next ConnectionState) bool {
	if s == next || s.IsTerminalState() {
		return false
	}

	switch next {
	case ConnectionStateNew:
		return false
	case ConnectionStateNegotiating:
		return s == ConnectionStateNew || s == ConnectionStateDisconnected || s == ConnectionStateConnected
	case ConnectionStateConnected:
		return s == ConnectionStateNegotiating || s == ConnectionStateDisconnected
	case ConnectionStateDisconnected:
		return s == ConnectionStateConnected || s == ConnectionStateNegotiating
	case ConnectionStateClosed:
		return true
	}

	return false
}

// NormalizePeerConnectionState maps pion's aggregate state. Failed is
// reported as disconnected since an ICE restart can still recover it within
// the grace period.
func NormalizePeerConnectionState(state webrtc.PeerConnectionState) ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return ConnectionStateNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionStateNegotiating
	case webrtc.PeerConnectionStateConnected:
		return ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		return ConnectionStateDisconnected
	case webrtc.PeerConnectionStateClosed:
		return ConnectionStateClosed
	default:
		return ConnectionStateNew
	}
}

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateNegotiating:
		return "negotiating"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
