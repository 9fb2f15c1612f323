package session

import (
	"testing"

	"voicechat/client/internal/wire"
)

var _ Observer = NopObserver{}

// TestLegalEdges covers §8's SessionState invariant: only Pending→Auth,
// Auth→Connected, and *→Disconnected transitions succeed.
func TestLegalEdges(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateAuth, true},
		{StateAuth, StateConnected, true},
		{StatePending, StateConnected, false},
		{StateConnected, StateAuth, false},
		{StatePending, StateDisconnected, true},
		{StateAuth, StateDisconnected, true},
		{StateConnected, StateDisconnected, true},
		{StateDisconnected, StateDisconnected, false},
		{StateDisconnected, StateAuth, false},
	}
	for _, c := range cases {
		if got := legalEdge(c.from, c.to); got != c.want {
			t.Errorf("legalEdge(%v, %v) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

// TestSessionTransitionToIsLinearized exercises the CAS guard directly: a
// transition that isn't legal from the current state must fail, and a
// legal one must always succeed exactly once.
func TestSessionTransitionToIsLinearized(t *testing.T) {
	s := &Session{}
	s.state.Store(uint32(StatePending))

	if s.transitionTo(StateConnected) {
		t.Fatalf("Pending -> Connected should be illegal")
	}
	if !s.transitionTo(StateAuth) {
		t.Fatalf("Pending -> Auth should succeed")
	}
	if !s.transitionTo(StateConnected) {
		t.Fatalf("Auth -> Connected should succeed")
	}
	if s.transitionTo(StateAuth) {
		t.Fatalf("Connected -> Auth should be illegal")
	}
}

func TestAuthErrorMessages(t *testing.T) {
	cases := []struct {
		reason wire.FailureReason
		want   string
	}{
		{wire.FailureReason{Tag: wire.FailureInvalid, InvalidReason: "bad proofs"}, "session: auth rejected: bad proofs"},
		{wire.FailureReason{Tag: wire.FailureOutOfDate, ServerVersion: 1}, "session: protocol out of date, server wants version 1"},
		{wire.FailureReason{Tag: wire.FailureReqSec, MinLevel: 12}, "session: security level too low, server requires 12"},
		{wire.FailureReason{Tag: wire.FailureAlreadyOnline}, "session: already online"},
	}
	for _, c := range cases {
		err := &AuthError{Reason: c.reason}
		if got := err.Error(); got != c.want {
			t.Errorf("Error() = %q, want %q", got, c.want)
		}
	}
}
