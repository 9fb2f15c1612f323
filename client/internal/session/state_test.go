package session

import (
	"testing"

	"voicechat/client/internal/wire"
)

func id16(b byte) [16]byte {
	var id [16]byte
	id[15] = b
	return id
}

func id32(b byte) [32]byte {
	var id [32]byte
	id[31] = b
	return id
}

// recorder is a test Observer that records every callback it receives.
type recorder struct {
	NopObserver
	added      []wire.UserProfile
	removed    [][32]byte
	connected  []wire.UserProfile
	disconnect []disconnectEvent
}

type disconnectEvent struct {
	userID [32]byte
}

func (r *recorder) ChannelMemberAdded(_ [16]byte, p wire.UserProfile) { r.added = append(r.added, p) }
func (r *recorder) ChannelMemberRemoved(_ [16]byte, id [32]byte)      { r.removed = append(r.removed, id) }
func (r *recorder) PeerConnected(p wire.UserProfile)                  { r.connected = append(r.connected, p) }
func (r *recorder) PeerDisconnected(id [32]byte) {
	r.disconnect = append(r.disconnect, disconnectEvent{userID: id})
}

// TestApplySnapshotSeedsRoster exercises scenario 3 from §8: B's snapshot
// already lists A in the default channel, with only A's UserId (no full
// profile) — applySnapshot must synthesize a minimal profile for A so the
// roster is immediately queryable.
func TestApplySnapshotSeedsRoster(t *testing.T) {
	self := id32(0x02) // B
	peerA := id32(0x01)
	defaultCh := id16(0x00)

	st := newLocalState(self)
	st.applySnapshot(wire.AuthSuccess{
		DefaultChannel: defaultCh,
		ChannelsSnapshot: []wire.ChannelInfo{
			{ChannelID: defaultCh, Name: "default", Members: [][32]byte{peerA}},
		},
	}, wire.UserProfile{UserID: self, DisplayName: "B", ChannelID: defaultCh})

	ch, ok := st.Channel(defaultCh)
	if !ok {
		t.Fatalf("default channel missing after snapshot")
	}
	if len(ch.Members) != 1 || ch.Members[0] != peerA {
		t.Fatalf("expected peer A in roster, got %v", ch.Members)
	}
	users := st.Users()
	if len(users) != 2 {
		t.Fatalf("expected self + peer A in user index, got %d", len(users))
	}
}

// TestClientConnectedDelta exercises scenario 3's second half: A observes
// exactly one ClientConnected delta after B's success, and the roster grows
// by one.
func TestClientConnectedDelta(t *testing.T) {
	self := id32(0x01) // A
	defaultCh := id16(0x00)
	peerB := id32(0x02)

	st := newLocalState(self)
	st.applySnapshot(wire.AuthSuccess{
		DefaultChannel:   defaultCh,
		ChannelsSnapshot: []wire.ChannelInfo{{ChannelID: defaultCh, Name: "default"}},
	}, wire.UserProfile{UserID: self, DisplayName: "A", ChannelID: defaultCh})

	rec := &recorder{}
	st.applyClientConnected(wire.UserProfile{UserID: peerB, DisplayName: "B", ChannelID: defaultCh}, rec)

	if len(rec.connected) != 1 {
		t.Fatalf("expected exactly one PeerConnected callback, got %d", len(rec.connected))
	}
	ch, _ := st.Channel(defaultCh)
	if len(ch.Members) != 1 || ch.Members[0] != peerB {
		t.Fatalf("expected B in default channel roster, got %v", ch.Members)
	}
}

// TestChannelSwitchDelta exercises scenario 4: a SubUpdate::Remove from the
// old channel followed by a SubUpdate::Add to the new one moves the member
// between rosters and fires both callbacks in order.
func TestChannelSwitchDelta(t *testing.T) {
	self := id32(0x03)
	defaultCh := id16(0x00)
	chX := id16(0x01)
	mover := id32(0x02)

	st := newLocalState(self)
	st.applySnapshot(wire.AuthSuccess{
		DefaultChannel: defaultCh,
		ChannelsSnapshot: []wire.ChannelInfo{
			{ChannelID: defaultCh, Members: [][32]byte{mover}},
			{ChannelID: chX, Slots: 2},
		},
	}, wire.UserProfile{UserID: self, ChannelID: defaultCh})

	rec := &recorder{}
	st.applyChannelUpdate(wire.ChannelUpdateMsg{
		Tag:                wire.ChannelUpdateSubUpdate,
		SubUpdateChannelID: defaultCh,
		SubUpdate:          wire.ChannelSubUpdate{Tag: wire.ChannelSubUpdateClientRemove, ClientRemove: mover},
	}, rec)
	st.applyChannelUpdate(wire.ChannelUpdateMsg{
		Tag:                wire.ChannelUpdateSubUpdate,
		SubUpdateChannelID: chX,
		SubUpdate:          wire.ChannelSubUpdate{Tag: wire.ChannelSubUpdateClientAdd, ClientAdd: wire.UserProfile{UserID: mover, ChannelID: chX}},
	}, rec)

	oldCh, _ := st.Channel(defaultCh)
	newCh, _ := st.Channel(chX)
	if len(oldCh.Members) != 0 {
		t.Fatalf("expected mover removed from default channel, got %v", oldCh.Members)
	}
	if len(newCh.Members) != 1 || newCh.Members[0] != mover {
		t.Fatalf("expected mover added to channel X, got %v", newCh.Members)
	}
	if len(rec.removed) != 1 || len(rec.added) != 1 {
		t.Fatalf("expected one remove and one add callback, got removed=%d added=%d", len(rec.removed), len(rec.added))
	}
}

// TestApplyClientDisconnectedClearsRoster covers the disconnect half of
// scenario 6: the roster no longer contains the departed uuid and exactly
// one PeerDisconnected callback fires.
func TestApplyClientDisconnectedClearsRoster(t *testing.T) {
	self := id32(0x01)
	defaultCh := id16(0x00)
	peer := id32(0x02)

	st := newLocalState(self)
	st.applySnapshot(wire.AuthSuccess{
		DefaultChannel:   defaultCh,
		ChannelsSnapshot: []wire.ChannelInfo{{ChannelID: defaultCh, Members: [][32]byte{peer}}},
	}, wire.UserProfile{UserID: self, ChannelID: defaultCh})
	// Snapshot seeds only a minimal profile; register the full one the way
	// a ClientConnected delta would so the disconnect path can locate it.
	st.mu.Lock()
	st.users[peer] = wire.UserProfile{UserID: peer, ChannelID: defaultCh}
	st.mu.Unlock()

	rec := &recorder{}
	st.applyClientDisconnected(peer, rec)

	ch, _ := st.Channel(defaultCh)
	if len(ch.Members) != 0 {
		t.Fatalf("expected roster empty after disconnect, got %v", ch.Members)
	}
	if len(rec.disconnect) != 1 {
		t.Fatalf("expected exactly one PeerDisconnected callback, got %d", len(rec.disconnect))
	}
	if _, known := func() (wire.UserProfile, bool) {
		st.mu.RLock()
		defer st.mu.RUnlock()
		p, ok := st.users[peer]
		return p, ok
	}(); known {
		t.Fatalf("expected peer removed from user index")
	}
}

// TestApplyGroupsUpdateSelf covers ClientUpdateServerGroups naming this
// session's own user: OwnGroups() must reflect the new set.
func TestApplyGroupsUpdateSelf(t *testing.T) {
	self := id32(0x01)
	st := newLocalState(self)
	st.applySnapshot(wire.AuthSuccess{}, wire.UserProfile{UserID: self})

	g1, g2 := id16(0x01), id16(0x02)
	st.applyGroupsUpdate(wire.ClientGroupsUpdate{UserID: self, Groups: [][16]byte{g1, g2}}, NopObserver{})

	got := st.OwnGroups()
	if len(got) != 2 {
		t.Fatalf("expected 2 own groups, got %d", len(got))
	}
}

// TestAppendMemberIfAbsentDoesNotAliasPriorSnapshot guards against the
// append-in-place bug class: mutating a channel's roster must not corrupt a
// ChannelInfo slice a caller already captured via Channels().
func TestAppendMemberIfAbsentDoesNotAliasPriorSnapshot(t *testing.T) {
	self := id32(0x01)
	defaultCh := id16(0x00)
	peer := id32(0x02)

	st := newLocalState(self)
	st.applySnapshot(wire.AuthSuccess{
		DefaultChannel:   defaultCh,
		ChannelsSnapshot: []wire.ChannelInfo{{ChannelID: defaultCh, Members: [][32]byte{}}},
	}, wire.UserProfile{UserID: self, ChannelID: defaultCh})

	before, _ := st.Channel(defaultCh)
	beforeLen := len(before.Members)

	st.applyClientConnected(wire.UserProfile{UserID: peer, ChannelID: defaultCh}, NopObserver{})

	if len(before.Members) != beforeLen {
		t.Fatalf("prior snapshot's Members slice was mutated in place: len changed from %d to %d", beforeLen, len(before.Members))
	}
}
