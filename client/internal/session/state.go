package session

import (
	"sync"

	"voicechat/client/internal/wire"
)

// Observer lets a UI collaborator react to membership and lifecycle
// changes mirrored from the server without coupling the session package to
// any concrete screen system (§1, §9: the GUI is an external collaborator).
// Every method has a no-op default via NopObserver, so callers only
// implement what they care about.
type Observer interface {
	// ChannelMemberAdded fires on ChannelUpdate::SubUpdate::Add. Members
	// already listed in the initial snapshot, and peers added to a roster by
	// ClientConnected, do not fire it.
	ChannelMemberAdded(channelID [16]byte, profile wire.UserProfile)
	// ChannelMemberRemoved fires on ChannelUpdate::SubUpdate::Remove.
	ChannelMemberRemoved(channelID [16]byte, userID [32]byte)
	// PeerConnected fires on ServerPacket::ClientConnected.
	PeerConnected(profile wire.UserProfile)
	// PeerDisconnected fires on ServerPacket::ClientDisconnected.
	PeerDisconnected(userID [32]byte)
	// GroupsChanged fires on ServerPacket::ClientUpdateServerGroups.
	GroupsChanged(userID [32]byte, groups [][16]byte)
	// Disconnected fires once, when the session leaves Connected for any
	// reason (ForceDisconnect, transport error, or a local Disconnect()).
	Disconnected(reason string)
}

// NopObserver implements Observer with no-ops. Embed it to implement only
// the methods a particular collaborator cares about.
type NopObserver struct{}

func (NopObserver) ChannelMemberAdded([16]byte, wire.UserProfile) {}
func (NopObserver) ChannelMemberRemoved([16]byte, [32]byte)       {}
func (NopObserver) PeerConnected(wire.UserProfile)                {}
func (NopObserver) PeerDisconnected([32]byte)                     {}
func (NopObserver) GroupsChanged([32]byte, [][16]byte)            {}
func (NopObserver) Disconnected(string)                           {}

// localState is the client's replicated view of server state (§4.E, §3):
// the channel map, the groups known to the server, the user's own group
// membership, and a best-effort index of online users built up from
// whatever profiles the wire protocol has handed over. Every mutation is
// applied under mu so concurrent readers (the UI collaborator) never
// observe a torn update.
type localState struct {
	mu sync.RWMutex

	selfID         [32]byte
	defaultChannel [16]byte
	channels       map[[16]byte]wire.ChannelInfo
	groups         map[[16]byte]wire.GroupInfo
	ownGroups      map[[16]byte]struct{}
	users          map[[32]byte]wire.UserProfile
}

func newLocalState(selfID [32]byte) *localState {
	return &localState{
		selfID:    selfID,
		channels:  make(map[[16]byte]wire.ChannelInfo),
		groups:    make(map[[16]byte]wire.GroupInfo),
		ownGroups: make(map[[16]byte]struct{}),
		users:     make(map[[32]byte]wire.UserProfile),
	}
}

// applySnapshot commits AuthResponse::Success's snapshot (§4.E): the
// default channel, every group the server knows about, the user's own
// groups, and every channel with its current roster. Members listed in the
// snapshot carry only a UserId (the wire format has no per-member profile
// in ChannelInfo), so a minimal profile is synthesized for each one; a full
// profile arrives later via ClientConnected or a SubUpdate for peers who
// join after this snapshot was taken.
func (st *localState) applySnapshot(success wire.AuthSuccess, selfProfile wire.UserProfile) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.defaultChannel = success.DefaultChannel
	for _, g := range success.GroupsKnownToServer {
		st.groups[g.GroupID] = g
	}
	for _, g := range success.OwnGroups {
		st.ownGroups[g] = struct{}{}
	}
	for _, c := range success.ChannelsSnapshot {
		st.channels[c.ChannelID] = c
		for _, uid := range c.Members {
			if uid == st.selfID {
				continue
			}
			if _, known := st.users[uid]; !known {
				st.users[uid] = wire.UserProfile{UserID: uid, ChannelID: c.ChannelID}
			}
		}
	}
	st.users[st.selfID] = selfProfile
}

// applyChannelUpdate mutates the local channel map per a ChannelUpdateMsg
// (§4.E) and reports membership deltas to obs.
func (st *localState) applyChannelUpdate(u wire.ChannelUpdateMsg, obs Observer) {
	switch u.Tag {
	case wire.ChannelUpdateCreate:
		st.mu.Lock()
		st.channels[u.Create.ChannelID] = u.Create
		st.mu.Unlock()
	case wire.ChannelUpdateSubUpdate:
		st.applySubUpdate(u.SubUpdateChannelID, u.SubUpdate, obs)
	case wire.ChannelUpdateDelete:
		st.mu.Lock()
		delete(st.channels, u.Delete)
		st.mu.Unlock()
	}
}

func (st *localState) applySubUpdate(channelID [16]byte, sub wire.ChannelSubUpdate, obs Observer) {
	switch sub.Tag {
	case wire.ChannelSubUpdateClientAdd:
		profile := sub.ClientAdd
		st.mu.Lock()
		ch, ok := st.channels[channelID]
		if ok {
			ch.Members = appendMemberIfAbsent(ch.Members, profile.UserID)
			st.channels[channelID] = ch
		}
		st.users[profile.UserID] = profile
		st.mu.Unlock()
		obs.ChannelMemberAdded(channelID, profile)
	case wire.ChannelSubUpdateClientRemove:
		uid := sub.ClientRemove
		st.mu.Lock()
		if ch, ok := st.channels[channelID]; ok {
			ch.Members = removeMember(ch.Members, uid)
			st.channels[channelID] = ch
		}
		st.mu.Unlock()
		obs.ChannelMemberRemoved(channelID, uid)
	}
}

// applyClientConnected records a newly admitted peer's profile and adds it
// to its channel's roster (§4.E: "mutate the default channel's roster and
// the user index" — generalized to whatever channel the profile names,
// since a peer may already have switched by the time this is observed).
func (st *localState) applyClientConnected(profile wire.UserProfile, obs Observer) {
	st.mu.Lock()
	st.users[profile.UserID] = profile
	if ch, ok := st.channels[profile.ChannelID]; ok {
		ch.Members = appendMemberIfAbsent(ch.Members, profile.UserID)
		st.channels[profile.ChannelID] = ch
	}
	st.mu.Unlock()
	obs.PeerConnected(profile)
}

func (st *localState) applyClientDisconnected(userID [32]byte, obs Observer) {
	st.mu.Lock()
	if profile, ok := st.users[userID]; ok {
		if ch, ok := st.channels[profile.ChannelID]; ok {
			ch.Members = removeMember(ch.Members, userID)
			st.channels[profile.ChannelID] = ch
		}
	}
	delete(st.users, userID)
	st.mu.Unlock()
	obs.PeerDisconnected(userID)
}

// applyGroupsUpdate recomputes the named user's group list (§4.E
// ClientUpdateServerGroups) and, when the update names this session's own
// user, the locally cached own-groups set used by OwnGroups().
func (st *localState) applyGroupsUpdate(u wire.ClientGroupsUpdate, obs Observer) {
	st.mu.Lock()
	if profile, ok := st.users[u.UserID]; ok {
		profile.Groups = u.Groups
		st.users[u.UserID] = profile
	}
	if u.UserID == st.selfID {
		st.ownGroups = make(map[[16]byte]struct{}, len(u.Groups))
		for _, g := range u.Groups {
			st.ownGroups[g] = struct{}{}
		}
	}
	st.mu.Unlock()
	obs.GroupsChanged(u.UserID, u.Groups)
}

// Channels returns a snapshot of every locally mirrored channel.
func (st *localState) Channels() []wire.ChannelInfo {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]wire.ChannelInfo, 0, len(st.channels))
	for _, c := range st.channels {
		out = append(out, c)
	}
	return out
}

// Channel looks up one channel by id.
func (st *localState) Channel(id [16]byte) (wire.ChannelInfo, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	c, ok := st.channels[id]
	return c, ok
}

// Users returns a snapshot of every user known to this client.
func (st *localState) Users() []wire.UserProfile {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]wire.UserProfile, 0, len(st.users))
	for _, u := range st.users {
		out = append(out, u)
	}
	return out
}

// OwnGroups returns this session's current group membership.
func (st *localState) OwnGroups() [][16]byte {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([][16]byte, 0, len(st.ownGroups))
	for g := range st.ownGroups {
		out = append(out, g)
	}
	return out
}

// DefaultChannel returns the server-configured default channel id.
func (st *localState) DefaultChannel() [16]byte {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.defaultChannel
}

// appendMemberIfAbsent and removeMember always allocate a fresh backing
// array rather than mutate members in place: a ChannelInfo handed to a
// caller via Channels() carries a slice header over the same array, and an
// in-place edit would silently corrupt that already-returned snapshot.
func appendMemberIfAbsent(members [][32]byte, id [32]byte) [][32]byte {
	for _, m := range members {
		if m == id {
			return members
		}
	}
	out := make([][32]byte, len(members), len(members)+1)
	copy(out, members)
	return append(out, id)
}

func removeMember(members [][32]byte, id [32]byte) [][32]byte {
	out := make([][32]byte, 0, len(members))
	for _, m := range members {
		if m != id {
			out = append(out, m)
		}
	}
	return out
}
