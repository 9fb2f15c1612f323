// Package session drives one connection end to end: the handshake, channel
// admission, the per-session reader loop, and disconnect teardown. It is
// grounded on the teacher's server/client.go handleClient/processControl
// shape, generalized from a flat JSON command switch and role string to the
// spec's binary AuthRequest handshake and permission-gated ClientPacket
// dispatch.
package session

import (
	"context"
	"crypto/sha256"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"voicechat/server/internal/permissions"
	"voicechat/server/internal/pow"
	"voicechat/server/internal/registry"
	"voicechat/server/internal/transport"
	"voicechat/server/internal/wire"
)

// State is the per-connection lifecycle state (§3's SessionState), encoded
// as a single atomic value so that disconnect teardown has exactly one
// linearization point (see trySetDisconnected).
type State uint32

const (
	StatePending State = iota
	StateAuth
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAuth:
		return "auth"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// circuitBreakerThreshold and circuitBreakerProbeInterval bound how hard a
// degraded peer's relay path is hammered: at 50 datagrams/sec a silently
// failing send would otherwise log (and retry) every frame. Once a peer
// accumulates this many consecutive SendUnreliable failures, relayToChannel
// Peers stops attempting delivery to it except for a periodic probe.
const (
	circuitBreakerThreshold     uint32 = 50
	circuitBreakerProbeInterval uint32 = 25
)

func legalEdge(from, to State) bool {
	if to == StateDisconnected {
		return from != StateDisconnected
	}
	switch from {
	case StatePending:
		return to == StateAuth
	case StateAuth:
		return to == StateConnected
	default:
		return false
	}
}

// Session is one connection's transient state. Channel rosters and the
// online index in registry never hold a *Session, only the UserId value —
// a Session is reached only through Server's session table, which is how
// §9's "never embed a back-pointer" note is honored here: Session itself
// holds no pointer back to Server.
type Session struct {
	conn    *transport.Session
	traceID uuid.UUID

	state  atomic.Uint32
	hasUID atomic.Bool
	userID [32]byte

	// relayFailures counts this session's consecutive failed inbound
	// SendUnreliable attempts as a relay target; see circuitBreakerThreshold.
	relayFailures atomic.Uint32
}

// shouldAttemptRelay reports whether relayToChannelPeers should try to
// deliver the next datagram to s: always, until s has accumulated
// circuitBreakerThreshold consecutive failures, after which only every
// circuitBreakerProbeInterval-th attempt goes through.
func (s *Session) shouldAttemptRelay() bool {
	failures := s.relayFailures.Load()
	if failures < circuitBreakerThreshold {
		return true
	}
	return (failures-circuitBreakerThreshold)%circuitBreakerProbeInterval == 0
}

func newSession(conn *transport.Session) *Session {
	return &Session{conn: conn, traceID: uuid.New()}
}

// State reports the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// UserID returns the authenticated user id. Only meaningful once State() is
// at least StateAuth.
func (s *Session) UserID() [32]byte { return s.userID }

func (s *Session) transitionTo(next State) bool {
	for {
		cur := State(s.state.Load())
		if !legalEdge(cur, next) {
			return false
		}
		if s.state.CompareAndSwap(uint32(cur), uint32(next)) {
			return true
		}
	}
}

// trySetDisconnected is the single CAS linearization point of teardown: of
// any number of racing transport errors on one session, exactly one caller
// observes true and is responsible for channel removal, broadcast, and
// closing the transport.
func (s *Session) trySetDisconnected() bool {
	return s.transitionTo(StateDisconnected)
}

// Server holds the state an accept loop shares across connections: the
// authoritative registry, the admission policy, and the table of online
// sessions used for broadcast.
type Server struct {
	Registry         *registry.Registry
	MinSecurityLevel uint8

	mu       sync.RWMutex
	sessions map[[32]byte]*Session
}

// NewServer builds a Server around an already-constructed registry.
func NewServer(reg *registry.Registry, minSecurityLevel uint8) *Server {
	return &Server{
		Registry:         reg,
		MinSecurityLevel: minSecurityLevel,
		sessions:         make(map[[32]byte]*Session),
	}
}

// OnlineCount reports how many sessions currently sit in the session table.
func (srv *Server) OnlineCount() int {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return len(srv.sessions)
}

// Accept drives conn through handshake, admission, the per-session reader
// loop, and teardown. It blocks until the session disconnects for any
// reason and never returns an error: all failure paths are logged and
// resolved locally, per §7's propagation policy.
func (srv *Server) Accept(ctx context.Context, conn *transport.Session) {
	sess := newSession(conn)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			sess.conn.Close(0, "server shutting down")
		case <-done:
		}
	}()

	if !srv.handshake(sess) {
		return
	}

	go srv.keepAliveEcho(sess)
	go srv.relayAudio(ctx, sess)
	srv.readLoop(sess)
	srv.teardown(sess)
}

// handshake implements §4.F steps 1-8's admission half (everything up to
// and including admitting the user and broadcasting ClientConnected). It
// returns false if the connection was rejected or failed before reaching
// StateConnected; the caller must not proceed to the reader loop.
func (srv *Server) handshake(sess *Session) bool {
	payload, err := sess.conn.RecvReliable()
	if err != nil {
		log.Printf("[session %s] read auth request: %v", sess.traceID, err)
		return false
	}
	req, err := wire.ReadAuthRequest(wire.NewReader(payload))
	if err != nil {
		log.Printf("[session %s] BadFrame decoding AuthRequest: %v", sess.traceID, err)
		srv.sendAuthFailure(sess, wire.FailureReason{Tag: wire.FailureInvalid, InvalidReason: "malformed AuthRequest"})
		sess.conn.Close(0, "malformed AuthRequest")
		return false
	}

	if req.ProtocolVersion != wire.ProtocolVersion {
		log.Printf("[session %s] ProtoVerMismatch received=%d", sess.traceID, req.ProtocolVersion)
		srv.sendAuthFailure(sess, wire.FailureReason{Tag: wire.FailureOutOfDate, ServerVersion: wire.ProtocolVersion})
		sess.conn.Close(0, "protocol version mismatch")
		return false
	}

	userID := sha256.Sum256(req.PublicKey)

	level, valid := pow.Verify(userID, req.ProofChain)
	if !valid {
		log.Printf("[session %s] InvSecProof user=%x", sess.traceID, userID)
		srv.sendAuthFailure(sess, wire.FailureReason{Tag: wire.FailureInvalid, InvalidReason: "bad proofs"})
		sess.conn.Close(0, "invalid proof chain")
		return false
	}
	if level < srv.MinSecurityLevel {
		log.Printf("[session %s] LowSecProof user=%x provided=%d required=%d", sess.traceID, userID, level, srv.MinSecurityLevel)
		srv.sendAuthFailure(sess, wire.FailureReason{Tag: wire.FailureReqSec, MinLevel: srv.MinSecurityLevel})
		sess.conn.Close(0, "security level too low")
		return false
	}

	if srv.Registry.IsOnline(userID) {
		log.Printf("[session %s] AlreadyOnline user=%x", sess.traceID, userID)
		srv.sendAuthFailure(sess, wire.FailureReason{Tag: wire.FailureAlreadyOnline})
		sess.conn.Close(0, "already online")
		return false
	}

	user, _ := srv.Registry.LoadOrCreateUser(userID, req.DisplayName)
	srv.Registry.SetUserLastProof(userID, flattenProof(req.ProofChain), level)

	groups := srv.Registry.UserGroups(userID)
	active := permissions.Resolve(user.OwnPerms, srv.Registry.GroupSnapshotsFor(groups))
	srv.Registry.SetUserActivePerms(userID, active)

	sess.userID = userID
	sess.hasUID.Store(true)
	sess.transitionTo(StateAuth)

	success := wire.AuthSuccess{
		DefaultChannel:      registry.DefaultChannelID,
		GroupsKnownToServer: srv.Registry.GroupsSnapshot(),
		OwnGroups:           idSetToSlice(groups),
		ChannelsSnapshot:    srv.Registry.ChannelsSnapshot(),
	}
	if err := srv.sendAuthResponse(sess, wire.AuthResponse{Tag: wire.AuthResponseSuccess, Success: success}); err != nil {
		log.Printf("[session %s] send AuthResponse: %v", sess.traceID, err)
		return false
	}
	sess.transitionTo(StateConnected)

	srv.Registry.AdmitToDefaultChannel(userID)
	srv.registerSession(sess)

	profile, _ := srv.Registry.Profile(userID)
	srv.broadcastExcept(userID, wire.ServerPacket{Tag: wire.ServerPacketClientConnected, ClientConnected: profile})

	return true
}

func (srv *Server) sendAuthFailure(sess *Session, reason wire.FailureReason) {
	if err := srv.sendAuthResponse(sess, wire.AuthResponse{Tag: wire.AuthResponseFailure, Failure: reason}); err != nil {
		log.Printf("[session %s] send AuthResponse(Failure): %v", sess.traceID, err)
	}
}

func (srv *Server) sendAuthResponse(sess *Session, resp wire.AuthResponse) error {
	w := wire.NewWriter()
	wire.WriteAuthResponse(w, resp)
	return sess.conn.SendReliable(w.Bytes())
}

// readLoop implements §4.F's per-session reader loop: SwitchChannel,
// Disconnect, UpdateClientServerGroups, KeepAlive.
func (srv *Server) readLoop(sess *Session) {
	for {
		payload, err := sess.conn.RecvReliable()
		if err != nil {
			return
		}
		pkt, err := wire.ReadClientPacket(wire.NewReader(payload))
		if err != nil {
			log.Printf("[session %s] BadFrame in reader loop: %v", sess.traceID, err)
			return
		}
		switch pkt.Tag {
		case wire.ClientPacketSwitchChannel:
			srv.handleSwitchChannel(sess, pkt.SwitchChannel)
		case wire.ClientPacketDisconnect:
			return
		case wire.ClientPacketUpdateClientServerGroups:
			srv.handleUpdateGroups(sess, pkt.UpdateClientServerGroups)
		case wire.ClientPacketKeepAlive:
			if err := srv.sendTo(sess, wire.ServerPacket{Tag: wire.ServerPacketKeepAlive, KeepAlive: pkt.KeepAlive}); err != nil {
				log.Printf("[session %s] keep-alive echo on control stream: %v", sess.traceID, err)
				return
			}
		}
	}
}

// handleSwitchChannel checks channel_join power against the target's
// permission snapshot (§4.F) and, on success, broadcasts a remove delta for
// the old channel followed by an add delta for the new one. A forbidden or
// unknown target is silently ignored, per §7's authorization-errors policy.
func (srv *Server) handleSwitchChannel(sess *Session, target [16]byte) {
	targetPerms, ok := srv.Registry.ChannelPerms(target)
	if !ok {
		return
	}
	active, ok := srv.Registry.ActivePerms(sess.userID)
	if !ok || !permissions.Permits(active.ChannelJoin, targetPerms.ChannelJoin) {
		return
	}
	prev, err := srv.Registry.SwitchChannel(sess.userID, target)
	if err != nil {
		return
	}
	profile, ok := srv.Registry.Profile(sess.userID)
	if !ok {
		return
	}
	srv.broadcastAll(wire.ServerPacket{
		Tag: wire.ServerPacketChannelUpdate,
		ChannelUpdate: wire.ChannelUpdateMsg{
			Tag:                wire.ChannelUpdateSubUpdate,
			SubUpdateChannelID: prev,
			SubUpdate:          wire.ChannelSubUpdate{Tag: wire.ChannelSubUpdateClientRemove, ClientRemove: sess.userID},
		},
	})
	srv.broadcastAll(wire.ServerPacket{
		Tag: wire.ServerPacketChannelUpdate,
		ChannelUpdate: wire.ChannelUpdateMsg{
			Tag:                wire.ChannelUpdateSubUpdate,
			SubUpdateChannelID: target,
			SubUpdate:          wire.ChannelSubUpdate{Tag: wire.ChannelSubUpdateClientAdd, ClientAdd: profile},
		},
	})
}

// handleUpdateGroups lets a connected client request its own new group set,
// gated on having any group_assign power to add a group and any
// group_unassign power to drop one. The wire shape (a plain group-id list,
// not a per-group target/actor pair) gives no finer-grained threshold to
// check against, so presence of the power at all is the gate — a deliberate
// simplification of §4.G's general "required power R" rule for this one
// self-service path.
func (srv *Server) handleUpdateGroups(sess *Session, requested [][16]byte) {
	active, ok := srv.Registry.ActivePerms(sess.userID)
	if !ok {
		return
	}
	current := srv.Registry.UserGroups(sess.userID)
	want := make(map[[16]byte]struct{}, len(requested))
	for _, g := range requested {
		want[g] = struct{}{}
	}
	for g := range want {
		if _, already := current[g]; !already && !permissions.Permits(active.GroupAssign, 1) {
			return
		}
	}
	for g := range current {
		if _, keep := want[g]; !keep && !permissions.Permits(active.GroupUnassign, 1) {
			return
		}
	}

	srv.Registry.SetUserGroups(sess.userID, requested)
	newGroups := srv.Registry.UserGroups(sess.userID)
	newActive := permissions.Resolve(wire.PermissionSnapshot{}, srv.Registry.GroupSnapshotsFor(newGroups))
	srv.Registry.SetUserActivePerms(sess.userID, newActive)

	srv.broadcastAll(wire.ServerPacket{
		Tag:                      wire.ServerPacketClientUpdateServerGroups,
		ClientUpdateServerGroups: wire.ClientGroupsUpdate{UserID: sess.userID, Groups: requested},
	})
}

// keepAliveEcho parks a reader on the dedicated keep-alive stream (§4.F
// step 6) and echoes every frame back unmodified.
func (srv *Server) keepAliveEcho(sess *Session) {
	for {
		payload, err := sess.conn.RecvKeepAlive()
		if err != nil {
			return
		}
		pkt, err := wire.ReadKeepAlivePacket(wire.NewReader(payload))
		if err != nil {
			return
		}
		w := wire.NewWriter()
		wire.WriteKeepAlivePacket(w, pkt)
		if err := sess.conn.SendKeepAlive(w.Bytes()); err != nil {
			return
		}
	}
}

// relayAudio parks a reader on the session's unreliable datagram stream
// (§4.D's handoff from the client's ring buffer arrives here as opaque
// frames) and fans each one out to every other online session currently in
// the sender's channel, restamped with the sender's compact tag and a
// server-assigned sequence number. Grounded on the teacher's broadcastAudio
// relay loop, generalized from a single fixed room to per-channel roster
// lookups against the registry.
func (srv *Server) relayAudio(ctx context.Context, sess *Session) {
	senderTag := wire.SenderTag(sess.userID)
	var seq uint16
	for {
		payload, err := sess.conn.RecvUnreliable(ctx)
		if err != nil {
			return
		}
		seq++
		srv.relayToChannelPeers(sess.userID, wire.MarshalDatagram(senderTag, seq, payload))
	}
}

// relayToChannelPeers forwards an already-framed audio datagram to every
// online session sharing sender's current channel.
func (srv *Server) relayToChannelPeers(sender [32]byte, dgram []byte) {
	profile, ok := srv.Registry.Profile(sender)
	if !ok {
		return
	}
	ch, ok := srv.Registry.Channel(profile.ChannelID)
	if !ok {
		return
	}
	for _, s := range srv.snapshotSessions() {
		if s.userID == sender {
			continue
		}
		if _, inChannel := ch.Members[s.userID]; !inChannel {
			continue
		}
		if !s.shouldAttemptRelay() {
			// A skipped attempt still counts, so the next probe comes
			// circuitBreakerProbeInterval attempts later.
			s.relayFailures.Add(1)
			continue
		}
		if err := s.conn.SendUnreliable(dgram); err != nil {
			failures := s.relayFailures.Add(1)
			if failures <= circuitBreakerThreshold {
				log.Printf("[session %s] relay datagram: %v", s.traceID, err)
			}
			continue
		}
		s.relayFailures.Store(0)
	}
}

// teardown runs the single winner of trySetDisconnected: remove the user
// from the registry's online index and channel roster, broadcast
// ClientDisconnected, unregister the session, and close the transport.
func (srv *Server) teardown(sess *Session) {
	if !sess.trySetDisconnected() {
		return
	}
	if sess.hasUID.Load() {
		srv.unregisterSession(sess)
		srv.Registry.RemoveOnline(sess.userID)
		srv.broadcastAll(wire.ServerPacket{Tag: wire.ServerPacketClientDisconnected, ClientDisconnected: sess.userID})
	}
	sess.conn.Close(0, "session closed")
}

func (srv *Server) registerSession(sess *Session) {
	srv.mu.Lock()
	srv.sessions[sess.userID] = sess
	srv.mu.Unlock()
}

func (srv *Server) unregisterSession(sess *Session) {
	srv.mu.Lock()
	delete(srv.sessions, sess.userID)
	srv.mu.Unlock()
}

func (srv *Server) snapshotSessions() []*Session {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	out := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		out = append(out, s)
	}
	return out
}

// broadcastAll sends pkt to every currently online session.
func (srv *Server) broadcastAll(pkt wire.ServerPacket) {
	srv.broadcastFiltered(pkt, func([32]byte) bool { return true })
}

// broadcastExcept sends pkt to every currently online session other than
// excluding.
func (srv *Server) broadcastExcept(excluding [32]byte, pkt wire.ServerPacket) {
	srv.broadcastFiltered(pkt, func(id [32]byte) bool { return id != excluding })
}

func (srv *Server) broadcastFiltered(pkt wire.ServerPacket, include func([32]byte) bool) {
	w := wire.NewWriter()
	wire.WriteServerPacket(w, pkt)
	payload := w.Bytes()
	for _, s := range srv.snapshotSessions() {
		if !include(s.userID) {
			continue
		}
		if err := s.conn.SendReliable(payload); err != nil {
			log.Printf("[session %s] broadcast send: %v", s.traceID, err)
		}
	}
}

func (srv *Server) sendTo(sess *Session, pkt wire.ServerPacket) error {
	w := wire.NewWriter()
	wire.WriteServerPacket(w, pkt)
	return sess.conn.SendReliable(w.Bytes())
}

// --- admin operations (§4.F: "from the CLI collaborator, on the server,
// not over the wire"). These mutate authoritative state via registry (which
// shadows to disk through its Hooks) and broadcast the matching delta.

// CreateChannel creates a channel and broadcasts its ChannelUpdate::Create.
func (srv *Server) CreateChannel(id [16]byte, name, desc string, slots, sortIndex int32, password *string, perms wire.PermissionSnapshot) registry.Channel {
	ch := srv.Registry.CreateChannel(id, name, desc, slots, sortIndex, password, perms)
	info, _ := srv.Registry.Channel(id)
	srv.broadcastAll(wire.ServerPacket{Tag: wire.ServerPacketChannelUpdate, ChannelUpdate: wire.ChannelUpdateMsg{
		Tag: wire.ChannelUpdateCreate, Create: channelToInfo(info),
	}})
	return ch
}

// EditChannel mutates an existing channel and broadcasts the result as a
// fresh Create delta (the wire protocol has no dedicated "edit" variant; a
// Create delta for an id the client already knows is the update path the
// client's ChannelUpdate dispatch already handles via map-insert-by-id).
func (srv *Server) EditChannel(id [16]byte, mutate func(*registry.Channel)) error {
	if err := srv.Registry.EditChannel(id, mutate); err != nil {
		return err
	}
	info, _ := srv.Registry.Channel(id)
	srv.broadcastAll(wire.ServerPacket{Tag: wire.ServerPacketChannelUpdate, ChannelUpdate: wire.ChannelUpdateMsg{
		Tag: wire.ChannelUpdateCreate, Create: channelToInfo(info),
	}})
	return nil
}

// DeleteChannel deletes a channel, relocates any occupants to the default
// channel, and broadcasts both the occupant moves and the deletion.
func (srv *Server) DeleteChannel(id [16]byte) error {
	moved, err := srv.Registry.DeleteChannel(id)
	if err != nil {
		return err
	}
	for _, uuid := range moved {
		profile, ok := srv.Registry.Profile(uuid)
		if !ok {
			continue
		}
		srv.broadcastAll(wire.ServerPacket{Tag: wire.ServerPacketChannelUpdate, ChannelUpdate: wire.ChannelUpdateMsg{
			Tag:                wire.ChannelUpdateSubUpdate,
			SubUpdateChannelID: registry.DefaultChannelID,
			SubUpdate:          wire.ChannelSubUpdate{Tag: wire.ChannelSubUpdateClientAdd, ClientAdd: profile},
		}})
	}
	srv.broadcastAll(wire.ServerPacket{Tag: wire.ServerPacketChannelUpdate, ChannelUpdate: wire.ChannelUpdateMsg{
		Tag: wire.ChannelUpdateDelete, Delete: id,
	}})
	return nil
}

// SetUserGroupsAdmin sets uuid's group membership from the CLI, recomputes
// ActivePermissions, and broadcasts the change. Unlike handleUpdateGroups
// this path is not permission-gated: it is the admin collaborator acting
// directly on authoritative state, per §4.F's "Admin operations" note.
func (srv *Server) SetUserGroupsAdmin(uuid [32]byte, groups [][16]byte) {
	srv.Registry.SetUserGroups(uuid, groups)
	newGroups := srv.Registry.UserGroups(uuid)
	newActive := permissions.Resolve(wire.PermissionSnapshot{}, srv.Registry.GroupSnapshotsFor(newGroups))
	srv.Registry.SetUserActivePerms(uuid, newActive)
	srv.broadcastAll(wire.ServerPacket{
		Tag:                      wire.ServerPacketClientUpdateServerGroups,
		ClientUpdateServerGroups: wire.ClientGroupsUpdate{UserID: uuid, Groups: groups},
	})
}

func channelToInfo(c registry.Channel) wire.ChannelInfo {
	members := make([][32]byte, 0, len(c.Members))
	for id := range c.Members {
		members = append(members, id)
	}
	return wire.ChannelInfo{
		ChannelID:   c.ID,
		SortIndex:   c.SortIndex,
		Name:        c.Name,
		Description: c.Description,
		Password:    c.Password,
		Perms:       c.Perms,
		Slots:       c.Slots,
		Members:     members,
	}
}

func flattenProof(chain [][32]byte) []byte {
	out := make([]byte, 0, len(chain)*32)
	for _, t := range chain {
		out = append(out, t[:]...)
	}
	return out
}

func idSetToSlice(ids map[[16]byte]struct{}) [][16]byte {
	out := make([][16]byte, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}
