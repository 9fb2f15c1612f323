// Package session drives the client half of one connection end to end:
// the handshake, the replicated view of server state, dispatch of inbound
// control packets, the keep-alive loop, and the outbound/inbound audio
// pumps. It is grounded on the teacher's client/transport.go
// (Connect/pingLoop/StartReceiving) and client/audio.go (capture/playback
// loop shape), generalized from the teacher's JSON ControlMsg/UserInfo
// model to the spec's binary AuthRequest/AuthResponse/ServerPacket/
// ClientPacket sum types and the Pending→Auth→Connected→Disconnected state
// machine of §3.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"voicechat/client/internal/identity"
	"voicechat/client/internal/pow"
	"voicechat/client/internal/ring"
	"voicechat/client/internal/transport"
	"voicechat/client/internal/wire"
)

// State is the per-connection lifecycle state (§3), encoded as a single
// atomic value so every caller observes the same linearized sequence of
// transitions — mirrors the server's identically-named type in
// server/internal/session, duplicated rather than shared because the two
// modules do not import each other.
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

// keepAlivePeriod and keepAliveMisses implement §5's timing: the client
// emits a keep-alive every 250ms and disconnects after three consecutive
// missed echoes (spec.md is authoritative over §4.C's "4 × period" phrasing
// and the teacher's differing ping/pong numbers — see SPEC_FULL.md §4.C).
const (
	keepAlivePeriod = 250 * time.Millisecond
	keepAliveMisses = 3
)

// inboundAudioBacklog bounds the staging channel between the datagram
// reader and whatever drains InboundAudio(); past this many buffered
// frames the oldest is dropped rather than applying backpressure to the
// network reader, per §4.E's "drop the earliest frames" safety valve.
const inboundAudioBacklog = 64

var (
	// ErrAuthFailed is returned by Dial when the server responds with
	// AuthResponse::Failure. The FailureReason is embedded for callers
	// that want to render a precise message.
	ErrAuthFailed = errors.New("session: authentication failed")
	// ErrNotConnected is returned by command methods invoked outside
	// StateConnected.
	ErrNotConnected = errors.New("session: not connected")
)

// AuthError wraps a FailureReason returned by the server, satisfying
// errors.Is(err, ErrAuthFailed).
type AuthError struct {
	Reason wire.FailureReason
}

func (e *AuthError) Error() string {
	switch e.Reason.Tag {
	case wire.FailureInvalid:
		return fmt.Sprintf("session: auth rejected: %s", e.Reason.InvalidReason)
	case wire.FailureOutOfDate:
		return fmt.Sprintf("session: protocol out of date, server wants version %d", e.Reason.ServerVersion)
	case wire.FailureReqSec:
		return fmt.Sprintf("session: security level too low, server requires %d", e.Reason.MinLevel)
	case wire.FailureAlreadyOnline:
		return "session: already online"
	default:
		return "session: auth failed"
	}
}

func (e *AuthError) Is(target error) bool { return target == ErrAuthFailed }

// InboundAudio mirrors the shape the audio playback engine consumes: a
// compact sender tag, the sequence number the jitter buffer orders on, and
// the opaque Opus payload. Defined locally (rather than imported from the
// audio-owning main package) so this package has no dependency on any
// particular playback collaborator.
type InboundAudio struct {
	SenderTag uint16
	Seq       uint16
	Payload   []byte
}

// Config configures a single Dial.
type Config struct {
	Identity        identity.Identity
	DisplayName     string
	TargetLevel     uint8      // proof chain length to present; 0 sends an empty (level-0) chain
	SignedChallenge []byte     // opaque per spec's open question; never validated by the server
	Observer        Observer   // may be nil; NopObserver{} is used in that case
	OutboundAudio   *ring.Ring // encoded Opus frames staged for send; may be nil to disable the outbound pump
	dialOverride    func(context.Context, string, *tls.Config) (*transport.Session, error)
}

// Session is one authenticated client connection.
type Session struct {
	conn     *transport.Session
	observer Observer

	state  atomic.Uint32
	selfID [32]byte

	st *localState

	inbound chan InboundAudio

	lastEcho atomic.Int64 // unix nanos of the last keep-alive echo observed

	closeOnce sync.Once
}

// Dial connects to addr, runs the handshake (§4.F steps 1-3 from the
// client's side), and on success starts the inbound reader, keep-alive
// loop, and (if cfg.OutboundAudio is set) the outbound audio pump. It
// returns *AuthError if the server replied with Failure, wrapping
// ErrAuthFailed.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, cfg Config) (*Session, error) {
	dial := transport.Dial
	if cfg.dialOverride != nil {
		dial = cfg.dialOverride
	}
	conn, err := dial(ctx, addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("session: dial: %w", err)
	}

	obs := cfg.Observer
	if obs == nil {
		obs = NopObserver{}
	}
	selfID := cfg.Identity.UserID()
	s := &Session{
		conn:     conn,
		observer: obs,
		selfID:   selfID,
		st:       newLocalState(selfID),
		inbound:  make(chan InboundAudio, inboundAudioBacklog),
	}
	s.state.Store(uint32(StatePending))

	if err := s.handshake(cfg); err != nil {
		conn.Close(0, "handshake failed")
		return nil, err
	}

	go s.readLoop()
	go s.keepAliveLoop()
	go s.readInboundAudio(ctx)
	if cfg.OutboundAudio != nil {
		go s.pumpOutboundAudio(ctx, cfg.OutboundAudio)
	}
	return s, nil
}

// handshake sends AuthRequest and applies the resulting AuthResponse.
func (s *Session) handshake(cfg Config) error {
	s.transitionTo(StateAuth)

	chain := pow.GenerateChain(s.selfID, cfg.TargetLevel)
	req := wire.AuthRequest{
		ProtocolVersion: wire.ProtocolVersion,
		PublicKey:       cfg.Identity.PublicKeyDER,
		DisplayName:     cfg.DisplayName,
		ProofChain:      chain,
		SignedChallenge: cfg.SignedChallenge,
	}
	w := wire.NewWriter()
	wire.WriteAuthRequest(w, req)
	if err := s.conn.SendReliable(w.Bytes()); err != nil {
		s.transitionTo(StateDisconnected)
		return fmt.Errorf("session: send AuthRequest: %w", err)
	}

	payload, err := s.conn.RecvReliable()
	if err != nil {
		s.transitionTo(StateDisconnected)
		return fmt.Errorf("session: recv AuthResponse: %w", err)
	}
	resp, err := wire.ReadAuthResponse(wire.NewReader(payload))
	if err != nil {
		s.transitionTo(StateDisconnected)
		return fmt.Errorf("session: decode AuthResponse: %w", err)
	}

	if resp.Tag == wire.AuthResponseFailure {
		s.transitionTo(StateDisconnected)
		return &AuthError{Reason: resp.Failure}
	}

	selfProfile := wire.UserProfile{
		UserID:      s.selfID,
		DisplayName: cfg.DisplayName,
		ChannelID:   resp.Success.DefaultChannel,
		Groups:      resp.Success.OwnGroups,
	}
	s.st.applySnapshot(resp.Success, selfProfile)
	s.transitionTo(StateConnected)
	s.lastEcho.Store(time.Now().UnixNano())
	return nil
}

// State reports the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// SelfID returns this session's own user id.
func (s *Session) SelfID() [32]byte { return s.selfID }

// Channels, Users, OwnGroups, Channel expose the replicated view built up
// from the snapshot and every delta applied since.
func (s *Session) Channels() []wire.ChannelInfo                 { return s.st.Channels() }
func (s *Session) Users() []wire.UserProfile                    { return s.st.Users() }
func (s *Session) OwnGroups() [][16]byte                        { return s.st.OwnGroups() }
func (s *Session) DefaultChannel() [16]byte                     { return s.st.DefaultChannel() }
func (s *Session) Channel(id [16]byte) (wire.ChannelInfo, bool) { return s.st.Channel(id) }

// InboundAudio returns the channel of decoded-pending frames a playback
// collaborator should drain.
func (s *Session) InboundAudio() <-chan InboundAudio { return s.inbound }

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

// trySetDisconnected is the single CAS linearization point of teardown,
// mirroring the server's session package: of any number of racing failures
// (transport error, ForceDisconnect, a local Disconnect() call), exactly
// one observes true and is responsible for firing Observer.Disconnected
// and closing the transport.
func (s *Session) trySetDisconnected(reason string) {
	if !s.transitionTo(StateDisconnected) {
		return
	}
	s.closeOnce.Do(func() {
		s.conn.Close(0, reason)
	})
	s.observer.Disconnected(reason)
}

// SwitchChannel requests a move to target (§4.F's SwitchChannel packet).
// The server silently ignores the request if permission or capacity checks
// fail (§7: authorization errors never fail the session), so the caller
// observes success only via the resulting ChannelUpdate deltas.
func (s *Session) SwitchChannel(target [16]byte) error {
	return s.sendClientPacket(wire.ClientPacket{Tag: wire.ClientPacketSwitchChannel, SwitchChannel: target})
}

// UpdateGroups requests the server replace this user's own group set.
func (s *Session) UpdateGroups(groups [][16]byte) error {
	return s.sendClientPacket(wire.ClientPacket{Tag: wire.ClientPacketUpdateClientServerGroups, UpdateClientServerGroups: groups})
}

// Disconnect sends a graceful Disconnect packet and tears the session down
// locally without waiting for the peer to close its end.
func (s *Session) Disconnect() error {
	err := s.sendClientPacket(wire.ClientPacket{Tag: wire.ClientPacketDisconnect})
	s.trySetDisconnected("local disconnect")
	return err
}

func (s *Session) sendClientPacket(pkt wire.ClientPacket) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	w := wire.NewWriter()
	wire.WriteClientPacket(w, pkt)
	return s.conn.SendReliable(w.Bytes())
}

// readLoop implements §4.E's inbound control dispatch: read one
// length-prefixed ServerPacket at a time and apply it to the replicated
// view, until the transport fails or ForceDisconnect/Disconnect ends the
// session.
func (s *Session) readLoop() {
	for {
		if s.State() == StateDisconnected {
			return
		}
		payload, err := s.conn.RecvReliable()
		if err != nil {
			s.trySetDisconnected("transport error")
			return
		}
		pkt, err := wire.ReadServerPacket(wire.NewReader(payload))
		if err != nil {
			log.Printf("[session] BadFrame decoding ServerPacket: %v", err)
			s.trySetDisconnected("malformed server packet")
			return
		}
		switch pkt.Tag {
		case wire.ServerPacketChannelUpdate:
			s.st.applyChannelUpdate(pkt.ChannelUpdate, s.observer)
		case wire.ServerPacketClientConnected:
			s.st.applyClientConnected(pkt.ClientConnected, s.observer)
		case wire.ServerPacketClientDisconnected:
			s.st.applyClientDisconnected(pkt.ClientDisconnected, s.observer)
		case wire.ServerPacketClientUpdateServerGroups:
			s.st.applyGroupsUpdate(pkt.ClientUpdateServerGroups, s.observer)
		case wire.ServerPacketForceDisconnect:
			s.trySetDisconnected(pkt.ForceDisconnectReason)
			return
		case wire.ServerPacketKeepAlive:
			// A KeepAlive wrapped as a ServerPacket (as opposed to the
			// dedicated keep-alive stream's own framing, see
			// keepAliveLoop) is echoed back the same way: immediately, on
			// the keep-alive stream, per §4.E.
			w := wire.NewWriter()
			wire.WriteKeepAlivePacket(w, pkt.KeepAlive)
			if err := s.conn.SendKeepAlive(w.Bytes()); err != nil {
				s.trySetDisconnected("transport error")
				return
			}
		}
	}
}

// keepAliveLoop implements §4.C/§5: send (id, wall time) on the keep-alive
// stream every keepAlivePeriod. A companion goroutine (readKeepAliveEchoes)
// is the stream's single reader and stamps lastEcho on every frame back;
// this loop disconnects once keepAliveMisses periods have elapsed with no
// echo observed, rather than requiring a 1:1 ping/echo pairing — a frame
// can be delayed by up to one period without counting as lost.
func (s *Session) keepAliveLoop() {
	ticker := time.NewTicker(keepAlivePeriod)
	defer ticker.Stop()

	go s.readKeepAliveEchoes()

	var id uint64
	for range ticker.C {
		if s.State() != StateConnected {
			return
		}
		id++
		w := wire.NewWriter()
		wire.WriteKeepAlivePacket(w, wire.KeepAlivePacket{ID: id, SendTime: time.Duration(time.Now().UnixNano())})
		if err := s.conn.SendKeepAlive(w.Bytes()); err != nil {
			s.trySetDisconnected("transport error")
			return
		}
		if time.Since(time.Unix(0, s.lastEcho.Load())) > keepAliveMisses*keepAlivePeriod {
			s.trySetDisconnected("keep-alive timeout")
			return
		}
	}
}

// readKeepAliveEchoes is the single reader of the keep-alive stream: every
// well-formed frame it receives is treated as proof the link is alive and
// stamps lastEcho, regardless of which ping id it nominally echoes.
func (s *Session) readKeepAliveEchoes() {
	for {
		payload, err := s.conn.RecvKeepAlive()
		if err != nil {
			return
		}
		if _, err := wire.ReadKeepAlivePacket(wire.NewReader(payload)); err != nil {
			continue
		}
		s.lastEcho.Store(time.Now().UnixNano())
	}
}

// readInboundAudio parks on the unreliable datagram stream and stages each
// parsed frame onto the InboundAudio channel, dropping the oldest buffered
// frame rather than blocking when the playback collaborator falls behind
// (§4.E's safety-threshold drop-oldest behavior).
func (s *Session) readInboundAudio(ctx context.Context) {
	for {
		raw, err := s.conn.RecvUnreliable(ctx)
		if err != nil {
			return
		}
		senderTag, seq, payload, ok := wire.ParseDatagram(raw)
		if !ok {
			continue
		}
		frame := InboundAudio{SenderTag: senderTag, Seq: seq, Payload: payload}
		select {
		case s.inbound <- frame:
		default:
			select {
			case <-s.inbound:
			default:
			}
			select {
			case s.inbound <- frame:
			default:
			}
		}
	}
}

// pumpOutboundAudio pops encoded frames from r (already Opus-encoded by the
// capture collaborator, per §4.D's contract) and sends each as one
// unreliable datagram, backing off briefly when the ring is empty rather
// than busy-spinning.
func (s *Session) pumpOutboundAudio(ctx context.Context, r *ring.Ring) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if s.State() != StateConnected {
			return
		}
		guard := r.Pop()
		if guard == nil {
			select {
			case <-time.After(2 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}
		payload := append([]byte(nil), guard.Bytes()...)
		guard.Release()
		if err := s.conn.SendUnreliable(payload); err != nil {
			s.trySetDisconnected("transport error")
			return
		}
	}
}
