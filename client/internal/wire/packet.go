package wire

import "time"

// ProtocolVersion is the only accepted value of AuthRequest.ProtocolVersion.
const ProtocolVersion uint64 = 1

// AuthRequest is the first packet sent by a connecting client.
type AuthRequest struct {
	ProtocolVersion uint64
	PublicKey       []byte   // DER-encoded
	DisplayName     string
	ProofChain      [][32]byte
	// SignedChallenge is kept opaque: the source's signing key and
	// verification path are not reachable, so this value is carried but
	// never validated (see the open question on signed_data).
	SignedChallenge []byte
}

func ReadAuthRequest(r *Reader) (AuthRequest, error) {
	var a AuthRequest
	var err error
	if a.ProtocolVersion, err = r.U64(); err != nil {
		return a, err
	}
	if a.PublicKey, err = r.Bytes(); err != nil {
		return a, err
	}
	if a.DisplayName, err = r.String(); err != nil {
		return a, err
	}
	if a.ProofChain, err = ReadVec(r, (*Reader).ID256); err != nil {
		return a, err
	}
	if a.SignedChallenge, err = r.Bytes(); err != nil {
		return a, err
	}
	return a, nil
}

func WriteAuthRequest(w *Writer, a AuthRequest) {
	w.U64(a.ProtocolVersion)
	w.PrefixedBytes(a.PublicKey)
	w.String(a.DisplayName)
	WriteVec(w, a.ProofChain, (*Writer).ID256)
	w.PrefixedBytes(a.SignedChallenge)
}

// FailureTag is the discriminant of FailureReason.
type FailureTag uint8

const (
	FailureInvalid FailureTag = iota
	FailureOutOfDate
	FailureReqSec
	FailureAlreadyOnline
	failureTagCount
)

// FailureReason is the payload of AuthResponse's Failure variant.
type FailureReason struct {
	Tag FailureTag

	InvalidReason string // Invalid
	ServerVersion uint64 // OutOfDate
	MinLevel      uint8  // ReqSec
}

func ReadFailureReason(r *Reader) (FailureReason, error) {
	var f FailureReason
	tag, err := r.Tag(int(failureTagCount))
	if err != nil {
		return f, err
	}
	f.Tag = FailureTag(tag)
	switch f.Tag {
	case FailureInvalid:
		f.InvalidReason, err = r.String()
	case FailureOutOfDate:
		f.ServerVersion, err = r.U64()
	case FailureReqSec:
		f.MinLevel, err = r.U8()
	case FailureAlreadyOnline:
	}
	return f, err
}

func WriteFailureReason(w *Writer, f FailureReason) {
	w.Tag(uint8(f.Tag))
	switch f.Tag {
	case FailureInvalid:
		w.String(f.InvalidReason)
	case FailureOutOfDate:
		w.U64(f.ServerVersion)
	case FailureReqSec:
		w.U8(f.MinLevel)
	case FailureAlreadyOnline:
	}
}

// AuthResponseTag is the discriminant of AuthResponse.
type AuthResponseTag uint8

const (
	AuthResponseSuccess AuthResponseTag = iota
	AuthResponseFailure
	authResponseTagCount
)

// AuthSuccess is the payload of AuthResponse's Success variant: the full
// initial snapshot handed to a newly admitted client.
type AuthSuccess struct {
	DefaultChannel      [16]byte
	GroupsKnownToServer []GroupInfo
	OwnGroups           [][16]byte
	ChannelsSnapshot    []ChannelInfo
}

// AuthResponse is the reply to an AuthRequest.
type AuthResponse struct {
	Tag     AuthResponseTag
	Success AuthSuccess
	Failure FailureReason
}

func ReadAuthResponse(r *Reader) (AuthResponse, error) {
	var a AuthResponse
	tag, err := r.Tag(int(authResponseTagCount))
	if err != nil {
		return a, err
	}
	a.Tag = AuthResponseTag(tag)
	switch a.Tag {
	case AuthResponseSuccess:
		if a.Success.DefaultChannel, err = r.ID128(); err != nil {
			return a, err
		}
		if a.Success.GroupsKnownToServer, err = ReadVec(r, ReadGroupInfo); err != nil {
			return a, err
		}
		if a.Success.OwnGroups, err = ReadVec(r, (*Reader).ID128); err != nil {
			return a, err
		}
		if a.Success.ChannelsSnapshot, err = ReadVec(r, ReadChannelInfo); err != nil {
			return a, err
		}
	case AuthResponseFailure:
		a.Failure, err = ReadFailureReason(r)
	}
	return a, err
}

func WriteAuthResponse(w *Writer, a AuthResponse) {
	w.Tag(uint8(a.Tag))
	switch a.Tag {
	case AuthResponseSuccess:
		w.ID128(a.Success.DefaultChannel)
		WriteVec(w, a.Success.GroupsKnownToServer, WriteGroupInfo)
		WriteVec(w, a.Success.OwnGroups, (*Writer).ID128)
		WriteVec(w, a.Success.ChannelsSnapshot, WriteChannelInfo)
	case AuthResponseFailure:
		WriteFailureReason(w, a.Failure)
	}
}

// ChannelSubUpdateTag is the discriminant of ChannelSubUpdate.
type ChannelSubUpdateTag uint8

const (
	ChannelSubUpdateClientAdd ChannelSubUpdateTag = iota
	ChannelSubUpdateClientRemove
	channelSubUpdateTagCount
)

// ChannelSubUpdate describes a membership change within one channel.
type ChannelSubUpdate struct {
	Tag          ChannelSubUpdateTag
	ClientAdd    UserProfile
	ClientRemove [32]byte
}

func ReadChannelSubUpdate(r *Reader) (ChannelSubUpdate, error) {
	var s ChannelSubUpdate
	tag, err := r.Tag(int(channelSubUpdateTagCount))
	if err != nil {
		return s, err
	}
	s.Tag = ChannelSubUpdateTag(tag)
	switch s.Tag {
	case ChannelSubUpdateClientAdd:
		s.ClientAdd, err = ReadUserProfile(r)
	case ChannelSubUpdateClientRemove:
		s.ClientRemove, err = r.ID256()
	}
	return s, err
}

func WriteChannelSubUpdate(w *Writer, s ChannelSubUpdate) {
	w.Tag(uint8(s.Tag))
	switch s.Tag {
	case ChannelSubUpdateClientAdd:
		WriteUserProfile(w, s.ClientAdd)
	case ChannelSubUpdateClientRemove:
		w.ID256(s.ClientRemove)
	}
}

// ChannelUpdateTag is the discriminant of ChannelUpdateMsg.
type ChannelUpdateTag uint8

const (
	ChannelUpdateCreate ChannelUpdateTag = iota
	ChannelUpdateSubUpdate
	ChannelUpdateDelete
	channelUpdateTagCount
)

// ChannelUpdateMsg describes a change to a single channel: its creation,
// a membership delta within it, or its deletion.
type ChannelUpdateMsg struct {
	Tag ChannelUpdateTag

	Create ChannelInfo // Create

	SubUpdateChannelID [16]byte         // SubUpdate
	SubUpdate          ChannelSubUpdate // SubUpdate

	Delete [16]byte // Delete
}

func ReadChannelUpdateMsg(r *Reader) (ChannelUpdateMsg, error) {
	var c ChannelUpdateMsg
	tag, err := r.Tag(int(channelUpdateTagCount))
	if err != nil {
		return c, err
	}
	c.Tag = ChannelUpdateTag(tag)
	switch c.Tag {
	case ChannelUpdateCreate:
		c.Create, err = ReadChannelInfo(r)
	case ChannelUpdateSubUpdate:
		if c.SubUpdateChannelID, err = r.ID128(); err != nil {
			return c, err
		}
		c.SubUpdate, err = ReadChannelSubUpdate(r)
	case ChannelUpdateDelete:
		c.Delete, err = r.ID128()
	}
	return c, err
}

func WriteChannelUpdateMsg(w *Writer, c ChannelUpdateMsg) {
	w.Tag(uint8(c.Tag))
	switch c.Tag {
	case ChannelUpdateCreate:
		WriteChannelInfo(w, c.Create)
	case ChannelUpdateSubUpdate:
		w.ID128(c.SubUpdateChannelID)
		WriteChannelSubUpdate(w, c.SubUpdate)
	case ChannelUpdateDelete:
		w.ID128(c.Delete)
	}
}

// KeepAlivePacket carries a monotonically increasing id and the sender's
// wall-clock send time, echoed back unmodified by the peer.
type KeepAlivePacket struct {
	ID       uint64
	SendTime time.Duration
}

func ReadKeepAlivePacket(r *Reader) (KeepAlivePacket, error) {
	var k KeepAlivePacket
	var err error
	if k.ID, err = r.U64(); err != nil {
		return k, err
	}
	if k.SendTime, err = r.Duration(); err != nil {
		return k, err
	}
	return k, nil
}

func WriteKeepAlivePacket(w *Writer, k KeepAlivePacket) {
	w.U64(k.ID)
	w.Duration(k.SendTime)
}

// ClientGroupsUpdate pairs a user with its recomputed group membership.
type ClientGroupsUpdate struct {
	UserID [32]byte
	Groups [][16]byte
}

func ReadClientGroupsUpdate(r *Reader) (ClientGroupsUpdate, error) {
	var u ClientGroupsUpdate
	var err error
	if u.UserID, err = r.ID256(); err != nil {
		return u, err
	}
	if u.Groups, err = ReadVec(r, (*Reader).ID128); err != nil {
		return u, err
	}
	return u, nil
}

func WriteClientGroupsUpdate(w *Writer, u ClientGroupsUpdate) {
	w.ID256(u.UserID)
	WriteVec(w, u.Groups, (*Writer).ID128)
}

// ServerPacketTag is the discriminant of ServerPacket.
type ServerPacketTag uint8

const (
	ServerPacketChannelUpdate ServerPacketTag = iota
	ServerPacketClientConnected
	ServerPacketClientDisconnected
	ServerPacketClientUpdateServerGroups
	ServerPacketForceDisconnect
	ServerPacketKeepAlive
	serverPacketTagCount
)

// ServerPacket is every message type the server may push to a connected
// client on the control stream.
type ServerPacket struct {
	Tag ServerPacketTag

	ChannelUpdate            ChannelUpdateMsg
	ClientConnected          UserProfile
	ClientDisconnected       [32]byte
	ClientUpdateServerGroups ClientGroupsUpdate
	ForceDisconnectReason    string
	KeepAlive                KeepAlivePacket
}

func ReadServerPacket(r *Reader) (ServerPacket, error) {
	var p ServerPacket
	tag, err := r.Tag(int(serverPacketTagCount))
	if err != nil {
		return p, err
	}
	p.Tag = ServerPacketTag(tag)
	switch p.Tag {
	case ServerPacketChannelUpdate:
		p.ChannelUpdate, err = ReadChannelUpdateMsg(r)
	case ServerPacketClientConnected:
		p.ClientConnected, err = ReadUserProfile(r)
	case ServerPacketClientDisconnected:
		p.ClientDisconnected, err = r.ID256()
	case ServerPacketClientUpdateServerGroups:
		p.ClientUpdateServerGroups, err = ReadClientGroupsUpdate(r)
	case ServerPacketForceDisconnect:
		p.ForceDisconnectReason, err = r.String()
	case ServerPacketKeepAlive:
		p.KeepAlive, err = ReadKeepAlivePacket(r)
	}
	return p, err
}

func WriteServerPacket(w *Writer, p ServerPacket) {
	w.Tag(uint8(p.Tag))
	switch p.Tag {
	case ServerPacketChannelUpdate:
		WriteChannelUpdateMsg(w, p.ChannelUpdate)
	case ServerPacketClientConnected:
		WriteUserProfile(w, p.ClientConnected)
	case ServerPacketClientDisconnected:
		w.ID256(p.ClientDisconnected)
	case ServerPacketClientUpdateServerGroups:
		WriteClientGroupsUpdate(w, p.ClientUpdateServerGroups)
	case ServerPacketForceDisconnect:
		w.String(p.ForceDisconnectReason)
	case ServerPacketKeepAlive:
		WriteKeepAlivePacket(w, p.KeepAlive)
	}
}

// ClientPacketTag is the discriminant of ClientPacket.
type ClientPacketTag uint8

const (
	ClientPacketSwitchChannel ClientPacketTag = iota
	ClientPacketDisconnect
	ClientPacketUpdateClientServerGroups
	ClientPacketKeepAlive
	clientPacketTagCount
)

// ClientPacket is every message type a connected client may send on the
// control stream.
type ClientPacket struct {
	Tag ClientPacketTag

	SwitchChannel            [16]byte
	UpdateClientServerGroups [][16]byte
	KeepAlive                KeepAlivePacket
}

func ReadClientPacket(r *Reader) (ClientPacket, error) {
	var p ClientPacket
	tag, err := r.Tag(int(clientPacketTagCount))
	if err != nil {
		return p, err
	}
	p.Tag = ClientPacketTag(tag)
	switch p.Tag {
	case ClientPacketSwitchChannel:
		p.SwitchChannel, err = r.ID128()
	case ClientPacketDisconnect:
	case ClientPacketUpdateClientServerGroups:
		p.UpdateClientServerGroups, err = ReadVec(r, (*Reader).ID128)
	case ClientPacketKeepAlive:
		p.KeepAlive, err = ReadKeepAlivePacket(r)
	}
	return p, err
}

func WriteClientPacket(w *Writer, p ClientPacket) {
	w.Tag(uint8(p.Tag))
	switch p.Tag {
	case ClientPacketSwitchChannel:
		w.ID128(p.SwitchChannel)
	case ClientPacketDisconnect:
	case ClientPacketUpdateClientServerGroups:
		WriteVec(w, p.UpdateClientServerGroups, (*Writer).ID128)
	case ClientPacketKeepAlive:
		WriteKeepAlivePacket(w, p.KeepAlive)
	}
}
