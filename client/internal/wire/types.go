package wire

// PermissionSnapshot is the single record type used for both a static grant
// (on a user, group, or channel) and a flattened ActivePermissions value.
// Every field is an integer "power"; zero means "no power". CanSend is a
// plain flag, not a power, per the spec's data model.
type PermissionSnapshot struct {
	GroupAssign       int32
	GroupUnassign     int32
	ChannelSee        int32
	ChannelJoin       int32
	ChannelModify     int32
	ChannelTalk       int32
	ChannelAssignTalk int32
	ChannelDelete     int32
	CanSend           bool
	ChannelCreate     ChannelCreatePermission
}

// ChannelCreatePermission is the nested record gating channel creation: the
// power required to create a channel, and the defaults stamped onto a
// channel created under that grant.
type ChannelCreatePermission struct {
	Power        int32
	DefaultSlots int32
}

func ReadPermissionSnapshot(r *Reader) (PermissionSnapshot, error) {
	var p PermissionSnapshot
	var err error
	if p.GroupAssign, err = readI32(r); err != nil {
		return p, err
	}
	if p.GroupUnassign, err = readI32(r); err != nil {
		return p, err
	}
	if p.ChannelSee, err = readI32(r); err != nil {
		return p, err
	}
	if p.ChannelJoin, err = readI32(r); err != nil {
		return p, err
	}
	if p.ChannelModify, err = readI32(r); err != nil {
		return p, err
	}
	if p.ChannelTalk, err = readI32(r); err != nil {
		return p, err
	}
	if p.ChannelAssignTalk, err = readI32(r); err != nil {
		return p, err
	}
	if p.ChannelDelete, err = readI32(r); err != nil {
		return p, err
	}
	if p.CanSend, err = r.Bool(); err != nil {
		return p, err
	}
	if p.ChannelCreate.Power, err = readI32(r); err != nil {
		return p, err
	}
	if p.ChannelCreate.DefaultSlots, err = readI32(r); err != nil {
		return p, err
	}
	return p, nil
}

func WritePermissionSnapshot(w *Writer, p PermissionSnapshot) {
	writeI32(w, p.GroupAssign)
	writeI32(w, p.GroupUnassign)
	writeI32(w, p.ChannelSee)
	writeI32(w, p.ChannelJoin)
	writeI32(w, p.ChannelModify)
	writeI32(w, p.ChannelTalk)
	writeI32(w, p.ChannelAssignTalk)
	writeI32(w, p.ChannelDelete)
	w.Bool(p.CanSend)
	writeI32(w, p.ChannelCreate.Power)
	writeI32(w, p.ChannelCreate.DefaultSlots)
}

func readI32(r *Reader) (int32, error) {
	v, err := r.U32()
	return int32(v), err
}

func writeI32(w *Writer, v int32) {
	w.U32(uint32(v))
}

// GroupInfo describes a server group (reserved ids: 0x0 default, 0x1 admin).
type GroupInfo struct {
	GroupID     [16]byte
	DisplayName string
	Priority    int32
	Perms       PermissionSnapshot
}

func ReadGroupInfo(r *Reader) (GroupInfo, error) {
	var g GroupInfo
	var err error
	if g.GroupID, err = r.ID128(); err != nil {
		return g, err
	}
	if g.DisplayName, err = r.String(); err != nil {
		return g, err
	}
	if g.Priority, err = readI32(r); err != nil {
		return g, err
	}
	if g.Perms, err = ReadPermissionSnapshot(r); err != nil {
		return g, err
	}
	return g, nil
}

func WriteGroupInfo(w *Writer, g GroupInfo) {
	w.ID128(g.GroupID)
	w.String(g.DisplayName)
	writeI32(w, g.Priority)
	WritePermissionSnapshot(w, g.Perms)
}

// ChannelInfo describes a channel including its current roster. Slots is
// signed; -1 means unlimited.
type ChannelInfo struct {
	ChannelID   [16]byte
	SortIndex   int32
	Name        string
	Description string
	Password    *string
	Perms       PermissionSnapshot
	Slots       int32
	Members     [][32]byte
}

func ReadChannelInfo(r *Reader) (ChannelInfo, error) {
	var c ChannelInfo
	var err error
	if c.ChannelID, err = r.ID128(); err != nil {
		return c, err
	}
	if c.SortIndex, err = readI32(r); err != nil {
		return c, err
	}
	if c.Name, err = r.String(); err != nil {
		return c, err
	}
	if c.Description, err = r.String(); err != nil {
		return c, err
	}
	if c.Password, err = ReadOption(r, (*Reader).String); err != nil {
		return c, err
	}
	if c.Perms, err = ReadPermissionSnapshot(r); err != nil {
		return c, err
	}
	if c.Slots, err = readI32(r); err != nil {
		return c, err
	}
	if c.Members, err = ReadVec(r, (*Reader).ID256); err != nil {
		return c, err
	}
	return c, nil
}

func WriteChannelInfo(w *Writer, c ChannelInfo) {
	w.ID128(c.ChannelID)
	writeI32(w, c.SortIndex)
	w.String(c.Name)
	w.String(c.Description)
	WriteOption(w, c.Password, (*Writer).String)
	WritePermissionSnapshot(w, c.Perms)
	writeI32(w, c.Slots)
	WriteVec(w, c.Members, (*Writer).ID256)
}

// UserProfile describes a user as broadcast to peers: identity, current
// channel, and group membership. It deliberately excludes server-side-only
// fields such as last-submitted proof value.
type UserProfile struct {
	UserID      [32]byte
	DisplayName string
	ChannelID   [16]byte
	Groups      [][16]byte
}

func ReadUserProfile(r *Reader) (UserProfile, error) {
	var u UserProfile
	var err error
	if u.UserID, err = r.ID256(); err != nil {
		return u, err
	}
	if u.DisplayName, err = r.String(); err != nil {
		return u, err
	}
	if u.ChannelID, err = r.ID128(); err != nil {
		return u, err
	}
	if u.Groups, err = ReadVec(r, (*Reader).ID128); err != nil {
		return u, err
	}
	return u, nil
}

func WriteUserProfile(w *Writer, u UserProfile) {
	w.ID256(u.UserID)
	w.String(u.DisplayName)
	w.ID128(u.ChannelID)
	WriteVec(w, u.Groups, (*Writer).ID128)
}
