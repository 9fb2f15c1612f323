// Package registry holds the server's authoritative in-memory state:
// channels, groups, and users, plus the online-user index used for O(1)
// "already online" checks during handshake. Every authoritative mutation
// except DeleteUser (see its doc) invokes the matching persistence callback
// so the caller can shadow the change to disk (see server/store) — the
// registry itself holds no opinion on the storage format.
package registry

import (
	"fmt"
	"sync"

	"voicechat/server/internal/wire"
)

// DefaultChannelID and the two reserved groups are fixed 128-bit ids.
var (
	DefaultChannelID = [16]byte{0x00}
	DefaultGroupID   = [16]byte{0x00}
	AdminGroupID     = [16]byte{0x01}
)

// Channel is the authoritative record for one voice channel.
type Channel struct {
	ID          [16]byte
	SortIndex   int32
	Name        string
	Description string
	Password    *string
	Perms       wire.PermissionSnapshot
	Slots       int32 // -1 = unlimited
	Members     map[[32]byte]struct{}
}

func (c *Channel) snapshot() wire.ChannelInfo {
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

// Group is the authoritative record for one server group.
type Group struct {
	ID          [16]byte
	DisplayName string
	Priority    int32
	Perms       wire.PermissionSnapshot
}

func (g *Group) snapshot() wire.GroupInfo {
	return wire.GroupInfo{GroupID: g.ID, DisplayName: g.DisplayName, Priority: g.Priority, Perms: g.Perms}
}

// User is the authoritative record for one known user, online or not.
type User struct {
	ID             [32]byte
	DisplayName    string
	LastProof      []byte
	LastLevel      uint8
	Groups         map[[16]byte]struct{}
	OwnPerms       wire.PermissionSnapshot
	ActivePerms    wire.PermissionSnapshot
	CurrentChannel [16]byte
}

func (u *User) groupList() [][16]byte {
	out := make([][16]byte, 0, len(u.Groups))
	for id := range u.Groups {
		out = append(out, id)
	}
	return out
}

func (u *User) profile() wire.UserProfile {
	return wire.UserProfile{
		UserID:      u.ID,
		DisplayName: u.DisplayName,
		ChannelID:   u.CurrentChannel,
		Groups:      u.groupList(),
	}
}

// ErrNotFound is returned when a channel/group/user id is unknown.
var ErrNotFound = fmt.Errorf("registry: not found")

// ErrDefaultChannel is returned by DeleteChannel for the reserved default
// channel id.
var ErrDefaultChannel = fmt.Errorf("registry: default channel cannot be deleted")

// ErrChannelFull is returned by SwitchChannel when the target has no free
// slot.
var ErrChannelFull = fmt.Errorf("registry: channel is full")

// Hooks lets the caller shadow authoritative mutations to disk. Any nil hook
// is skipped. Hooks are invoked with the lock already released.
type Hooks struct {
	SaveChannels func(map[[16]byte]Channel)
	SaveGroups   func(map[[16]byte]Group)
	SaveUsers    func(map[[32]byte]User)
}

// Registry is the concurrency-safe authoritative state container.
type Registry struct {
	mu       sync.RWMutex
	channels map[[16]byte]Channel
	groups   map[[16]byte]Group
	users    map[[32]byte]User // all known users, online or not
	online   map[[32]byte]struct{}
	hooks    Hooks
}

// New builds a registry seeded with the reserved default channel and the
// default/admin groups.
func New(hooks Hooks) *Registry {
	r := &Registry{
		channels: map[[16]byte]Channel{
			DefaultChannelID: {
				ID:      DefaultChannelID,
				Name:    "General",
				Slots:   -1,
				Members: map[[32]byte]struct{}{},
			},
		},
		groups: map[[16]byte]Group{
			DefaultGroupID: {ID: DefaultGroupID, DisplayName: "default"},
			AdminGroupID: {ID: AdminGroupID, DisplayName: "admin", Priority: 100, Perms: wire.PermissionSnapshot{
				GroupAssign: 100, GroupUnassign: 100, ChannelSee: 100, ChannelJoin: 100,
				ChannelModify: 100, ChannelTalk: 100, ChannelAssignTalk: 100, ChannelDelete: 100,
				CanSend: true, ChannelCreate: wire.ChannelCreatePermission{Power: 100, DefaultSlots: -1},
			}},
		},
		users:  map[[32]byte]User{},
		online: map[[32]byte]struct{}{},
		hooks:  hooks,
	}
	return r
}

func copyChannels(m map[[16]byte]Channel) map[[16]byte]Channel {
	out := make(map[[16]byte]Channel, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyGroups(m map[[16]byte]Group) map[[16]byte]Group {
	out := make(map[[16]byte]Group, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyUsers(m map[[32]byte]User) map[[32]byte]User {
	out := make(map[[32]byte]User, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *Registry) saveChannelsLocked() {
	if r.hooks.SaveChannels == nil {
		return
	}
	r.mu.RLock()
	snap := copyChannels(r.channels)
	r.mu.RUnlock()
	go r.hooks.SaveChannels(snap)
}

func (r *Registry) saveGroupsLocked() {
	if r.hooks.SaveGroups == nil {
		return
	}
	r.mu.RLock()
	snap := copyGroups(r.groups)
	r.mu.RUnlock()
	go r.hooks.SaveGroups(snap)
}

func (r *Registry) saveUsersLocked() {
	if r.hooks.SaveUsers == nil {
		return
	}
	r.mu.RLock()
	snap := copyUsers(r.users)
	r.mu.RUnlock()
	go r.hooks.SaveUsers(snap)
}

// ChannelsSnapshot returns the wire representation of every channel, used to
// build an AuthResponse.Success snapshot.
func (r *Registry) ChannelsSnapshot() []wire.ChannelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wire.ChannelInfo, 0, len(r.channels))
	for _, c := range r.channels {
		cc := c
		out = append(out, cc.snapshot())
	}
	return out
}

// GroupsSnapshot returns the wire representation of every group.
func (r *Registry) GroupsSnapshot() []wire.GroupInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wire.GroupInfo, 0, len(r.groups))
	for _, g := range r.groups {
		gg := g
		out = append(out, gg.snapshot())
	}
	return out
}

// IsOnline reports whether uuid already has an active session.
func (r *Registry) IsOnline(uuid [32]byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.online[uuid]
	return ok
}

// LoadOrCreateUser returns the existing user record for uuid, or creates one
// with the given display name, placing them (not yet online) in the default
// group.
func (r *Registry) LoadOrCreateUser(uuid [32]byte, displayName string) (User, bool) {
	r.mu.Lock()
	u, existed := r.users[uuid]
	if !existed {
		u = User{
			ID:             uuid,
			DisplayName:    displayName,
			Groups:         map[[16]byte]struct{}{DefaultGroupID: {}},
			CurrentChannel: DefaultChannelID,
		}
		r.users[uuid] = u
	}
	r.mu.Unlock()
	if !existed {
		r.saveUsersLocked()
	}
	return u, existed
}

// RestoreUser seeds a previously persisted user record directly into the
// registry. Unlike LoadOrCreateUser it does not invoke hooks or default any
// missing field beyond a nil-map guard — it exists solely for startup
// bootstrap, before any connection reaches the registry, so there is
// nothing yet to shadow back to disk.
func (r *Registry) RestoreUser(u User) {
	if u.Groups == nil {
		u.Groups = map[[16]byte]struct{}{}
	}
	r.mu.Lock()
	r.users[u.ID] = u
	r.mu.Unlock()
}

// AllUsers returns a copy of every known user record, online or not. Used by
// the CLI's onlineusers/user lookups and by the shadow-store writer.
func (r *Registry) AllUsers() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	return out
}

// UserByName finds a known user by display name (first match; display names
// are not guaranteed unique). Used by CLI name-based lookups.
func (r *Registry) UserByName(name string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.DisplayName == name {
			return u, true
		}
	}
	return User{}, false
}

// DeleteUser removes uuid from the registry entirely. It does not affect an
// active session — a currently-online user reappears on their next
// handshake via LoadOrCreateUser, the same limitation the teacher's
// CLI/server split already had (the CLI has no privileged channel into a
// running session). The removal invokes no hook: Hooks has no callback for
// deleting a stored user, so a user already shadowed to disk is restored
// on the next start.
func (r *Registry) DeleteUser(uuid [32]byte) {
	r.mu.Lock()
	delete(r.users, uuid)
	r.mu.Unlock()
}

// ChannelByName finds a channel by name (first match). Used by CLI
// name-based lookups.
func (r *Registry) ChannelByName(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.channels {
		if c.Name == name {
			return c, true
		}
	}
	return Channel{}, false
}

// GroupSnapshotsFor returns the permission snapshot of every group in ids.
func (r *Registry) GroupSnapshotsFor(ids map[[16]byte]struct{}) []wire.PermissionSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wire.PermissionSnapshot, 0, len(ids))
	for id := range ids {
		if g, ok := r.groups[id]; ok {
			out = append(out, g.Perms)
		}
	}
	return out
}

// SetUserActivePerms stores the recomputed ActivePermissions for uuid.
func (r *Registry) SetUserActivePerms(uuid [32]byte, active wire.PermissionSnapshot) {
	r.mu.Lock()
	u, ok := r.users[uuid]
	if ok {
		u.ActivePerms = active
		r.users[uuid] = u
	}
	r.mu.Unlock()
	if ok {
		r.saveUsersLocked()
	}
}

// SetUserLastProof updates the last-submitted proof value and verified level.
func (r *Registry) SetUserLastProof(uuid [32]byte, proof []byte, level uint8) {
	r.mu.Lock()
	u, ok := r.users[uuid]
	if ok {
		u.LastProof = proof
		u.LastLevel = level
		r.users[uuid] = u
	}
	r.mu.Unlock()
	if ok {
		r.saveUsersLocked()
	}
}

// AdmitToDefaultChannel marks uuid online and inserts it into the default
// channel's roster.
func (r *Registry) AdmitToDefaultChannel(uuid [32]byte) {
	r.mu.Lock()
	r.online[uuid] = struct{}{}
	ch := r.channels[DefaultChannelID]
	if ch.Members == nil {
		ch.Members = map[[32]byte]struct{}{}
	}
	ch.Members[uuid] = struct{}{}
	r.channels[DefaultChannelID] = ch
	u := r.users[uuid]
	u.CurrentChannel = DefaultChannelID
	r.users[uuid] = u
	r.mu.Unlock()
	r.saveChannelsLocked()
}

// RemoveOnline removes uuid from the online index and from whatever channel
// roster it currently belongs to.
func (r *Registry) RemoveOnline(uuid [32]byte) (wasChannel [16]byte) {
	r.mu.Lock()
	delete(r.online, uuid)
	u := r.users[uuid]
	wasChannel = u.CurrentChannel
	if ch, ok := r.channels[wasChannel]; ok {
		delete(ch.Members, uuid)
		r.channels[wasChannel] = ch
	}
	r.mu.Unlock()
	r.saveChannelsLocked()
	return wasChannel
}

// OnlineProfiles returns the profile of every currently online user except
// excluding.
func (r *Registry) OnlineProfiles(excluding [32]byte) []wire.UserProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wire.UserProfile, 0, len(r.online))
	for id := range r.online {
		if id == excluding {
			continue
		}
		u := r.users[id]
		out = append(out, u.profile())
	}
	return out
}

// Profile returns uuid's current wire profile.
func (r *Registry) Profile(uuid [32]byte) (wire.UserProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[uuid]
	if !ok {
		return wire.UserProfile{}, false
	}
	return u.profile(), true
}

// ActivePerms returns uuid's last-computed ActivePermissions.
func (r *Registry) ActivePerms(uuid [32]byte) (wire.PermissionSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[uuid]
	return u.ActivePerms, ok
}

// Channel returns a copy of the channel record for id.
func (r *Registry) Channel(id [16]byte) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[id]
	return c, ok
}

// ChannelPerms returns just the permission snapshot of channel id.
func (r *Registry) ChannelPerms(id [16]byte) (wire.PermissionSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[id]
	return c.Perms, ok
}

// SwitchChannel moves uuid from its current channel to target, enforcing the
// target's slot capacity. Returns the previous channel id on success.
func (r *Registry) SwitchChannel(uuid [32]byte, target [16]byte) (prev [16]byte, err error) {
	r.mu.Lock()
	targetCh, ok := r.channels[target]
	if !ok {
		r.mu.Unlock()
		return prev, ErrNotFound
	}
	if targetCh.Slots >= 0 && int32(len(targetCh.Members)) >= targetCh.Slots {
		r.mu.Unlock()
		return prev, ErrChannelFull
	}
	u := r.users[uuid]
	prev = u.CurrentChannel
	if prevCh, ok := r.channels[prev]; ok {
		delete(prevCh.Members, uuid)
		r.channels[prev] = prevCh
	}
	if targetCh.Members == nil {
		targetCh.Members = map[[32]byte]struct{}{}
	}
	targetCh.Members[uuid] = struct{}{}
	r.channels[target] = targetCh
	u.CurrentChannel = target
	r.users[uuid] = u
	r.mu.Unlock()
	r.saveChannelsLocked()
	return prev, nil
}

// SetUserGroups replaces uuid's group membership wholesale.
func (r *Registry) SetUserGroups(uuid [32]byte, groups [][16]byte) {
	r.mu.Lock()
	u, ok := r.users[uuid]
	if ok {
		set := make(map[[16]byte]struct{}, len(groups))
		for _, g := range groups {
			set[g] = struct{}{}
		}
		u.Groups = set
		r.users[uuid] = u
	}
	r.mu.Unlock()
	if ok {
		r.saveUsersLocked()
	}
}

// UserGroups returns a copy of uuid's current group id set.
func (r *Registry) UserGroups(uuid [32]byte) map[[16]byte]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[uuid]
	if !ok {
		return nil
	}
	out := make(map[[16]byte]struct{}, len(u.Groups))
	for g := range u.Groups {
		out[g] = struct{}{}
	}
	return out
}

// CreateChannel inserts a new channel and returns its record.
func (r *Registry) CreateChannel(id [16]byte, name, desc string, slots int32, sortIndex int32, password *string, perms wire.PermissionSnapshot) Channel {
	ch := Channel{
		ID: id, Name: name, Description: desc, Slots: slots, SortIndex: sortIndex,
		Password: password, Perms: perms, Members: map[[32]byte]struct{}{},
	}
	r.mu.Lock()
	r.channels[id] = ch
	r.mu.Unlock()
	r.saveChannelsLocked()
	return ch
}

// EditChannel applies mutate to the channel identified by id under the
// registry lock, then persists the result.
func (r *Registry) EditChannel(id [16]byte, mutate func(*Channel)) error {
	r.mu.Lock()
	ch, ok := r.channels[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	mutate(&ch)
	r.channels[id] = ch
	r.mu.Unlock()
	r.saveChannelsLocked()
	return nil
}

// DeleteChannel removes a non-default channel, moving any occupants to the
// default channel first.
func (r *Registry) DeleteChannel(id [16]byte) ([][32]byte, error) {
	if id == DefaultChannelID {
		return nil, ErrDefaultChannel
	}
	r.mu.Lock()
	ch, ok := r.channels[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	moved := make([][32]byte, 0, len(ch.Members))
	def := r.channels[DefaultChannelID]
	if def.Members == nil {
		def.Members = map[[32]byte]struct{}{}
	}
	for uuid := range ch.Members {
		def.Members[uuid] = struct{}{}
		u := r.users[uuid]
		u.CurrentChannel = DefaultChannelID
		r.users[uuid] = u
		moved = append(moved, uuid)
	}
	r.channels[DefaultChannelID] = def
	delete(r.channels, id)
	r.mu.Unlock()
	r.saveChannelsLocked()
	return moved, nil
}
