package main

import (
	"encoding/json"
	"log"

	"voicechat/server/internal/registry"
	"voicechat/server/internal/wire"
	"voicechat/server/store"
)

// Channel and group records key their maps by a 128/256-bit array, which
// encoding/json cannot use directly as a map key (it requires string,
// integer, or encoding.TextMarshaler keys) — so the shadow files store a
// flat slice instead, keyed implicitly by each record's own ID field.

type persistedChannel struct {
	ID          [16]byte
	SortIndex   int32
	Name        string
	Description string
	Password    *string
	Perms       wire.PermissionSnapshot
	Slots       int32
}

type persistedUser struct {
	ID          [32]byte
	DisplayName string
	LastProof   []byte
	LastLevel   uint8
	Groups      [][16]byte
	OwnPerms    wire.PermissionSnapshot
	ActivePerms wire.PermissionSnapshot
}

func channelsToDisk(m map[[16]byte]registry.Channel) []persistedChannel {
	out := make([]persistedChannel, 0, len(m))
	for _, c := range m {
		out = append(out, persistedChannel{
			ID: c.ID, SortIndex: c.SortIndex, Name: c.Name, Description: c.Description,
			Password: c.Password, Perms: c.Perms, Slots: c.Slots,
		})
	}
	return out
}

// buildRegistryHooks wires registry mutations to the shadow store: channels
// go to a JSON file (channel_db.json, per spec.md §6), users go to the
// UserId-keyed SQLite KV store (the "user_db" contract). A SaveGroups hook
// writing server_group_db.json is wired too, but the registry only ever
// holds the two reserved groups, has no group mutation and never invokes
// it, so that file is not written and groups are not restored.
func buildRegistryHooks(st *store.Store, channelDBPath, groupDBPath string) registry.Hooks {
	return registry.Hooks{
		SaveChannels: func(m map[[16]byte]registry.Channel) {
			if err := store.SaveJSON(channelDBPath, channelsToDisk(m)); err != nil {
				log.Printf("[persist] save channels: %v", err)
			}
		},
		SaveGroups: func(m map[[16]byte]registry.Group) {
			out := make([]wire.GroupInfo, 0, len(m))
			for _, g := range m {
				out = append(out, wire.GroupInfo{GroupID: g.ID, DisplayName: g.DisplayName, Priority: g.Priority, Perms: g.Perms})
			}
			if err := store.SaveJSON(groupDBPath, out); err != nil {
				log.Printf("[persist] save groups: %v", err)
			}
		},
		SaveUsers: func(m map[[32]byte]registry.User) {
			for _, u := range m {
				if err := saveUser(st, u); err != nil {
					log.Printf("[persist] save user %x: %v", u.ID, err)
				}
			}
		},
	}
}

func saveUser(st *store.Store, u registry.User) error {
	groups := make([][16]byte, 0, len(u.Groups))
	for g := range u.Groups {
		groups = append(groups, g)
	}
	data, err := json.Marshal(persistedUser{
		ID: u.ID, DisplayName: u.DisplayName, LastProof: u.LastProof, LastLevel: u.LastLevel,
		Groups: groups, OwnPerms: u.OwnPerms, ActivePerms: u.ActivePerms,
	})
	if err != nil {
		return err
	}
	return st.PutUser(u.ID, data)
}

// restoreChannels loads channel_db.json (if present) and recreates every
// non-default channel directly against reg, before any connection is
// accepted — rosters start empty regardless of what was persisted, since
// online membership is transient per-process state.
func restoreChannels(reg *registry.Registry, path string) {
	var saved []persistedChannel
	ok, err := store.LoadJSON(path, &saved)
	if err != nil {
		log.Printf("[persist] load channels: %v", err)
		return
	}
	if !ok {
		return
	}
	for _, c := range saved {
		if c.ID == registry.DefaultChannelID {
			continue
		}
		reg.CreateChannel(c.ID, c.Name, c.Description, c.Slots, c.SortIndex, c.Password, c.Perms)
	}
}

// restoreUsers seeds the registry with every previously known user so a
// returning client's groups and permission history survive a restart.
func restoreUsers(reg *registry.Registry, st *store.Store) {
	ids, err := st.AllUserIDs()
	if err != nil {
		log.Printf("[persist] list users: %v", err)
		return
	}
	for _, id := range ids {
		data, ok, err := st.GetUser(id)
		if err != nil || !ok {
			continue
		}
		var p persistedUser
		if err := json.Unmarshal(data, &p); err != nil {
			log.Printf("[persist] decode user %x: %v", id, err)
			continue
		}
		groups := make(map[[16]byte]struct{}, len(p.Groups))
		for _, g := range p.Groups {
			groups[g] = struct{}{}
		}
		reg.RestoreUser(registry.User{
			ID: p.ID, DisplayName: p.DisplayName, LastProof: p.LastProof, LastLevel: p.LastLevel,
			Groups: groups, OwnPerms: p.OwnPerms, ActivePerms: p.ActivePerms,
			CurrentChannel: registry.DefaultChannelID,
		})
	}
}
