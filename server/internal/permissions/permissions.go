// Package permissions computes a user's flattened ActivePermissions from
// their personal grant and the grants of every group they hold.
package permissions

import "voicechat/server/internal/wire"

// Resolve computes ActivePermissions as the element-wise maximum over own
// and every group snapshot in groups. Integer powers take the max; CanSend
// is true if it is true in any contributing snapshot (a boolean field set
// by power, per the spec's "boolean-gated-by-power" rule — contributing the
// power when true, 0 otherwise — collapses to an OR once flattened to a
// plain flag).
func Resolve(own wire.PermissionSnapshot, groups []wire.PermissionSnapshot) wire.PermissionSnapshot {
	active := own
	for _, g := range groups {
		active.GroupAssign = max32(active.GroupAssign, g.GroupAssign)
		active.GroupUnassign = max32(active.GroupUnassign, g.GroupUnassign)
		active.ChannelSee = max32(active.ChannelSee, g.ChannelSee)
		active.ChannelJoin = max32(active.ChannelJoin, g.ChannelJoin)
		active.ChannelModify = max32(active.ChannelModify, g.ChannelModify)
		active.ChannelTalk = max32(active.ChannelTalk, g.ChannelTalk)
		active.ChannelAssignTalk = max32(active.ChannelAssignTalk, g.ChannelAssignTalk)
		active.ChannelDelete = max32(active.ChannelDelete, g.ChannelDelete)
		active.CanSend = active.CanSend || g.CanSend
		active.ChannelCreate.Power = max32(active.ChannelCreate.Power, g.ChannelCreate.Power)
		active.ChannelCreate.DefaultSlots = max32(active.ChannelCreate.DefaultSlots, g.ChannelCreate.DefaultSlots)
	}
	return active
}

// Permits reports whether active's power for the named action meets the
// required power r. Call sites pass the relevant field directly, e.g.
// permissions.Permits(active.ChannelJoin, target.Perms.ChannelJoin).
func Permits(activePower, required int32) bool {
	return activePower >= required
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
