package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"voicechat/server/internal/registry"
	"voicechat/server/internal/session"
	"voicechat/server/internal/wire"
	"voicechat/server/store"
)

// RunCLI handles the out-of-process argv subcommands that don't need a
// running server: version prints the release tag, and status/backup operate
// directly on the on-disk shadow store, the way the teacher's cli.go works
// whether or not a server process is currently up. The live admin surface (§6: stop, channels,
// channel ..., user ..., onlineusers, help) only makes sense against a
// running registry and is handled by runAdminConsole instead.
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "version":
		fmt.Printf("voicechat server %s\n", Version)
		return true
	case "status":
		return cliStatus(args[1:])
	case "backup":
		return cliBackup(args[1:])
	default:
		return false
	}
}

func cliDataDir(args []string) (string, []string) {
	for i, a := range args {
		if a == "-data-dir" && i+1 < len(args) {
			return args[i+1], append(append([]string{}, args[:i]...), args[i+2:]...)
		}
	}
	return ".", args
}

func cliStatus(args []string) bool {
	dataDir, _ := cliDataDir(args)
	st, err := store.New(filepath.Join(dataDir, "users.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	n, err := st.UserCount()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var channels []persistedChannel
	ok, _ := store.LoadJSON(filepath.Join(dataDir, "channel_db.json"), &channels)
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Known users: %d\n", n)
	if ok {
		count := 0
		for _, c := range channels {
			if c.ID != registry.DefaultChannelID {
				count++
			}
		}
		fmt.Printf("Channels (excluding default): %d\n", count)
	} else {
		fmt.Println("Channels (excluding default): 0 (no shadow file yet)")
	}
	return true
}

func cliBackup(args []string) bool {
	dataDir, args := cliDataDir(args)
	st, err := store.New(filepath.Join(dataDir, "users.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	outPath := "users-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}
	if err := st.Backup(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}

// runAdminConsole reads §6's command surface from stdin for the lifetime of
// the running server, mutating authoritative state directly through srv and
// reg. "stop" cancels ctx, which unwinds main's accept loop and listener.
func runAdminConsole(ctx context.Context, srv *session.Server, reg *registry.Registry, stop context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if exit := dispatchAdminCommand(fields, srv, reg, stop); exit {
			return
		}
	}
}

func dispatchAdminCommand(fields []string, srv *session.Server, reg *registry.Registry, stop context.CancelFunc) (exit bool) {
	switch fields[0] {
	case "stop":
		fmt.Println("stopping...")
		stop()
		return true
	case "help":
		printAdminHelp()
	case "onlineusers":
		cliOnlineUsers(reg)
	case "channels":
		cliListChannels(reg)
	case "channel":
		cliChannel(fields[1:], srv, reg)
	case "user":
		cliUser(fields[1:], srv, reg)
	default:
		fmt.Printf("unknown command %q; type help for the command list\n", fields[0])
	}
	return false
}

func printAdminHelp() {
	fmt.Println(`commands:
  stop
  channels
  channel <name> create <slots> [sort] [password] [desc]
  channel <name> edit <slots> [sort] [password] [desc]
  channel <name> delete
  user <name> delete
  user <name> group <group-name>
  user <name> perms
  onlineusers
  help`)
}

func cliOnlineUsers(reg *registry.Registry) {
	any := false
	for _, u := range reg.AllUsers() {
		if !reg.IsOnline(u.ID) {
			continue
		}
		any = true
		fmt.Printf("  %-20s %x\n", u.DisplayName, u.ID)
	}
	if !any {
		fmt.Println("no users online")
	}
}

func cliListChannels(reg *registry.Registry) {
	for _, c := range reg.ChannelsSnapshot() {
		fmt.Printf("  %-20s slots=%d members=%d\n", c.Name, c.Slots, len(c.Members))
	}
}

func cliChannel(args []string, srv *session.Server, reg *registry.Registry) {
	if len(args) < 2 {
		fmt.Println("usage: channel <name> (create <slots> [sort] [password] [desc] | edit ... | delete)")
		return
	}
	name, sub, rest := args[0], args[1], args[2:]
	switch sub {
	case "create":
		slots, sort, password, desc, err := parseChannelArgs(rest)
		if err != nil {
			fmt.Println(err)
			return
		}
		id := newChannelID()
		srv.CreateChannel(id, name, desc, slots, sort, password, wire.PermissionSnapshot{})
		fmt.Printf("created channel %q\n", name)
	case "edit":
		slots, sort, password, desc, err := parseChannelArgs(rest)
		if err != nil {
			fmt.Println(err)
			return
		}
		ch, ok := reg.ChannelByName(name)
		if !ok {
			fmt.Printf("no such channel %q\n", name)
			return
		}
		if err := srv.EditChannel(ch.ID, func(c *registry.Channel) {
			c.Slots, c.SortIndex, c.Password, c.Description = slots, sort, password, desc
		}); err != nil {
			fmt.Println(err)
			return
		}
		fmt.Printf("edited channel %q\n", name)
	case "delete":
		ch, ok := reg.ChannelByName(name)
		if !ok {
			fmt.Printf("no such channel %q\n", name)
			return
		}
		if err := srv.DeleteChannel(ch.ID); err != nil {
			fmt.Println(err)
			return
		}
		fmt.Printf("deleted channel %q\n", name)
	default:
		fmt.Printf("unknown channel subcommand %q\n", sub)
	}
}

// parseChannelArgs parses "<slots> [sort] [password] [desc]" — slots and
// sort are numeric, password and description are free text; "-" means
// "omit this optional field" so later ones can still be supplied.
func parseChannelArgs(args []string) (slots, sort int32, password *string, desc string, err error) {
	if len(args) == 0 {
		return 0, 0, nil, "", fmt.Errorf("slots is required")
	}
	n, convErr := strconv.Atoi(args[0])
	if convErr != nil {
		return 0, 0, nil, "", fmt.Errorf("invalid slots %q: %w", args[0], convErr)
	}
	slots = int32(n)
	if len(args) > 1 && args[1] != "-" {
		n, convErr := strconv.Atoi(args[1])
		if convErr != nil {
			return 0, 0, nil, "", fmt.Errorf("invalid sort index %q: %w", args[1], convErr)
		}
		sort = int32(n)
	}
	if len(args) > 2 && args[2] != "-" {
		p := args[2]
		password = &p
	}
	if len(args) > 3 {
		desc = strings.Join(args[3:], " ")
	}
	return slots, sort, password, desc, nil
}

func cliUser(args []string, srv *session.Server, reg *registry.Registry) {
	if len(args) < 2 {
		fmt.Println("usage: user <name> (delete | group <group-name> | perms)")
		return
	}
	name, sub, rest := args[0], args[1], args[2:]
	u, ok := reg.UserByName(name)
	if !ok {
		fmt.Printf("no such user %q\n", name)
		return
	}
	switch sub {
	case "delete":
		reg.DeleteUser(u.ID)
		fmt.Printf("deleted user %q (no longer known; a currently-online session is unaffected until it reconnects)\n", name)
	case "group":
		if len(rest) == 0 {
			fmt.Println("usage: user <name> group <group-name>")
			return
		}
		groupID, ok := resolveGroupID(reg, rest[0])
		if !ok {
			fmt.Printf("no such group %q\n", rest[0])
			return
		}
		srv.SetUserGroupsAdmin(u.ID, [][16]byte{groupID})
		fmt.Printf("set %q's group to %q\n", name, rest[0])
	case "perms":
		perms, _ := reg.ActivePerms(u.ID)
		fmt.Printf("%+v\n", perms)
	default:
		fmt.Printf("unknown user subcommand %q\n", sub)
	}
}

func resolveGroupID(reg *registry.Registry, name string) ([16]byte, bool) {
	for _, g := range reg.GroupsSnapshot() {
		if g.DisplayName == name {
			return g.GroupID, true
		}
	}
	return [16]byte{}, false
}

// newChannelID generates a fresh 128-bit channel id. The wire protocol
// treats channel ids as opaque 128-bit values with no required structure,
// so a random UUID (uuid is already a dependency of the session package,
// which uses it for per-connection trace ids) is a convenient source of one.
func newChannelID() [16]byte {
	return uuid.New()
}
