// Command voicechat-client is the terminal runtime that owns every piece
// §9 requires an explicit top-level owner for: the persisted identity, the
// session, and the audio engine. It replaces the ambient-singleton GUI
// shell with straight-line construction and explicit wiring — a screen or
// console frontend is an external collaborator that would sit on top of
// this process's Session/AudioEngine pair, not inside it (§1, §9).
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"voicechat/client/internal/config"
	"voicechat/client/internal/identity"
	"voicechat/client/internal/session"
	"voicechat/client/internal/wire"
)

// parseStartupAddr scans args for a vchat:// link and returns the first one
// whole, scheme included (normalizeServerAddr strips it), letting the OS
// hand off a server invite link directly.
func parseStartupAddr(args []string) string {
	const scheme = "vchat://"
	for _, arg := range args {
		if strings.HasPrefix(arg, scheme) {
			return arg
		}
	}
	return ""
}

func main() {
	serverFlag := flag.String("server", "", "server address (host, host:port, or a vchat:// link); overrides the saved server list's first entry")
	nameFlag := flag.String("name", "", "display name; overrides the saved config")
	insecure := flag.Bool("insecure-skip-verify", true, "skip TLS certificate verification (default on: servers use a self-signed development certificate per spec §6)")
	flag.Parse()

	cfg := config.Load()
	if *nameFlag != "" {
		cfg.DisplayName = *nameFlag
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = "anonymous"
	}

	rawAddr := *serverFlag
	if rawAddr == "" {
		rawAddr = parseStartupAddr(os.Args[1:])
	}
	if rawAddr == "" && len(cfg.Servers) > 0 {
		rawAddr = cfg.Servers[0].Addr
	}
	addr, err := normalizeServerAddr(rawAddr)
	if err != nil {
		log.Fatalf("[client] %v", err)
	}

	id, err := identity.LoadOrCreate()
	if err != nil {
		log.Fatalf("[identity] %v", err)
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: *insecure}

	ae := NewAudioEngine()
	if err := ae.Start(); err != nil {
		log.Fatalf("[audio] %v", err)
	}
	defer ae.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs := &consoleObserver{}
	sess, err := session.Dial(ctx, addr, tlsConfig, session.Config{
		Identity:      id,
		DisplayName:   cfg.DisplayName,
		TargetLevel:   uint8(cfg.ReqSecLevel),
		Observer:      obs,
		OutboundAudio: ae.OutboundRing(),
	})
	if err != nil {
		log.Fatalf("[client] connect to %s: %v", addr, err)
	}
	log.Printf("[client] connected to %s as %q (user %x)", addr, cfg.DisplayName, sess.SelfID())

	go bridgeInboundAudio(ctx, sess, ae)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		fmt.Println()
		log.Println("[client] disconnecting...")
		sess.Disconnect()
		cancel()
	}()

	runConsole(ctx, sess)
}

// bridgeInboundAudio forwards decoded-tag datagrams from the session layer
// (which knows nothing about package main's audio pipeline, to avoid an
// import cycle) into the audio engine's playback queue.
func bridgeInboundAudio(ctx context.Context, sess *session.Session, ae *AudioEngine) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sess.InboundAudio():
			if !ok {
				return
			}
			select {
			case ae.PlaybackIn <- TaggedAudio{SenderID: frame.SenderTag, Seq: frame.Seq, OpusData: frame.Payload}:
			default:
				ae.AddPlaybackDrop()
			}
		}
	}
}

// consoleObserver logs membership and lifecycle events to the process log;
// a richer frontend would implement session.Observer itself instead.
type consoleObserver struct {
	session.NopObserver
}

func (consoleObserver) ChannelMemberAdded(channelID [16]byte, profile wire.UserProfile) {
	log.Printf("[roster] %s joined channel %x", displayOf(profile), channelID)
}

func (consoleObserver) ChannelMemberRemoved(channelID [16]byte, userID [32]byte) {
	log.Printf("[roster] %x left channel %x", userID, channelID)
}

func (consoleObserver) PeerConnected(profile wire.UserProfile) {
	log.Printf("[roster] %s connected", displayOf(profile))
}

func (consoleObserver) PeerDisconnected(userID [32]byte) {
	log.Printf("[roster] %x disconnected", userID)
}

func (consoleObserver) GroupsChanged(userID [32]byte, groups [][16]byte) {
	log.Printf("[roster] %x groups changed (%d groups)", userID, len(groups))
}

func (consoleObserver) Disconnected(reason string) {
	log.Printf("[client] disconnected: %s", reason)
}

func displayOf(p wire.UserProfile) string {
	if p.DisplayName == "" {
		return fmt.Sprintf("%x", p.UserID)
	}
	return p.DisplayName
}

// runConsole is the minimal terminal control surface: list channels/users,
// switch channels, and quit. A GUI is out of scope (§1); this exists only
// so the session and audio engine constructed above have something driving
// them interactively.
func runConsole(ctx context.Context, sess *session.Session) {
	fmt.Println(`commands: channels, users, switch <channel-name>, quit`)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit", "exit":
			sess.Disconnect()
			return
		case "channels":
			for _, c := range sess.Channels() {
				fmt.Printf("  %-20s members=%d\n", c.Name, len(c.Members))
			}
		case "users":
			for _, u := range sess.Users() {
				fmt.Printf("  %-20s channel=%x\n", displayOf(u), u.ChannelID)
			}
		case "switch":
			if len(fields) < 2 {
				fmt.Println("usage: switch <channel-name>")
				continue
			}
			target, ok := findChannelByName(sess, fields[1])
			if !ok {
				fmt.Printf("no such channel %q\n", fields[1])
				continue
			}
			if err := sess.SwitchChannel(target); err != nil {
				fmt.Println(err)
			}
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}

func findChannelByName(sess *session.Session, name string) ([16]byte, bool) {
	for _, c := range sess.Channels() {
		if c.Name == name {
			return c.ChannelID, true
		}
	}
	return [16]byte{}, false
}
