package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"voicechat/server/internal/registry"
	"voicechat/server/internal/session"
	"voicechat/server/internal/transport"
	"voicechat/server/store"
)

// Version is the server's release tag, printed by the "version" CLI
// subcommand and logged once at startup.
const Version = "0.1.0"

func main() {
	if len(os.Args) > 1 && RunCLI(os.Args[1:]) {
		return
	}

	addr := flag.String("addr", ":20354", "UDP listen address (spec default port 20354)")
	dataDir := flag.String("data-dir", ".", "directory holding the shadow store (channel_db.json, server_group_db.json, users.db)")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	minSecLevel := flag.Int("req-security-level", 1, "minimum proof-of-work security level required to connect (req_security_level, >= 1)")
	flag.Parse()

	if *minSecLevel < 1 {
		log.Fatalf("[server] -req-security-level must be >= 1")
	}

	st, err := store.New(filepath.Join(*dataDir, "users.db"))
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()

	channelDBPath := filepath.Join(*dataDir, "channel_db.json")
	groupDBPath := filepath.Join(*dataDir, "server_group_db.json")

	reg := registry.New(buildRegistryHooks(st, channelDBPath, groupDBPath))
	restoreChannels(reg, channelDBPath)
	restoreUsers(reg, st)

	tlsHostname := ""
	if host, _, err := net.SplitHostPort(*addr); err == nil && host != "" {
		tlsHostname = host
	}
	tlsConfig, fingerprint, err := generateTLSConfig(*certValidity, tlsHostname)
	if err != nil {
		log.Fatalf("[server] %v", err)
	}
	log.Printf("[server] voicechat server %s, TLS certificate fingerprint: %s", Version, fingerprint)

	srv := session.NewServer(reg, uint8(*minSecLevel))

	listener, err := transport.Listen(*addr, tlsConfig)
	if err != nil {
		log.Fatalf("[transport] listen %s: %v", *addr, err)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[server] shutting down...")
		cancel()
	}()

	go func() {
		if err := listener.Serve(); err != nil {
			log.Printf("[transport] serve: %v", err)
		}
	}()

	go RunMetrics(ctx, srv, 5*time.Second)
	go runAdminConsole(ctx, srv, reg, cancel)

	log.Printf("[server] listening on %s", *addr)
	acceptLoop(ctx, listener, srv)
}

// acceptLoop hands every negotiated transport session to Server.Accept in
// its own goroutine, per §4.F's one-goroutine-per-connection shape.
func acceptLoop(ctx context.Context, listener *transport.Listener, srv *session.Server) {
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[transport] accept: %v", err)
			continue
		}
		go srv.Accept(ctx, conn)
	}
}
