// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package voxbridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/emiago/voxbridge/media"
)

// selfTestProbe verifies the socket end to end at startup. Echoed
// copies from loopback are never treated as RTP.
var selfTestProbe = []byte("TEST-UDP-SELF")

// UDPServer is the only reader of the RTP socket. It demultiplexes
// datagrams to sessions by source address and owns the session
// registry. Sessions request removal through a callback, they never
// reach into the maps themselves.
type UDPServer struct {
	log zerolog.Logger
	cfg *Config

	conn *net.UDPConn

	mu       sync.Mutex
	sessions map[netip.AddrPort]*Session
	byID     map[string]map[netip.AddrPort]*Session

	ctx context.Context
}

func NewUDPServer(cfg *Config, log zerolog.Logger) *UDPServer {
	return &UDPServer{
		log:      log.With().Str("caller", "udpserver").Logger(),
		cfg:      cfg,
		sessions: make(map[netip.AddrPort]*Session),
		byID:     make(map[string]map[netip.AddrPort]*Session),
	}
}

// Listen binds the RTP socket and fires the self test datagram.
func (srv *UDPServer) Listen() error {
	addr := &net.UDPAddr{
		IP:   net.ParseIP(srv.cfg.RTPHost),
		Port: srv.cfg.RTPPort,
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("udpserver: listen %s: %w", addr, err)
	}
	srv.conn = conn
	srv.log.Info().Str("addr", conn.LocalAddr().String()).Msg("RTP socket listening")

	srv.selfTest()
	return nil
}

// selfTest sends a sentinel to our own port. Seeing it back in Serve
// proves the receive path works, and it is filtered there.
func (srv *UDPServer) selfTest() {
	port := uint16(srv.cfg.RTPPort)
	if la, ok := srv.conn.LocalAddr().(*net.UDPAddr); ok {
		port = uint16(la.Port)
	}
	probe := netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port)
	if _, err := srv.conn.WriteToUDPAddrPort(selfTestProbe, probe); err != nil {
		srv.log.Warn().Err(err).Msg("UDP self test send failed")
		return
	}
	srv.log.Debug().Msg("UDP self test sent")
}

// Serve reads the socket until ctx is done. Never returns while the
// socket is healthy.
func (srv *UDPServer) Serve(ctx context.Context) error {
	if srv.conn == nil {
		return errors.New("udpserver: not listening")
	}
	srv.mu.Lock()
	srv.ctx = ctx
	srv.mu.Unlock()

	go func() {
		<-ctx.Done()
		srv.conn.Close()
	}()

	buf := make([]byte, 1600)
	for {
		n, addr, err := srv.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("udpserver: read: %w", err)
		}
		srv.handleDatagram(ctx, buf[:n], addr)
	}
}

func (srv *UDPServer) handleDatagram(ctx context.Context, data []byte, addr netip.AddrPort) {
	if addr.Addr().Unmap().IsLoopback() && bytes.Equal(data, selfTestProbe) {
		srv.log.Debug().Msg("UDP self test received")
		return
	}

	pkt := rtp.Packet{}
	if err := media.RTPUnmarshal(data, &pkt); err != nil {
		srv.log.Warn().Err(err).Str("peer", addr.String()).Int("len", len(data)).
			Msg("Dropping non RTP datagram")
		return
	}

	sess := srv.lookupOrCreate(ctx, addr)
	if sess == nil {
		return
	}
	sess.HandleRTP(&pkt)
}

func (srv *UDPServer) lookupOrCreate(ctx context.Context, addr netip.AddrPort) *Session {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if sess, ok := srv.sessions[addr]; ok {
		return sess
	}

	// Unknown peer, session comes up with a generated id. Registration
	// may rebind it later.
	id := uuid.NewString()
	sess := newSession(srv.cfg, srv.conn, addr, id, srv.removeSession, srv.log)
	srv.attachLocked(addr, sess)
	sess.Start(ctx)
	srv.log.Info().Str("peer", addr.String()).Str("session", shortID(id)).Msg("Session created on first packet")
	return sess
}

func (srv *UDPServer) attachLocked(addr netip.AddrPort, sess *Session) {
	srv.sessions[addr] = sess
	id := sess.ID()
	if srv.byID[id] == nil {
		srv.byID[id] = make(map[netip.AddrPort]*Session)
	}
	srv.byID[id][addr] = sess
}

func (srv *UDPServer) detachLocked(addr netip.AddrPort, sess *Session) {
	delete(srv.sessions, addr)
	id := sess.ID()
	if peers := srv.byID[id]; peers != nil {
		delete(peers, addr)
		if len(peers) == 0 {
			delete(srv.byID, id)
		}
	}
}

// removeSession is the coordinator side of session self teardown.
// Close runs off the caller goroutine, the session's own loops invoke
// this on fatal errors.
func (srv *UDPServer) removeSession(sess *Session) {
	srv.mu.Lock()
	if cur, ok := srv.sessions[sess.addr]; !ok || cur != sess {
		srv.mu.Unlock()
		return
	}
	srv.detachLocked(sess.addr, sess)
	srv.mu.Unlock()

	go sess.Close()
}

// Register pre-creates or rebinds the session for a known peer and
// primes the path with one silent frame. Idempotent.
func (srv *UDPServer) Register(ip string, port int, sessionID string) error {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("register: bad ip %q: %w", ip, err)
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("register: bad port %d", port)
	}
	if sessionID == "" {
		return errors.New("register: empty session id")
	}
	if srv.conn == nil {
		return errors.New("register: rtp socket not listening")
	}
	addr := netip.AddrPortFrom(a, uint16(port))

	srv.mu.Lock()
	ctx := srv.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	if sess, ok := srv.sessions[addr]; ok {
		srv.detachLocked(addr, sess)
		sess.SetID(sessionID)
		srv.attachLocked(addr, sess)
		srv.mu.Unlock()
		srv.log.Info().Str("peer", addr.String()).Str("session", shortID(sessionID)).
			Msg("Peer re-registered")
		return nil
	}

	sess := newSession(srv.cfg, srv.conn, addr, sessionID, srv.removeSession, srv.log)
	srv.attachLocked(addr, sess)
	srv.mu.Unlock()

	sess.Start(ctx)
	sess.PrimePeer()
	srv.log.Info().Str("peer", addr.String()).Str("session", shortID(sessionID)).
		Msg("Peer registered, priming frame queued")
	return nil
}

// Unregister closes every session bound to the id and reports how
// many were removed. Returns only after cleanup completed.
func (srv *UDPServer) Unregister(sessionID string) int {
	srv.mu.Lock()
	var victims []*Session
	for addr, sess := range srv.byID[sessionID] {
		victims = append(victims, sess)
		delete(srv.sessions, addr)
	}
	delete(srv.byID, sessionID)
	srv.mu.Unlock()

	for _, sess := range victims {
		sess.Close()
	}
	if len(victims) > 0 {
		srv.log.Info().Str("session", shortID(sessionID)).Int("removed", len(victims)).
			Msg("Session unregistered")
	}
	return len(victims)
}

// Sessions reports the current session count.
func (srv *UDPServer) Sessions() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.sessions)
}

// Close tears down the socket and every live session.
func (srv *UDPServer) Close() {
	if srv.conn != nil {
		srv.conn.Close()
	}

	srv.mu.Lock()
	var all []*Session
	for addr, sess := range srv.sessions {
		delete(srv.sessions, addr)
		all = append(all, sess)
	}
	srv.byID = make(map[string]map[netip.AddrPort]*Session)
	srv.mu.Unlock()

	for _, sess := range all {
		sess.Close()
	}
}
