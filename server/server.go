// Package server runs one chat server: a single event loop that owns every
// client session and mesh link, fed by per-socket transport goroutines.
package server

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"time"

	"fastchat/db"
	"fastchat/group"
	"fastchat/logging"
	"fastchat/mesh"
	"fastchat/transport"

	"go.uber.org/zap"
)

type Config struct {
	ID    int
	Total int
	// Host and Port are the address the balancer hands out for this server;
	// login signatures are checked against them.
	Host     string
	Port     int
	BasePort int
	// Peers overrides mesh dial addresses by server id.
	Peers            map[int]string
	HandshakeTimeout time.Duration
	DialRetry        time.Duration
	MaxFrame         int
	BalancerKey      *rsa.PublicKey
	Log              *zap.Logger
	Metrics          *Metrics
	MeshMetrics      *mesh.Metrics
}

type Server struct {
	cfg         Config
	store       db.Gateway
	groups      *group.Service
	log         *zap.Logger
	metrics     *Metrics
	meshMetrics *mesh.Metrics
	reg         *registry

	clientEvents chan transport.Event
	meshEvents   chan transport.Event
	accepted     chan net.Conn
	statsReq     chan chan Stats
	ready        chan struct{}
}

// Stats is a snapshot taken on the event loop.
type Stats struct {
	ServerID int   `json:"server_id"`
	Sessions int   `json:"sessions"`
	Users    []int `json:"users"`
	Peers    []int `json:"peers"`
}

func New(store db.Gateway, cfg Config) *Server {
	log := logging.OrNop(cfg.Log).With(zap.Int("server_id", cfg.ID))
	return &Server{
		cfg:          cfg,
		store:        store,
		groups:       group.NewService(store, log),
		log:          log,
		metrics:      cfg.Metrics,
		meshMetrics:  cfg.MeshMetrics,
		reg:          newRegistry(),
		clientEvents: make(chan transport.Event, 256),
		meshEvents:   make(chan transport.Event, 256),
		accepted:     make(chan net.Conn),
		statsReq:     make(chan chan Stats),
		ready:        make(chan struct{}),
	}
}

// Ready is closed once the mesh is complete and clients are served.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Run bootstraps the mesh on ln, then serves clients on the same listener
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	if err := s.store.InitLoad(s.cfg.Total); err != nil {
		return fmt.Errorf("init load counters: %w", err)
	}

	links, err := mesh.Bootstrap(ctx, mesh.Config{
		ID:               s.cfg.ID,
		Total:            s.cfg.Total,
		Host:             s.cfg.Host,
		BasePort:         s.cfg.BasePort,
		Peers:            s.cfg.Peers,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		DialRetry:        s.cfg.DialRetry,
		Log:              s.log,
		Metrics:          s.meshMetrics,
	}, ln)
	if err != nil {
		return err
	}
	for peer, conn := range links {
		link := &meshLink{peer: peer, conn: transport.New(conn, peer, s.meshEvents, s.cfg.MaxFrame, s.log)}
		s.reg.links[peer] = link
		link.conn.Start()
	}

	acceptErr := make(chan error, 1)
	go s.acceptLoop(ctx, ln, acceptErr)

	s.log.Info("server started", zap.String("addr", ln.Addr().String()), zap.Int("peers", len(links)))
	close(s.ready)

	for {
		s.drainMesh()

		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case err := <-acceptErr:
			s.shutdown()
			return err
		case ev := <-s.meshEvents:
			s.handleMeshEvent(ev)
		case ev := <-s.clientEvents:
			s.handleClientEvent(ev)
		case conn := <-s.accepted:
			s.handleAccept(transport.New(conn, s.reg.nextHandle(), s.clientEvents, s.cfg.MaxFrame, s.log))
		case reply := <-s.statsReq:
			reply <- s.snapshot()
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, errs chan<- error) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			errs <- fmt.Errorf("accept: %w", err)
			return
		}
		select {
		case s.accepted <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// drainMesh handles every pending mesh event before the next client event.
func (s *Server) drainMesh() {
	for {
		select {
		case ev := <-s.meshEvents:
			s.handleMeshEvent(ev)
		default:
			return
		}
	}
}

func (s *Server) handleMeshEvent(ev transport.Event) {
	link, ok := s.reg.links[ev.Conn.ID]
	if !ok || link.conn != ev.Conn {
		return
	}

	switch ev.Kind {
	case transport.Frame:
		s.handleMeshFrame(link, ev.Payload)
	case transport.Writable:
		link.writable = true
		s.flushLink(link)
	case transport.Closed:
		// Mesh links are not re-formed; traffic for that server is stored.
		s.log.Error("mesh link lost", zap.Int("peer_id", link.peer), zap.Error(ev.Err))
		delete(s.reg.links, link.peer)
		s.meshMetrics.SetLinks(len(s.reg.links))
		s.storeUnsent(link)
	}
}

func (s *Server) handleClientEvent(ev transport.Event) {
	sess, ok := s.reg.lookup(ev.Conn)
	if !ok {
		return
	}

	switch ev.Kind {
	case transport.Frame:
		if sess.state == stateAuth {
			s.handleAuthFrame(sess, ev.Payload)
			if _, alive := s.reg.lookup(ev.Conn); alive {
				s.flush(sess)
			}
			return
		}
		s.handleFrame(sess, ev.Payload)
	case transport.Writable:
		sess.writable = true
		s.flush(sess)
	case transport.Closed:
		if ev.Err != nil {
			sess.log.Warn("connection lost", zap.Error(ev.Err))
		} else {
			sess.log.Info("client disconnected")
		}
		s.closeSession(sess, true)
	}
}

// Stats asks the event loop for a snapshot.
func (s *Server) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case s.statsReq <- reply:
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (s *Server) snapshot() Stats {
	return Stats{
		ServerID: s.cfg.ID,
		Sessions: len(s.reg.sessions),
		Users:    s.reg.users(),
		Peers:    s.reg.peers(),
	}
}

func (s *Server) shutdown() {
	s.log.Info("shutting down", zap.Int("sessions", len(s.reg.sessions)))
	for _, sess := range s.reg.sessions {
		s.closeSession(sess, true)
	}
	for _, link := range s.reg.links {
		link.conn.Close()
	}
}
