// Package mesh builds the full graph of server-to-server links. Server ID
// dials every lower id and accepts every higher one on its client listener;
// each link then exchanges plaintext ids.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"fastchat/logging"

	"go.uber.org/zap"
)

var ErrHandshake = errors.New("mesh handshake")

const maxIDLen = 20

type Config struct {
	ID       int
	Total    int
	Host     string
	BasePort int
	// Peers overrides the dial address of a server id.
	Peers map[int]string
	// HandshakeTimeout bounds the whole bootstrap. Zero waits forever.
	HandshakeTimeout time.Duration
	DialRetry        time.Duration
	Log              *zap.Logger
	Metrics          *Metrics
}

// Address returns where server id listens.
func (c Config) Address(id int) string {
	if addr, ok := c.Peers[id]; ok {
		return addr
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.BasePort+id-1))
}

type deadliner interface {
	SetDeadline(time.Time) error
}

type result struct {
	peer int
	conn net.Conn
	err  error
}

// Bootstrap returns one connection per peer, keyed by peer id, once every
// link has both sent and received an id. ln keeps serving clients afterwards.
func Bootstrap(ctx context.Context, cfg Config, ln net.Listener) (map[int]net.Conn, error) {
	log := logging.OrNop(cfg.Log).With(zap.Int("server_id", cfg.ID))
	if cfg.ID < 1 || cfg.ID > cfg.Total {
		return nil, fmt.Errorf("%w: id %d outside [1, %d]", ErrHandshake, cfg.ID, cfg.Total)
	}
	if cfg.DialRetry <= 0 {
		cfg.DialRetry = 200 * time.Millisecond
	}
	if cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
	}

	links := make(map[int]net.Conn, cfg.Total-1)
	if cfg.Total == 1 {
		return links, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan result)
	var wg sync.WaitGroup

	for id := 1; id < cfg.ID; id++ {
		wg.Add(1)
		go func(peer int) {
			defer wg.Done()
			conn, err := dialPeer(ctx, cfg, peer, log)
			report(ctx, results, result{peer: peer, conn: conn, err: err})
		}(id)
	}

	inbound := cfg.Total - cfg.ID
	if inbound > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acceptPeers(ctx, cfg, ln, results, log)
		}()
	}

	var failure error
	for len(links) < cfg.Total-1 && failure == nil {
		select {
		case r := <-results:
			if r.err != nil {
				failure = r.err
				break
			}
			if _, dup := links[r.peer]; dup {
				log.Warn("duplicate peer link, closing", zap.Int("peer_id", r.peer))
				r.conn.Close()
				cfg.Metrics.RecordHandshakeFailure()
				continue
			}
			links[r.peer] = r.conn
			cfg.Metrics.SetLinks(len(links))
			log.Info("mesh link ready", zap.Int("peer_id", r.peer), zap.Int("links", len(links)))
		case <-ctx.Done():
			failure = fmt.Errorf("%w: %d of %d links: %v", ErrHandshake, len(links), cfg.Total-1, ctx.Err())
		}
	}

	cancel()
	if d, ok := ln.(deadliner); ok && inbound > 0 {
		d.SetDeadline(time.Now())
	}
	wg.Wait()
	if d, ok := ln.(deadliner); ok && inbound > 0 {
		d.SetDeadline(time.Time{})
	}

	if failure != nil {
		for _, c := range links {
			c.Close()
		}
		return nil, failure
	}
	log.Info("all servers are inter-connected", zap.Int("total", cfg.Total))
	return links, nil
}

func report(ctx context.Context, out chan<- result, r result) {
	select {
	case out <- r:
	case <-ctx.Done():
		if r.conn != nil {
			r.conn.Close()
		}
	}
}

func dialPeer(ctx context.Context, cfg Config, peer int, log *zap.Logger) (net.Conn, error) {
	addr := cfg.Address(peer)
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			got, err := handshake(ctx, conn, cfg.ID)
			if err != nil {
				conn.Close()
				cfg.Metrics.RecordHandshakeFailure()
				return nil, err
			}
			if got != peer {
				conn.Close()
				cfg.Metrics.RecordHandshakeFailure()
				return nil, fmt.Errorf("%w: dialed %d at %s, peer says %d", ErrHandshake, peer, addr, got)
			}
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: dial %d: %v", ErrHandshake, peer, ctx.Err())
		}

		log.Debug("peer not reachable yet", zap.Int("peer_id", peer), zap.String("addr", addr), zap.Error(err))
		cfg.Metrics.RecordDialRetry()
		select {
		case <-time.After(cfg.DialRetry):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: dial %d: %v", ErrHandshake, peer, ctx.Err())
		}
	}
}

func acceptPeers(ctx context.Context, cfg Config, ln net.Listener, out chan<- result, log *zap.Logger) {
	var wg sync.WaitGroup
	defer wg.Wait()

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
			report(ctx, out, result{err: fmt.Errorf("%w: accept: %v", ErrHandshake, err)})
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			peer, err := handshake(ctx, conn, cfg.ID)
			if err == nil && (peer <= cfg.ID || peer > cfg.Total) {
				err = fmt.Errorf("%w: unexpected inbound id %d", ErrHandshake, peer)
			}
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("rejecting inbound mesh connection", zap.String("addr", conn.RemoteAddr().String()), zap.Error(err))
					cfg.Metrics.RecordHandshakeFailure()
				}
				conn.Close()
				return
			}
			report(ctx, out, result{peer: peer, conn: conn})
		}()
	}
}

// handshake writes own id and reads the peer's. The read stops at the
// newline so no frame bytes are consumed.
func handshake(ctx context.Context, conn net.Conn, self int) (int, error) {
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write([]byte(strconv.Itoa(self) + "\n")); err != nil {
		return 0, fmt.Errorf("%w: write id: %v", ErrHandshake, err)
	}

	buf := make([]byte, 0, maxIDLen)
	one := make([]byte, 1)
	for {
		if _, err := conn.Read(one); err != nil {
			return 0, fmt.Errorf("%w: read id: %v", ErrHandshake, err)
		}
		if one[0] == '\n' {
			break
		}
		if len(buf) == maxIDLen {
			return 0, fmt.Errorf("%w: id too long", ErrHandshake)
		}
		buf = append(buf, one[0])
	}

	id, err := strconv.Atoi(string(buf))
	if err != nil {
		return 0, fmt.Errorf("%w: bad id %q", ErrHandshake, buf)
	}
	if !stop() {
		return 0, fmt.Errorf("%w: %v", ErrHandshake, ctx.Err())
	}
	return id, nil
}
