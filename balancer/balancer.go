// Package balancer hands out signed server assignments to connecting clients.
package balancer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"fastchat/crypto"
	"fastchat/logging"
	"fastchat/protocol"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Config struct {
	Strategy Strategy
	Signer   *crypto.Service
	// Limiter throttles assignments. Nil means unlimited.
	Limiter      *rate.Limiter
	WriteTimeout time.Duration
	Log          *zap.Logger
	Metrics      *Metrics
}

type Balancer struct {
	cfg     Config
	log     *zap.Logger
	metrics *Metrics

	mu       sync.Mutex
	assigned map[int]int
	failures int
}

// Stats is the admin snapshot of a balancer.
type Stats struct {
	Strategy string      `json:"strategy"`
	Assigned map[int]int `json:"assigned"`
	Failures int         `json:"failures"`
}

func New(cfg Config) *Balancer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Balancer{
		cfg:      cfg,
		log:      logging.OrNop(cfg.Log).With(zap.String("strategy", cfg.Strategy.Name())),
		metrics:  cfg.Metrics,
		assigned: make(map[int]int),
	}
}

// Assign picks a server and signs its address.
func (b *Balancer) Assign() (protocol.Assignment, Target, error) {
	target, err := b.cfg.Strategy.Pick()
	if err != nil {
		return protocol.Assignment{}, Target{}, err
	}
	sign, err := b.cfg.Signer.Sign(protocol.SignedText(target.Host, target.Port))
	if err != nil {
		return protocol.Assignment{}, Target{}, fmt.Errorf("sign assignment: %w", err)
	}
	return protocol.Assignment{ServerIP: target.Host, ServerPort: target.Port, Sign: sign}, target, nil
}

// Serve accepts clients on ln until ctx is cancelled. Every connection gets
// one assignment and is closed.
func (b *Balancer) Serve(ctx context.Context, ln net.Listener) error {
	b.log.Info("balancer listening", zap.String("addr", ln.Addr().String()))

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		if err := b.throttle(ctx); err != nil {
			conn.Close()
			return nil
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			b.handle(conn)
		}()
	}
}

func (b *Balancer) throttle(ctx context.Context) error {
	if b.cfg.Limiter == nil {
		return nil
	}
	if !b.cfg.Limiter.Allow() {
		b.metrics.RecordThrottled()
		return b.cfg.Limiter.Wait(ctx)
	}
	return nil
}

func (b *Balancer) handle(conn net.Conn) {
	defer conn.Close()
	log := b.log.With(zap.String("remote", conn.RemoteAddr().String()))

	assignment, target, err := b.Assign()
	if err != nil {
		b.fail(log, err)
		return
	}
	payload, err := json.Marshal(assignment)
	if err != nil {
		b.fail(log, err)
		return
	}

	conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
	if err := protocol.WriteFrame(conn, payload); err != nil {
		b.fail(log, err)
		return
	}

	b.mu.Lock()
	b.assigned[target.ID]++
	b.mu.Unlock()
	b.metrics.RecordAssignment(target.ID)
	log.Info("client assigned", zap.Int("server", target.ID), zap.String("address", assignment.Address()))
}

func (b *Balancer) fail(log *zap.Logger, err error) {
	b.mu.Lock()
	b.failures++
	b.mu.Unlock()
	b.metrics.RecordFailure()
	log.Warn("assignment failed", zap.Error(err))
}

func (b *Balancer) Stats(ctx context.Context) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{Strategy: b.cfg.Strategy.Name(), Assigned: make(map[int]int, len(b.assigned)), Failures: b.failures}
	for id, n := range b.assigned {
		st.Assigned[id] = n
	}
	return st, nil
}

