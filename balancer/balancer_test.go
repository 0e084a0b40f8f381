package balancer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fastchat/crypto"
	"fastchat/db"
	"fastchat/protocol"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"
)

func TestNewPool(t *testing.T) {
	pool := NewPool("localhost", 8010, 3)
	require.Equal(t, []Target{
		{ID: 1, Host: "127.0.0.1", Port: 8010},
		{ID: 2, Host: "127.0.0.1", Port: 8011},
		{ID: 3, Host: "127.0.0.1", Port: 8012},
	}, pool)
}

func TestRoundRobinWraps(t *testing.T) {
	pool := NewPool("127.0.0.1", 8010, 4)
	s, err := NewStrategy("round robin", pool, nil, nil)
	require.NoError(t, err)
	require.Equal(t, StrategyRoundRobin, s.Name())

	// K+1 assignments over K servers visit each once, then repeat the first.
	var got []int
	for i := 0; i < len(pool)+1; i++ {
		target, err := s.Pick()
		require.NoError(t, err)
		got = append(got, target.ID)
	}
	require.Equal(t, []int{1, 2, 3, 4, 1}, got)
}

func TestRoundRobinConcurrent(t *testing.T) {
	pool := NewPool("127.0.0.1", 8010, 3)
	s, err := NewStrategy(StrategyRoundRobin, pool, nil, nil)
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		counts = map[int]int{}
		wg     sync.WaitGroup
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			target, _ := s.Pick()
			mu.Lock()
			counts[target.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, map[int]int{1: 10, 2: 10, 3: 10}, counts)
}

func TestRandomIsSeeded(t *testing.T) {
	pool := NewPool("127.0.0.1", 8010, 5)
	pick := func() []int {
		s, err := NewStrategy(StrategyRandom, pool, nil, rand.New(rand.NewSource(42)))
		require.NoError(t, err)
		var ids []int
		for i := 0; i < 20; i++ {
			target, err := s.Pick()
			require.NoError(t, err)
			require.GreaterOrEqual(t, target.ID, 1)
			require.LessOrEqual(t, target.ID, 5)
			ids = append(ids, target.ID)
		}
		return ids
	}
	require.Equal(t, pick(), pick())
}

type fakeLoads struct {
	id  int
	err error
}

func (f fakeLoads) MinLoadServer(pool []int) (int, error) { return f.id, f.err }

func TestMinConnections(t *testing.T) {
	store, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitLoad(3))

	pool := NewPool("127.0.0.1", 8010, 3)
	s, err := NewStrategy("minimum connect", pool, store, nil)
	require.NoError(t, err)

	// All equal: the first server wins.
	target, err := s.Pick()
	require.NoError(t, err)
	require.Equal(t, 1, target.ID)

	require.NoError(t, store.IncrementLoad(1))
	require.NoError(t, store.IncrementLoad(2))
	target, err = s.Pick()
	require.NoError(t, err)
	require.Equal(t, 3, target.ID)
	require.Equal(t, 8012, target.Port)

	require.NoError(t, store.IncrementLoad(3))
	require.NoError(t, store.DecrementLoad(2))
	target, err = s.Pick()
	require.NoError(t, err)
	require.Equal(t, 2, target.ID)
}

func TestMinConnectionsFallsBackToFirst(t *testing.T) {
	pool := NewPool("127.0.0.1", 8010, 2)
	s, err := NewStrategy(StrategyMinConnections, pool, fakeLoads{id: 9}, nil)
	require.NoError(t, err)
	target, err := s.Pick()
	require.NoError(t, err)
	require.Equal(t, 1, target.ID)

	s, err = NewStrategy(StrategyMinConnections, pool, fakeLoads{err: errors.New("down")}, nil)
	require.NoError(t, err)
	_, err = s.Pick()
	require.Error(t, err)
}

func TestStrategyAliases(t *testing.T) {
	require.True(t, IsMinConnections("minimum connect"))
	require.True(t, IsMinConnections(StrategyMinConnections))
	require.False(t, IsMinConnections("round robin"))
}

func TestUnknownStrategy(t *testing.T) {
	_, err := NewStrategy("fastest", NewPool("127.0.0.1", 8010, 1), nil, nil)
	require.ErrorIs(t, err, ErrUnknownStrategy)

	_, err = NewStrategy(StrategyMinConnections, NewPool("127.0.0.1", 8010, 1), nil, nil)
	require.Error(t, err)

	_, err = NewStrategy(StrategyRandom, nil, nil, nil)
	require.Error(t, err)
}

func startBalancer(t *testing.T, strategy Strategy, limiter *rate.Limiter) (*Balancer, *crypto.KeyPair, string) {
	t.Helper()
	key, err := crypto.GenerateKey(1024)
	require.NoError(t, err)

	b := New(Config{
		Strategy: strategy,
		Signer:   crypto.NewService(key),
		Limiter:  limiter,
		Log:      zaptest.NewLogger(t),
		Metrics:  NewMetrics(prometheus.NewRegistry()),
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return b, key, ln.Addr().String()
}

func fetchAssignment(t *testing.T, addr string) protocol.Assignment {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)
	var a protocol.Assignment
	require.NoError(t, json.Unmarshal(line, &a))
	return a
}

func TestServeSignsAssignments(t *testing.T) {
	pool := NewPool("127.0.0.1", 8010, 2)
	rr, err := NewStrategy(StrategyRoundRobin, pool, nil, nil)
	require.NoError(t, err)
	b, key, addr := startBalancer(t, rr, nil)

	first := fetchAssignment(t, addr)
	second := fetchAssignment(t, addr)
	third := fetchAssignment(t, addr)

	require.Equal(t, "127.0.0.1:8010", first.Address())
	require.Equal(t, 8011, second.ServerPort)
	require.Equal(t, 8010, third.ServerPort)

	for _, a := range []protocol.Assignment{first, second, third} {
		require.True(t, crypto.Verify(protocol.SignedText(a.ServerIP, a.ServerPort), a.Sign, key.Public()))
	}
	require.False(t, crypto.Verify(protocol.SignedText(first.ServerIP, 8011), first.Sign, key.Public()))

	require.Eventually(t, func() bool {
		st, err := b.Stats(context.Background())
		return err == nil && st.Assigned[1] == 2 && st.Assigned[2] == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServeClosesOnStrategyFailure(t *testing.T) {
	pool := NewPool("127.0.0.1", 8010, 2)
	s, err := NewStrategy(StrategyMinConnections, pool, fakeLoads{err: errors.New("down")}, nil)
	require.NoError(t, err)
	b, _, addr := startBalancer(t, s, nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = bufio.NewReader(conn).ReadBytes('\n')
	require.Error(t, err)

	require.Eventually(t, func() bool {
		st, _ := b.Stats(context.Background())
		return st.Failures == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServeRateLimited(t *testing.T) {
	pool := NewPool("127.0.0.1", 8010, 1)
	rr, err := NewStrategy(StrategyRoundRobin, pool, nil, nil)
	require.NoError(t, err)
	_, _, addr := startBalancer(t, rr, rate.NewLimiter(rate.Every(50*time.Millisecond), 1))

	start := time.Now()
	for i := 0; i < 3; i++ {
		fetchAssignment(t, addr)
	}
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
