package client

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fastchat/balancer"
	"fastchat/crypto"
	"fastchat/db"
	"fastchat/protocol"
	"fastchat/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stack struct {
	balancerAddr string
	store        db.Gateway
}

// startStack runs a balancer in front of n meshed servers.
func startStack(t *testing.T, n int) *stack {
	t.Helper()
	store, err := db.New(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	key, err := crypto.GenerateKey(1024)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	lns := make([]net.Listener, n)
	peers := make(map[int]string, n)
	pool := make([]balancer.Target, n)
	for i := range lns {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		lns[i] = ln
		peers[i+1] = ln.Addr().String()
		pool[i] = balancer.Target{ID: i + 1, Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
	}

	servers := make([]*server.Server, n)
	for i, ln := range lns {
		srv := server.New(store, server.Config{
			ID:          i + 1,
			Total:       n,
			Host:        "127.0.0.1",
			Port:        pool[i].Port,
			Peers:       peers,
			DialRetry:   20 * time.Millisecond,
			BalancerKey: key.Public(),
			Log:         zaptest.NewLogger(t),
			Metrics:     server.NewMetrics(prometheus.NewRegistry()),
		})
		servers[i] = srv
		wg.Add(1)
		go func(ln net.Listener) {
			defer wg.Done()
			srv.Run(ctx, ln)
		}(ln)
	}
	for _, srv := range servers {
		select {
		case <-srv.Ready():
		case <-time.After(10 * time.Second):
			t.Fatal("server never became ready")
		}
	}

	strategy, err := balancer.NewStrategy(balancer.StrategyRoundRobin, pool, nil, nil)
	require.NoError(t, err)
	b := balancer.New(balancer.Config{
		Strategy: strategy,
		Signer:   crypto.NewService(key),
		Log:      zaptest.NewLogger(t),
	})
	bln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Serve(ctx, bln)
	}()

	return &stack{balancerAddr: bln.Addr().String(), store: store}
}

type peer struct {
	*Client
	key   *crypto.KeyPair
	inbox chan Message
	dir   string
}

func (s *stack) connect(t *testing.T, key *crypto.KeyPair) *peer {
	t.Helper()
	if key == nil {
		var err error
		key, err = crypto.GenerateKey(1024)
		require.NoError(t, err)
	}
	p := &peer{key: key, inbox: make(chan Message, 32), dir: t.TempDir()}
	c, err := Connect(context.Background(), Config{
		BalancerAddress: s.balancerAddr,
		Timeout:         5 * time.Second,
		Key:             key,
		TranscriptDir:   p.dir,
		OnMessage:       func(m Message) { p.inbox <- m },
		Log:             zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	p.Client = c
	return p
}

func (p *peer) run(t *testing.T) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	t.Cleanup(func() {
		p.Close()
		require.NoError(t, <-done)
	})
}

func (p *peer) expect(t *testing.T) Message {
	t.Helper()
	select {
	case m := <-p.inbox:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
		return Message{}
	}
}

func TestAssignTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(2 * time.Second)
		}
	}()

	start := time.Now()
	_, err = Assign(context.Background(), ln.Addr().String(), 100*time.Millisecond)
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
}

func TestDirectMessageAcrossServers(t *testing.T) {
	st := startStack(t, 2)

	alice := st.connect(t, nil)
	require.NoError(t, alice.Register(1, "alice-pw"))
	alice.run(t)

	bob := st.connect(t, nil)
	require.NotEqual(t, alice.Assignment().ServerPort, bob.Assignment().ServerPort)
	require.NoError(t, bob.Register(2, "bob-pw"))
	bob.run(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, alice.SendDirect(ctx, 2, "hi bob"))

	m := bob.expect(t)
	require.Equal(t, 1, m.From)
	require.Equal(t, "hi bob", m.Text)
	require.False(t, m.Notice)

	log, err := os.ReadFile(filepath.Join(bob.dir, "client2_dm1.log"))
	require.NoError(t, err)
	require.Contains(t, string(log), "hi bob")
	require.Contains(t, string(log), "User : 1")

	require.ErrorIs(t, alice.SendDirect(ctx, 77, "nobody"), ErrNoKey)
}

func TestGroupConversation(t *testing.T) {
	st := startStack(t, 2)

	alice := st.connect(t, nil)
	require.NoError(t, alice.Register(1, "alice-pw"))
	alice.run(t)
	bob := st.connect(t, nil)
	require.NoError(t, bob.Register(2, "bob-pw"))
	bob.run(t)
	carol := st.connect(t, nil)
	require.NoError(t, carol.Register(3, "carol-pw"))
	carol.run(t)

	require.NoError(t, alice.CreateGroup([]int{2, 3}))
	created := alice.expect(t)
	require.True(t, created.Notice)
	groupID := created.Group
	require.Positive(t, groupID)
	require.Equal(t, groupID, bob.expect(t).Group)
	require.Equal(t, groupID, carol.expect(t).Group)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, alice.SendGroup(ctx, groupID, "hello all"))
	for _, p := range []*peer{bob, carol} {
		m := p.expect(t)
		require.Equal(t, 1, m.From)
		require.Equal(t, groupID, m.Group)
		require.Equal(t, "hello all", m.Text)
	}

	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	require.NoError(t, bob.SendGroupImage(ctx, groupID, buf.Bytes()))
	got := alice.expect(t)
	require.True(t, got.Image)
	require.Equal(t, buf.Bytes(), got.Data)
	saved, err := os.Open(got.Path)
	require.NoError(t, err)
	defer saved.Close()
	_, err = png.Decode(saved)
	require.NoError(t, err)
	carol.expect(t)

	require.NoError(t, alice.RemoveMember(groupID, 3))
	reply := alice.expect(t)
	require.True(t, reply.Notice)
	require.False(t, reply.Failed)
	require.Equal(t, "3 has been removed from the group", carol.expect(t).Text)
	require.Equal(t, "3 has been removed from the group", bob.expect(t).Text)

	require.ErrorIs(t, carol.SendGroup(ctx, groupID, "still here?"), ErrNotMember)

	require.NoError(t, bob.AddMember(groupID, 3))
	refused := bob.expect(t)
	require.True(t, refused.Failed)
}

func TestOfflineMessagesOnLogin(t *testing.T) {
	st := startStack(t, 2)

	alice := st.connect(t, nil)
	require.NoError(t, alice.Register(1, "alice-pw"))
	alice.run(t)

	bob := st.connect(t, nil)
	require.NoError(t, bob.Register(2, "bob-pw"))
	require.NoError(t, bob.Close())

	require.Eventually(t, func() bool {
		loc, err := st.store.QueryServer(2)
		return err == nil && !loc.Online()
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, alice.SendDirect(ctx, 2, "first"))
	require.NoError(t, alice.SendDirect(ctx, 2, "second"))
	// A keys round trip orders after both sends on the server.
	_, err := alice.Keys(ctx, 2, false)
	require.NoError(t, err)

	again := st.connect(t, bob.key)
	require.ErrorIs(t, again.Login(2, "wrong"), ErrRejected)

	back := st.connect(t, bob.key)
	require.NoError(t, back.Login(2, "bob-pw"))
	back.run(t)
	require.Equal(t, "first", back.expect(t).Text)
	require.Equal(t, "second", back.expect(t).Text)
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	st := startStack(t, 1)

	first := st.connect(t, nil)
	require.NoError(t, first.Register(9, "pw"))
	first.run(t)

	second := st.connect(t, nil)
	err := second.Register(9, "other")
	require.ErrorIs(t, err, ErrRejected)
	require.Contains(t, err.Error(), "already present")
}

func TestKeysHandoff(t *testing.T) {
	st := startStack(t, 1)

	alice := st.connect(t, nil)
	require.NoError(t, alice.Register(1, "pw"))
	alice.run(t)
	bob := st.connect(t, nil)
	require.NoError(t, bob.Register(2, "pw"))
	bob.run(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys, err := alice.Keys(ctx, 2, false)
			assert.NoError(t, err)
			assert.Equal(t, string(bob.key.PublicPEM()), keys[2])
		}()
	}
	wg.Wait()

	keys, err := alice.Keys(ctx, 404, true)
	require.NoError(t, err)
	require.Nil(t, keys)
}

func TestTranscriptPaths(t *testing.T) {
	tr := NewTranscripts(t.TempDir())
	tr.user = 4
	require.Equal(t, filepath.Join(tr.dir, "client4_dm7.log"), tr.Path(7, 0))
	require.Equal(t, filepath.Join(tr.dir, "client4_group3.log"), tr.Path(7, 3))

	require.NoError(t, tr.Append(Message{Notice: true, Group: 3, Time: protocol.Now(), Text: "welcome"}))
	data, err := os.ReadFile(tr.Path(0, 3))
	require.NoError(t, err)
	require.Contains(t, string(data), "User : server")
}
