// Package client is a headless chat client: it obtains an assignment from the
// balancer, authenticates with the assigned server, encrypts outgoing
// payloads per recipient and records everything it receives.
package client

import (
	"bufio"
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
)

type Config struct {
	BalancerAddress string
	// Timeout bounds the balancer round trip and each dial. Zero waits forever.
	Timeout       time.Duration
	Key           *crypto.KeyPair
	TranscriptDir string
	MaxFrame      int
	// OnMessage is called from the single consumer goroutine for every
	// delivered chat, notice or asynchronous server reply.
	OnMessage func(Message)
	Log       *zap.Logger
}

// Message is a received item after decryption.
type Message struct {
	From   int
	Group  int
	Image  bool
	Time   string
	Text   string
	Data   []byte
	Notice bool
	Failed bool
	// Path is where an image was saved.
	Path string
}

type Client struct {
	cfg         Config
	log         *zap.Logger
	crypto      *crypto.Service
	transcripts *Transcripts

	conn       net.Conn
	scanner    *bufio.Scanner
	assignment protocol.Assignment
	user       int

	sendMu sync.Mutex
	keysMu sync.Mutex
	keys   chan protocol.KeysReply

	done      chan struct{}
	closeOnce sync.Once
	closing   chan struct{}
}

// Assign performs the one-shot balancer round trip.
func Assign(ctx context.Context, addr string, timeout time.Duration) (protocol.Assignment, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return protocol.Assignment{}, fmt.Errorf("dial balancer: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	sc := protocol.NewScanner(conn, 4096)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return protocol.Assignment{}, fmt.Errorf("read assignment: %w", err)
		}
		return protocol.Assignment{}, fmt.Errorf("read assignment: %w", ErrClosed)
	}
	var a protocol.Assignment
	if err := json.Unmarshal(sc.Bytes(), &a); err != nil {
		return protocol.Assignment{}, fmt.Errorf("decode assignment: %w", err)
	}
	return a, nil
}

// Connect asks the balancer for a server and dials it.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Key == nil {
		return nil, errors.New("client key is required")
	}
	a, err := Assign(ctx, cfg.BalancerAddress, cfg.Timeout)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", a.Address())
	if err != nil {
		return nil, fmt.Errorf("dial server %s: %w", a.Address(), err)
	}

	log := logging.OrNop(cfg.Log).With(zap.String("server", a.Address()))
	log.Info("connected to assigned server")
	return &Client{
		cfg:         cfg,
		log:         log,
		crypto:      crypto.NewService(cfg.Key),
		transcripts: NewTranscripts(cfg.TranscriptDir),
		conn:        conn,
		scanner:     protocol.NewScanner(conn, cfg.MaxFrame),
		assignment:  a,
		keys:        make(chan protocol.KeysReply, 1),
		done:        make(chan struct{}),
		closing:     make(chan struct{}),
	}, nil
}

func (c *Client) Assignment() protocol.Assignment {
	return c.assignment
}

func (c *Client) User() int {
	return c.user
}

// Register creates the account on the assigned server and leaves the session
// authenticated. It must be called before Run.
func (c *Client) Register(user int, password string) error {
	return c.authenticate(user, protocol.Register{
		User:      user,
		Password:  password,
		PublicKey: string(c.cfg.Key.PublicPEM()),
		Sign:      c.assignment.Sign,
	})
}

// Login authenticates an existing account. It must be called before Run.
func (c *Client) Login(user int, password string) error {
	return c.authenticate(user, protocol.Login{User: user, Password: password, Sign: c.assignment.Sign})
}

func (c *Client) authenticate(user int, req protocol.Envelope) error {
	if err := c.send(req); err != nil {
		return err
	}
	if c.cfg.Timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.Timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}

	envs, err := c.next()
	if err != nil {
		return err
	}
	if len(envs) != 1 {
		return fmt.Errorf("unexpected frame of %d envelopes during authentication", len(envs))
	}
	reply, ok := envs[0].(protocol.ServerReply)
	if !ok {
		return fmt.Errorf("unexpected %s envelope during authentication", envs[0].Type())
	}
	if !reply.OK() {
		c.conn.Close()
		return fmt.Errorf("%w: %s", ErrRejected, reply.Text)
	}
	c.user = user
	c.transcripts.user = user
	c.log = c.log.With(zap.Int("user", user))
	c.log.Info("authenticated", zap.String("reply", reply.Text))
	return nil
}

// next reads one frame.
func (c *Client) next() ([]protocol.Envelope, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, ErrClosed
	}
	return protocol.DecodeFrame(c.scanner.Bytes())
}

func (c *Client) send(env protocol.Envelope) error {
	payload, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return c.write(payload)
}

func (c *Client) write(payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := protocol.WriteFrame(c.conn, payload); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Run receives until the connection closes or ctx is cancelled. A receiver
// goroutine decodes frames and hands envelopes to this goroutine, the only
// consumer; key replies go to the pending key request instead.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()
	defer close(c.done)

	inbox := make(chan protocol.Envelope, 64)
	errc := make(chan error, 1)
	go c.receive(inbox, errc)

	for env := range inbox {
		c.consume(env)
	}

	err := <-errc
	select {
	case <-c.closing:
		return nil
	default:
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) receive(inbox chan<- protocol.Envelope, errc chan<- error) {
	defer close(inbox)
	for {
		envs, err := c.next()
		if err != nil {
			var syntax *json.SyntaxError
			if errors.Is(err, protocol.ErrInvalidFrame) || errors.Is(err, protocol.ErrUnknownType) || errors.As(err, &syntax) {
				c.log.Warn("bad frame from server", zap.Error(err))
				continue
			}
			errc <- err
			return
		}
		for _, env := range envs {
			if keys, ok := env.(protocol.KeysReply); ok {
				select {
				case c.keys <- keys:
				default:
					c.log.Warn("dropping unsolicited keys reply")
				}
				continue
			}
			inbox <- env
		}
	}
}

func (c *Client) consume(env protocol.Envelope) {
	switch m := env.(type) {
	case protocol.Chat:
		msg, err := c.open(m)
		if err != nil {
			c.log.Warn("undecryptable message", zap.Int("from", m.From), zap.Int("group", m.Group), zap.Error(err))
			return
		}
		c.record(msg)
	case protocol.ServerReply:
		c.record(Message{Notice: true, Failed: !m.OK(), Time: protocol.Now(), Text: m.Text})
	default:
		c.log.Warn("unexpected envelope", zap.String("type", env.Type()))
	}
}

// open decrypts a chat. Server notices are plain text.
func (c *Client) open(m protocol.Chat) (Message, error) {
	msg := Message{From: m.From, Group: m.Group, Image: m.Image, Time: m.Time}
	if m.From == 0 {
		msg.Notice = true
		msg.Text = m.Payload
		return msg, nil
	}
	plain, err := c.crypto.Decrypt(m.Payload, m.Key)
	if err != nil {
		return Message{}, err
	}
	if m.Image {
		msg.Data = plain
	} else {
		msg.Text = string(plain)
	}
	return msg, nil
}

func (c *Client) record(msg Message) {
	if msg.Image {
		path, err := c.transcripts.SaveImage(msg)
		if err != nil {
			c.log.Error("save image", zap.Error(err))
		}
		msg.Path = path
	}
	if err := c.transcripts.Append(msg); err != nil {
		c.log.Error("write transcript", zap.Error(err))
	}
	if c.cfg.OnMessage != nil {
		c.cfg.OnMessage(msg)
	}
}

// Keys asks the server for the public keys of a user or of the other members
// of a group. Run must be active. A nil map is the server's refusal.
func (c *Client) Keys(ctx context.Context, target int, isGroup bool) (map[int]string, error) {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()

	// A reply that arrived after an abandoned request is stale.
	select {
	case <-c.keys:
	default:
	}

	if err := c.send(protocol.KeysRequest{From: c.user, Target: target, IsGroup: isGroup}); err != nil {
		return nil, err
	}
	select {
	case reply := <-c.keys:
		return reply.Keys, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendDirect encrypts text for one user.
func (c *Client) SendDirect(ctx context.Context, to int, text string) error {
	return c.sendDirect(ctx, to, []byte(text), false)
}

// SendImage encrypts raw image bytes for one user.
func (c *Client) SendImage(ctx context.Context, to int, data []byte) error {
	return c.sendDirect(ctx, to, data, true)
}

func (c *Client) sendDirect(ctx context.Context, to int, data []byte, image bool) error {
	keys, err := c.Keys(ctx, to, false)
	if err != nil {
		return err
	}
	pem, ok := keys[to]
	if !ok {
		return fmt.Errorf("%w: user %d", ErrNoKey, to)
	}
	chat, err := c.seal(to, 0, pem, data, image)
	if err != nil {
		return err
	}
	return c.send(chat)
}

// SendGroup encrypts text once per member and sends every copy in one frame.
func (c *Client) SendGroup(ctx context.Context, groupID int, text string) error {
	return c.sendGroup(ctx, groupID, []byte(text), false)
}

func (c *Client) SendGroupImage(ctx context.Context, groupID int, data []byte) error {
	return c.sendGroup(ctx, groupID, data, true)
}

func (c *Client) sendGroup(ctx context.Context, groupID int, data []byte, image bool) error {
	keys, err := c.Keys(ctx, groupID, true)
	if err != nil {
		return err
	}
	if keys == nil {
		return fmt.Errorf("%w: %d", ErrNotMember, groupID)
	}

	envs := make([]protocol.Envelope, 0, len(keys))
	for member, pem := range keys {
		chat, err := c.seal(member, groupID, pem, data, image)
		if err != nil {
			return fmt.Errorf("member %d: %w", member, err)
		}
		envs = append(envs, chat)
	}
	if len(envs) == 0 {
		return nil
	}
	payload, err := protocol.EncodeBatch(envs)
	if err != nil {
		return err
	}
	return c.write(payload)
}

func (c *Client) seal(to, groupID int, pem string, data []byte, image bool) (protocol.Chat, error) {
	wrapped, sealed, err := c.crypto.Encrypt(data, pem)
	if err != nil {
		return protocol.Chat{}, err
	}
	return protocol.Chat{
		Image:   image,
		From:    c.user,
		To:      to,
		Group:   groupID,
		Time:    protocol.Now(),
		Payload: sealed,
		Key:     wrapped,
	}, nil
}

// CreateGroup asks for a new group with the caller as admin. The outcome
// arrives as a notice.
func (c *Client) CreateGroup(participants []int) error {
	return c.send(protocol.CreateGroup{From: c.user, Participants: participants, Time: protocol.Now()})
}

func (c *Client) AddMember(groupID, member int) error {
	return c.send(protocol.AddMember{From: c.user, Group: groupID, Member: member, Time: protocol.Now()})
}

func (c *Client) RemoveMember(groupID, member int) error {
	return c.send(protocol.RemoveMember{From: c.user, Group: groupID, Member: member, Time: protocol.Now()})
}

// Close ends the session. Pending messages for this user are stored by the
// server for the next login.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		if c.user != 0 {
			err = c.send(protocol.Close{From: c.user})
		} else {
			err = c.send(protocol.Quit{})
		}
		if cerr := c.conn.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
