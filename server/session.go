package server

import (
	"fastchat/crypto"
	"fastchat/models"
	"fastchat/protocol"
	"fastchat/transport"

	"go.uber.org/zap"
)

type state int

const (
	stateAuth state = iota
	stateReply
	stateMsg
	stateRM
	stateImg
)

func (s state) String() string {
	switch s {
	case stateAuth:
		return "AUTH"
	case stateReply:
		return "REPLY"
	case stateMsg:
		return "MSG"
	case stateRM:
		return "RM"
	case stateImg:
		return "IMG"
	default:
		return "UNKNOWN"
	}
}

// afterReply says what happens once the pending reply is written.
type afterReply int

const (
	replyContinue afterReply = iota
	replyDrain
	replyClose
)

const (
	textLoginOK       = "Succesful Login!"
	textLoginFailed   = "Invalid Login! Authentication failed."
	textRegistered    = "Registered and Connected"
	textUserPresent   = "User already present! Choose different username"
	textInternalError = "Internal error, please retry"
	textAuthFirst     = "Login or register first"
)

// session is the per-client state machine. user is 0 until authentication.
type session struct {
	handle   int
	conn     *transport.Conn
	state    state
	idle     state
	user     int
	queue    []protocol.Envelope
	writable bool
	reply    protocol.ServerReply
	after    afterReply
	log      *zap.Logger
}

func (sess *session) setReply(reply protocol.ServerReply, after afterReply) {
	sess.reply = reply
	sess.after = after
	sess.state = stateReply
}

// enqueue appends env to the outbound queue. An idle session becomes RM; a
// session waiting on its reply keeps that state and picks the queue up after.
func (sess *session) enqueue(env protocol.Envelope) {
	sess.queue = append(sess.queue, env)
	if sess.state == stateMsg || sess.state == stateImg {
		sess.state = stateRM
	}
}

func (s *Server) handleAccept(conn *transport.Conn) {
	sess := &session{
		handle: conn.ID,
		conn:   conn,
		state:  stateAuth,
		idle:   stateMsg,
		log:    s.log.With(zap.Int("handle", conn.ID), zap.String("addr", conn.RemoteAddr().String())),
	}
	s.reg.insert(sess)
	if err := s.store.IncrementLoad(s.cfg.ID); err != nil {
		sess.log.Error("increment load", zap.Error(err))
	}
	s.metrics.SessionOpened()
	sess.log.Info("accepted connection")
	conn.Start()
}

// handleAuthFrame serves the AUTH state. Anything unexpected ends in a
// failure reply followed by a close.
func (s *Server) handleAuthFrame(sess *session, frame []byte) {
	envs, err := protocol.DecodeFrame(frame)
	if err != nil || len(envs) == 0 {
		s.metrics.RecordProtocolError()
		sess.log.Warn("bad frame during auth", zap.Error(err))
		sess.setReply(protocol.Failure(textLoginFailed), replyClose)
		return
	}
	if len(envs) > 1 {
		sess.log.Warn("ignoring extra envelopes during auth", zap.Int("count", len(envs)))
	}

	switch req := envs[0].(type) {
	case protocol.Quit:
		sess.log.Info("client left before authenticating")
		s.closeSession(sess, false)
	case protocol.Login:
		if !s.verifyAssignment(sess, req.Sign) {
			return
		}
		s.login(sess, req)
	case protocol.Register:
		if !s.verifyAssignment(sess, req.Sign) {
			return
		}
		s.register(sess, req)
	default:
		s.metrics.RecordProtocolError()
		sess.log.Warn("unexpected envelope during auth", zap.String("type", req.Type()))
		sess.setReply(protocol.Failure(textAuthFirst), replyClose)
	}
}

// verifyAssignment rejects clients that did not come through the balancer.
// The connection is closed without a reply.
func (s *Server) verifyAssignment(sess *session, sign string) bool {
	err := crypto.CheckSignature(protocol.SignedText(s.cfg.Host, s.cfg.Port), sign, s.cfg.BalancerKey)
	if err == nil {
		return true
	}
	s.metrics.RecordAuth("bad_signature")
	sess.log.Warn("assignment rejected, closing", zap.Error(err))
	s.closeSession(sess, false)
	return false
}

func (s *Server) login(sess *session, req protocol.Login) {
	ok, err := s.store.CheckCredentials(req.User, req.Password)
	if err != nil {
		sess.log.Error("check credentials", zap.Int("user", req.User), zap.Error(err))
		sess.setReply(protocol.Failure(textInternalError), replyClose)
		return
	}
	if !ok {
		s.metrics.RecordAuth("rejected")
		sess.log.Info("login rejected", zap.Int("user", req.User))
		sess.setReply(protocol.Failure(textLoginFailed), replyClose)
		return
	}
	if err := s.store.AssignServer(req.User, s.cfg.ID); err != nil {
		sess.log.Error("assign server", zap.Int("user", req.User), zap.Error(err))
		sess.setReply(protocol.Failure(textInternalError), replyClose)
		return
	}

	s.attachUser(sess, req.User)
	s.metrics.RecordAuth("login")
	sess.log.Info("user logged in", zap.Int("user", req.User))
	sess.setReply(protocol.Success(textLoginOK), replyDrain)
}

func (s *Server) register(sess *session, req protocol.Register) {
	created, err := s.store.RegisterUser(req.User, req.Password, req.PublicKey, s.cfg.ID)
	if err != nil {
		sess.log.Error("register user", zap.Int("user", req.User), zap.Error(err))
		sess.setReply(protocol.Failure(textInternalError), replyClose)
		return
	}
	if !created {
		s.metrics.RecordAuth("duplicate")
		sess.log.Info("registration refused, id taken", zap.Int("user", req.User))
		sess.setReply(protocol.Failure(textUserPresent), replyClose)
		return
	}

	s.attachUser(sess, req.User)
	s.metrics.RecordAuth("register")
	sess.log.Info("user registered", zap.Int("user", req.User))
	sess.setReply(protocol.Success(textRegistered), replyContinue)
}

func (s *Server) attachUser(sess *session, user int) {
	if prev, ok := s.reg.sessionForUser(user); ok && prev != sess {
		prev.log.Warn("user logged in again elsewhere on this server", zap.Int("user", user))
	}
	sess.user = user
	sess.log = sess.log.With(zap.Int("user", user))
	s.reg.bindUser(user, sess.handle)
	s.metrics.SetUsersOnline(len(s.reg.byUser))
}

// flush runs the write side of the state machine. It only sends when the
// transport reported write readiness.
func (s *Server) flush(sess *session) {
	if !sess.writable {
		return
	}

	switch sess.state {
	case stateReply:
		payload, err := protocol.Encode(sess.reply)
		if err != nil {
			sess.log.Error("encode reply", zap.Error(err))
			s.closeSession(sess, false)
			return
		}
		sess.writable = false
		if sess.after == replyClose {
			sess.conn.SendAndClose(payload)
			s.teardown(sess, false)
			return
		}
		sess.conn.Send(payload)
		if sess.after == replyDrain {
			s.drainOffline(sess)
		}
		sess.after = replyContinue
		if len(sess.queue) > 0 {
			sess.state = stateRM
		} else {
			sess.state = sess.idle
		}
	case stateRM:
		if len(sess.queue) == 0 {
			sess.state = sess.idle
			return
		}
		payload, err := protocol.EncodeBatch(sess.queue)
		if err != nil {
			sess.log.Error("encode batch, dropping queue", zap.Int("count", len(sess.queue)), zap.Error(err))
			sess.queue = nil
			sess.state = sess.idle
			return
		}
		sess.writable = false
		sess.conn.Send(payload)
		sess.log.Debug("delivered batch", zap.Int("count", len(sess.queue)))
		sess.queue = nil
		sess.state = sess.idle
	}
}

// drainOffline moves the user's stored envelopes ahead of anything routed
// while the reply was pending.
func (s *Server) drainOffline(sess *session) {
	direct, err := s.store.DrainOfflineDirect(sess.user)
	if err != nil {
		sess.log.Error("drain direct messages", zap.Error(err))
	}
	grouped, err := s.store.DrainOfflineGroup(sess.user)
	if err != nil {
		sess.log.Error("drain group messages", zap.Error(err))
	}

	pending := make([]protocol.Envelope, 0, len(direct)+len(grouped))
	for _, m := range direct {
		pending = appendStored(pending, m.Payload, sess.log)
	}
	for _, m := range grouped {
		pending = appendStored(pending, m.Payload, sess.log)
	}
	s.metrics.RecordDrained("direct", len(direct))
	s.metrics.RecordDrained("group", len(grouped))
	if len(pending) == 0 {
		return
	}
	sess.log.Info("delivering offline messages", zap.Int("direct", len(direct)), zap.Int("group", len(grouped)))
	sess.queue = append(pending, sess.queue...)
}

func appendStored(out []protocol.Envelope, payload string, log *zap.Logger) []protocol.Envelope {
	env, err := protocol.Decode([]byte(payload))
	if err != nil {
		log.Warn("skipping unreadable stored envelope", zap.Error(err))
		return out
	}
	return append(out, env)
}

// closeSession handles a close request or a lost socket: queued chat is
// stored for the user, who is then marked offline.
func (s *Server) closeSession(sess *session, persist bool) {
	s.teardown(sess, persist)
	sess.conn.Close()
}

func (s *Server) teardown(sess *session, persist bool) {
	if _, ok := s.reg.sessions[sess.handle]; !ok {
		return
	}
	s.reg.remove(sess.handle)

	owner := sess.user != 0 && s.reg.unbindUser(sess.user, sess.handle)
	if persist && sess.user != 0 {
		if owner {
			s.persistQueue(sess)
		} else {
			s.handOver(sess)
		}
	}
	if owner {
		if err := s.store.AssignServer(sess.user, int(models.Offline)); err != nil {
			sess.log.Error("clear assignment", zap.Error(err))
		}
		s.metrics.SetUsersOnline(len(s.reg.byUser))
	}
	if err := s.store.DecrementLoad(s.cfg.ID); err != nil {
		sess.log.Error("decrement load", zap.Error(err))
	}
	s.metrics.SessionClosed()
	sess.log.Info("session closed", zap.Stringer("state", sess.state))
}

func (s *Server) persistQueue(sess *session) {
	stored := 0
	for _, env := range sess.queue {
		chat, ok := env.(protocol.Chat)
		if !ok {
			continue
		}
		if err := s.persist(sess.user, chat); err != nil {
			sess.log.Error("persist queued envelope", zap.Error(err))
			continue
		}
		stored++
	}
	if stored > 0 {
		sess.log.Info("stored undelivered envelopes", zap.Int("count", stored))
	}
	sess.queue = nil
}

// handOver gives the queue of a replaced session to the user's current one.
func (s *Server) handOver(sess *session) {
	for _, env := range sess.queue {
		if s.deliverLocal(sess.user, env) {
			continue
		}
		if chat, ok := env.(protocol.Chat); ok {
			if err := s.persist(sess.user, chat); err != nil {
				sess.log.Error("persist queued envelope", zap.Error(err))
			}
		}
	}
	sess.queue = nil
}
