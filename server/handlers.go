package server

import (
	"errors"
	"fmt"

	"fastchat/db"
	"fastchat/group"
	"fastchat/protocol"

	"go.uber.org/zap"
)

// handleFrame serves MSG, IMG, RM and REPLY sessions of authenticated users.
// Decoding problems are logged and the connection survives.
func (s *Server) handleFrame(sess *session, frame []byte) {
	if sess.user == 0 {
		sess.log.Debug("ignoring frame while a failure reply is pending")
		return
	}

	envs, err := protocol.DecodeFrame(frame)
	if err != nil {
		s.metrics.RecordProtocolError()
		sess.log.Warn("bad frame", zap.Error(err))
		return
	}

	for _, env := range envs {
		if s.handleEnvelope(sess, env) {
			return
		}
	}
	s.flush(sess)
}

// handleEnvelope reports true when the session is gone.
func (s *Server) handleEnvelope(sess *session, env protocol.Envelope) bool {
	switch m := env.(type) {
	case protocol.Close:
		sess.log.Info("close requested")
		s.closeSession(sess, true)
		return true
	case protocol.Chat:
		s.handleChat(sess, m)
	case protocol.CreateGroup:
		s.handleCreateGroup(sess, m)
	case protocol.AddMember:
		s.handleAddMember(sess, m)
	case protocol.RemoveMember:
		s.handleRemoveMember(sess, m)
	case protocol.KeysRequest:
		s.handleKeys(sess, m)
	default:
		s.metrics.RecordProtocolError()
		sess.log.Warn("unexpected envelope", zap.String("type", env.Type()))
	}
	return false
}

func (s *Server) handleChat(sess *session, chat protocol.Chat) {
	// The sender is always the authenticated user.
	chat.From = sess.user
	if chat.Time == "" {
		chat.Time = protocol.Now()
	}

	if chat.Image {
		sess.idle = stateImg
	} else {
		sess.idle = stateMsg
	}
	if sess.state == stateMsg || sess.state == stateImg {
		sess.state = sess.idle
	}

	if chat.IsGroup() {
		s.routeGroup(chat)
		return
	}
	s.route(chat.To, chat)
}

func (s *Server) handleCreateGroup(sess *session, req protocol.CreateGroup) {
	admin := sess.user
	groupID, err := s.groups.Create(admin, req.Participants)
	if err != nil {
		sess.log.Error("create group", zap.Error(err))
		sess.enqueue(protocol.Failure(textInternalError))
		return
	}
	if groupID < 0 {
		sess.enqueue(protocol.Failure("List of participants not valid"))
		return
	}

	sess.enqueue(protocol.Notice(admin, groupID, fmt.Sprintf("You have successfully created the group: %d", groupID)))

	g, _, err := s.groups.Lookup(groupID)
	if err != nil {
		sess.log.Error("load new group", zap.Int("group", groupID), zap.Error(err))
		return
	}
	s.broadcast(g.Others(admin), groupID, fmt.Sprintf("You have been added to group %d by %d", groupID, admin))
}

func (s *Server) handleAddMember(sess *session, req protocol.AddMember) {
	status, err := s.groups.Add(req.Member, sess.user, req.Group)
	if err != nil {
		sess.log.Error("add participant", zap.Int("group", req.Group), zap.Error(err))
		sess.enqueue(protocol.Failure(textInternalError))
		return
	}
	text := group.StatusText(status, req.Member, req.Group, false)
	if !status.OK() {
		sess.log.Info("add participant refused", zap.Int("group", req.Group), zap.Int("status", int(status)))
		sess.enqueue(protocol.Failure(text))
		return
	}

	sess.enqueue(protocol.Success(text))
	s.notifyMembers(sess, req.Group, text, 0)
}

func (s *Server) handleRemoveMember(sess *session, req protocol.RemoveMember) {
	status, err := s.groups.Remove(req.Member, sess.user, req.Group)
	if err != nil {
		sess.log.Error("remove participant", zap.Int("group", req.Group), zap.Error(err))
		sess.enqueue(protocol.Failure(textInternalError))
		return
	}
	text := group.StatusText(status, req.Member, req.Group, true)
	if !status.OK() {
		sess.log.Info("remove participant refused", zap.Int("group", req.Group), zap.Int("status", int(status)))
		sess.enqueue(protocol.Failure(text))
		return
	}

	sess.enqueue(protocol.Success(text))
	s.notifyMembers(sess, req.Group, text, req.Member)
}

// notifyMembers tells every member except the admin, plus extra when set.
func (s *Server) notifyMembers(sess *session, groupID int, text string, extra int) {
	g, ok, err := s.groups.Lookup(groupID)
	if err != nil || !ok {
		sess.log.Error("reload group", zap.Int("group", groupID), zap.Error(err))
		return
	}
	users := g.Others(g.Admin)
	if extra != 0 && !g.Has(extra) {
		users = append(users, extra)
	}
	s.broadcast(users, groupID, text)
}

func (s *Server) handleKeys(sess *session, req protocol.KeysRequest) {
	reply := protocol.KeysReply{IsGroup: req.IsGroup}
	if req.IsGroup {
		keys, err := s.groups.Keys(req.Target, sess.user)
		if err != nil {
			sess.log.Error("group keys", zap.Int("group", req.Target), zap.Error(err))
		}
		reply.Keys = keys
	} else {
		key, err := s.store.FetchPublicKey(req.Target)
		switch {
		case errors.Is(err, db.ErrNotFound):
		case err != nil:
			sess.log.Error("fetch public key", zap.Int("target", req.Target), zap.Error(err))
		default:
			reply.Keys = map[int]string{req.Target: key}
		}
	}
	sess.enqueue(reply)
}
