package server

import (
	"fmt"

	"fastchat/models"
	"fastchat/protocol"

	"go.uber.org/zap"
)

// Decision is the outcome of routing one envelope.
type Decision int

const (
	DecisionDropped Decision = iota
	DecisionOffline
	DecisionLocal
	DecisionForwarded
)

func (d Decision) String() string {
	switch d {
	case DecisionDropped:
		return "dropped"
	case DecisionOffline:
		return "offline"
	case DecisionLocal:
		return "local"
	case DecisionForwarded:
		return "forwarded"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// route delivers chat to dest: into a local session, onto the mesh link of
// dest's server, or into the offline tables.
func (s *Server) route(dest int, chat protocol.Chat) Decision {
	d := s.resolve(dest, chat)
	s.metrics.RecordRoute(d)
	s.log.Debug("routed envelope",
		zap.Int("from", chat.From), zap.Int("dest", dest), zap.Int("group", chat.Group), zap.Stringer("decision", d))
	return d
}

func (s *Server) resolve(dest int, chat protocol.Chat) Decision {
	loc, err := s.store.QueryServer(dest)
	if err != nil {
		s.log.Error("query server, dropping envelope", zap.Int("dest", dest), zap.Error(err))
		return DecisionDropped
	}

	switch {
	case loc == models.NotRegistered:
		s.log.Info("destination not registered, dropping", zap.Int("dest", dest), zap.Int("from", chat.From))
		return DecisionDropped
	case loc == models.Offline:
		return s.storeOffline(dest, chat)
	case int(loc) == s.cfg.ID:
		if s.deliverLocal(dest, chat) {
			return DecisionLocal
		}
		// Assigned here without a live session: the assignment is stale.
		s.log.Warn("no local session for assigned user, storing", zap.Int("dest", dest))
		return s.storeOffline(dest, chat)
	}

	link, ok := s.reg.links[int(loc)]
	if !ok {
		s.log.Warn("no mesh link to destination server, storing", zap.Int("dest", dest), zap.Int("peer_id", int(loc)))
		return s.storeOffline(dest, chat)
	}
	link.queue = append(link.queue, chat)
	s.flushLink(link)
	return DecisionForwarded
}

func (s *Server) storeOffline(dest int, chat protocol.Chat) Decision {
	if err := s.persist(dest, chat); err != nil {
		s.log.Error("store offline envelope, dropping", zap.Int("dest", dest), zap.Error(err))
		return DecisionDropped
	}
	return DecisionOffline
}

// persist is the only writer of the offline tables.
func (s *Server) persist(receiver int, chat protocol.Chat) error {
	chat.To = receiver
	payload, err := protocol.Encode(chat)
	if err != nil {
		return err
	}
	if chat.IsGroup() {
		return s.store.EnqueueOfflineGroup(models.PendingGroupMessage{
			Sender: chat.From, Group: chat.Group, Receiver: receiver, Time: chat.Time, Payload: string(payload),
		})
	}
	return s.store.EnqueueOfflineDirect(models.PendingMessage{
		Sender: chat.From, Receiver: receiver, Time: chat.Time, Payload: string(payload),
	})
}

// deliverLocal queues env for a user attached to this server.
func (s *Server) deliverLocal(user int, env protocol.Envelope) bool {
	sess, ok := s.reg.sessionForUser(user)
	if !ok {
		return false
	}
	sess.enqueue(env)
	s.flush(sess)
	return true
}

// routeGroup sends a per-recipient group envelope. Senders outside the group
// and recipients outside it are dropped silently.
func (s *Server) routeGroup(chat protocol.Chat) Decision {
	g, ok, err := s.groups.Lookup(chat.Group)
	if err != nil {
		s.log.Error("group lookup", zap.Int("group", chat.Group), zap.Error(err))
		return DecisionDropped
	}
	if !ok || !g.Has(chat.From) {
		s.log.Info("sender not part of the group, not sending", zap.Int("group", chat.Group), zap.Int("from", chat.From))
		s.metrics.RecordRoute(DecisionDropped)
		return DecisionDropped
	}
	if chat.To == chat.From || !g.Has(chat.To) {
		s.log.Info("recipient not part of the group, not sending", zap.Int("group", chat.Group), zap.Int("dest", chat.To))
		s.metrics.RecordRoute(DecisionDropped)
		return DecisionDropped
	}
	return s.route(chat.To, chat)
}

// broadcast routes a server notice to every listed user.
func (s *Server) broadcast(users []int, group int, text string) {
	for _, u := range users {
		s.route(u, protocol.Notice(u, group, text))
	}
}

// handleMeshFrame delivers envelopes forwarded by a peer. The peer already
// decided the user is here, so nothing is stored again.
func (s *Server) handleMeshFrame(link *meshLink, frame []byte) {
	envs, err := protocol.DecodeFrame(frame)
	if err != nil {
		s.metrics.RecordProtocolError()
		s.log.Warn("bad mesh frame", zap.Int("peer_id", link.peer), zap.Error(err))
		return
	}
	s.meshMetrics.RecordReceived(len(envs))

	for _, env := range envs {
		chat, ok := env.(protocol.Chat)
		if !ok {
			s.log.Warn("unexpected envelope on mesh link", zap.Int("peer_id", link.peer), zap.String("type", env.Type()))
			continue
		}
		if !s.deliverLocal(chat.To, chat) {
			s.log.Warn("forwarded envelope for user not on this server, dropping",
				zap.Int("peer_id", link.peer), zap.Int("dest", chat.To), zap.Int("from", chat.From))
			s.metrics.RecordRoute(DecisionDropped)
			continue
		}
		s.metrics.RecordRoute(DecisionLocal)
	}
}

// flushLink writes the link's queue as one batch when the link is writable.
func (s *Server) flushLink(link *meshLink) {
	if !link.writable || len(link.queue) == 0 {
		return
	}
	payload, err := protocol.EncodeBatch(link.queue)
	if err != nil {
		s.log.Error("encode mesh batch, dropping", zap.Int("peer_id", link.peer), zap.Error(err))
		link.queue = nil
		return
	}
	link.writable = false
	link.conn.Send(payload)
	s.meshMetrics.RecordSent(len(link.queue))
	link.queue = nil
}

// storeUnsent keeps envelopes that were waiting on a lost link.
func (s *Server) storeUnsent(link *meshLink) {
	for _, env := range link.queue {
		if chat, ok := env.(protocol.Chat); ok {
			s.storeOffline(chat.To, chat)
		}
	}
	link.queue = nil
}
