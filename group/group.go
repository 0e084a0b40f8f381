// Package group manages group membership on top of the persistence gateway.
// Policy violations are reported as models.GroupStatus codes; errors are
// reserved for store failures.
package group

import (
	"errors"
	"fmt"

	"fastchat/db"
	"fastchat/logging"
	"fastchat/models"

	"go.uber.org/zap"
)

// Store is the part of db.Gateway the service needs.
type Store interface {
	UserExists(id int) (bool, error)
	FetchPublicKey(id int) (string, error)
	CreateGroup(admin int, participants []int) (int, error)
	Group(id int) (models.Group, error)
	AddParticipant(group, user int) error
	RemoveParticipant(group, user int) error
}

type Service struct {
	store Store
	log   *zap.Logger
}

func NewService(store Store, log *zap.Logger) *Service {
	return &Service{store: store, log: logging.OrNop(log)}
}

// Create stores a group administered by admin. It returns -1 when any
// participant is not registered.
func (s *Service) Create(admin int, participants []int) (int, error) {
	id, err := s.store.CreateGroup(admin, participants)
	if err != nil {
		return 0, fmt.Errorf("create group: %w", err)
	}
	if id < 0 {
		s.log.Info("group rejected, unregistered participant", zap.Int("admin", admin), zap.Ints("participants", participants))
		return -1, nil
	}
	s.log.Info("group created", zap.Int("group", id), zap.Int("admin", admin))
	return id, nil
}

// Lookup returns the group, or false when it does not exist.
func (s *Service) Lookup(groupID int) (models.Group, bool, error) {
	g, err := s.store.Group(groupID)
	if errors.Is(err, db.ErrNotFound) {
		return models.Group{}, false, nil
	}
	if err != nil {
		return models.Group{}, false, err
	}
	return g, true, nil
}

func (s *Service) Add(member, requester, groupID int) (models.GroupStatus, error) {
	g, ok, err := s.Lookup(groupID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return models.GroupMissing, nil
	}
	if g.Admin != requester {
		return models.GroupNotAdmin, nil
	}
	registered, err := s.store.UserExists(member)
	if err != nil {
		return 0, err
	}
	if !registered {
		return models.GroupUnknownUser, nil
	}
	if g.Has(member) {
		return models.GroupAlreadyIn, nil
	}
	if err := s.store.AddParticipant(groupID, member); err != nil {
		return 0, fmt.Errorf("add participant: %w", err)
	}
	s.log.Info("participant added", zap.Int("group", groupID), zap.Int("user", member))
	return models.GroupOK, nil
}

// Remove takes member out of the group. The admin cannot be removed.
func (s *Service) Remove(member, requester, groupID int) (models.GroupStatus, error) {
	g, ok, err := s.Lookup(groupID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return models.GroupMissing, nil
	}
	if g.Admin != requester || member == g.Admin {
		return models.GroupNotAdmin, nil
	}
	if !g.Has(member) {
		return models.GroupNotMember, nil
	}
	if err := s.store.RemoveParticipant(groupID, member); err != nil {
		return 0, fmt.Errorf("remove participant: %w", err)
	}
	s.log.Info("participant removed", zap.Int("group", groupID), zap.Int("user", member))
	return models.GroupOK, nil
}

// Keys maps every member except requester to its public key. It returns nil
// when requester is not a member or the group is missing.
func (s *Service) Keys(groupID, requester int) (map[int]string, error) {
	g, ok, err := s.Lookup(groupID)
	if err != nil || !ok || !g.Has(requester) {
		return nil, err
	}
	keys := make(map[int]string, len(g.Participants)-1)
	for _, p := range g.Others(requester) {
		key, err := s.store.FetchPublicKey(p)
		if err != nil {
			return nil, err
		}
		keys[p] = key
	}
	return keys, nil
}

// StatusText is the message shown to a requester for a group outcome.
func StatusText(status models.GroupStatus, member, groupID int, removing bool) string {
	switch {
	case status == models.GroupOK && removing:
		return fmt.Sprintf("%d has been removed from the group", member)
	case status == models.GroupOK:
		return fmt.Sprintf("%d has been added to the group", member)
	case status == models.GroupNotAdmin:
		return fmt.Sprintf("Only the admin of group %d can change its members", groupID)
	case status == models.GroupMissing:
		return fmt.Sprintf("Group %d does not exist", groupID)
	case status == models.GroupUnknownUser:
		return fmt.Sprintf("User %d is not registered", member)
	case removing:
		return fmt.Sprintf("%d is not a member of group %d", member, groupID)
	default:
		return fmt.Sprintf("%d is already a member of group %d", member, groupID)
	}
}
