package db

import (
	"errors"
	"fmt"

	"fastchat/models"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrUnknownDriver = errors.New("unknown store driver")
)

// passwordCost is lowered by tests.
var passwordCost = bcrypt.DefaultCost

// Gateway is the durable store shared by every server and the balancer.
// Implementations serialize concurrent updates themselves.
type Gateway interface {
	// RegisterUser stores a new account assigned to serverID. It reports
	// false when the id is already taken.
	RegisterUser(id int, password, publicKey string, serverID int) (bool, error)
	UserExists(id int) (bool, error)
	FetchPublicKey(id int) (string, error)
	CheckCredentials(id int, password string) (bool, error)
	AssignServer(id, serverID int) error
	QueryServer(id int) (models.Location, error)

	EnqueueOfflineDirect(msg models.PendingMessage) error
	EnqueueOfflineGroup(msg models.PendingGroupMessage) error
	// Drain calls return pending rows in enqueue order and delete them in
	// the same transaction.
	DrainOfflineDirect(user int) ([]models.PendingMessage, error)
	DrainOfflineGroup(user int) ([]models.PendingGroupMessage, error)

	// CreateGroup returns -1 when any participant is not registered.
	CreateGroup(admin int, participants []int) (int, error)
	Group(id int) (models.Group, error)
	GroupParticipants(id int) ([]int, error)
	AddParticipant(group, user int) error
	RemoveParticipant(group, user int) error

	InitLoad(total int) error
	IncrementLoad(serverID int) error
	DecrementLoad(serverID int) error
	LoadCounters() ([]models.ServerLoad, error)
	// MinLoadServer picks the least loaded server of pool, ties going to
	// the earlier pool entry.
	MinLoadServer(pool []int) (int, error)

	Close() error
}

// Open returns the gateway for driver ("sqlite" or "postgres").
func Open(driver, dsn string) (Gateway, error) {
	switch driver {
	case "", "sqlite", "sqlite3":
		return New(dsn)
	case "postgres":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

func hashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), passwordCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func matchPassword(digest, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)) == nil
}

// groupMembers puts admin first and drops duplicates.
func groupMembers(admin int, participants []int) []int {
	seen := map[int]bool{admin: true}
	out := []int{admin}
	for _, p := range participants {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func minLoad(pool []int, loads []models.ServerLoad) (int, error) {
	if len(pool) == 0 {
		return 0, fmt.Errorf("min load: %w: empty pool", ErrNotFound)
	}
	counts := make(map[int]int, len(loads))
	for _, l := range loads {
		counts[l.ServerID] = l.Clients
	}
	best := pool[0]
	for _, id := range pool[1:] {
		if counts[id] < counts[best] {
			best = id
		}
	}
	return best, nil
}
