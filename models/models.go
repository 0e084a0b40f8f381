package models

// User is a registered account. ServerID holds the live assignment, Offline
// when the user has no session anywhere.
type User struct {
	ID             int
	PasswordDigest []byte
	ServerID       int
	PublicKey      string
}

// Group membership. Participants keeps insertion order and always contains Admin.
type Group struct {
	ID           int
	Admin        int
	Participants []int
}

func (g Group) Has(user int) bool {
	for _, p := range g.Participants {
		if p == user {
			return true
		}
	}
	return false
}

// Others returns the participants without the given user.
func (g Group) Others(user int) []int {
	out := make([]int, 0, len(g.Participants))
	for _, p := range g.Participants {
		if p != user {
			out = append(out, p)
		}
	}
	return out
}

// PendingMessage is a direct envelope waiting for an offline receiver.
// Payload is the encoded envelope exactly as it will be delivered.
type PendingMessage struct {
	ID       int64
	Sender   int
	Receiver int
	Time     string
	Payload  string
}

// PendingGroupMessage is stored once per offline recipient.
type PendingGroupMessage struct {
	ID       int64
	Sender   int
	Group    int
	Receiver int
	Time     string
	Payload  string
}

type ServerLoad struct {
	ServerID int
	Clients  int
}

// Location is the result of a server assignment lookup: a server id (> 0),
// Offline or NotRegistered.
type Location int

const (
	NotRegistered Location = -2
	Offline       Location = -1
)

func (l Location) Online() bool {
	return l > 0
}

// GroupStatus carries group policy outcomes. Negative values are violations,
// never infrastructure errors.
type GroupStatus int

const (
	GroupOK           GroupStatus = 1
	GroupNotAdmin     GroupStatus = -1
	GroupAlreadyIn    GroupStatus = -2
	GroupNotMember    GroupStatus = -2
	GroupMissing      GroupStatus = -3
	GroupUnknownUser  GroupStatus = -4
	GroupInvalidUsers GroupStatus = -1
)

func (s GroupStatus) OK() bool {
	return s == GroupOK
}
