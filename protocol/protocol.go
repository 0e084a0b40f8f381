package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidFrame = errors.New("invalid frame")
	ErrUnknownType  = errors.New("unknown envelope type")
)

// Envelope type tags.
const (
	TypeLogin = "login"
	TypeNew   = "new"
	TypeClose = "close"
	TypeMsg   = "msg"
	TypeImg   = "img"
	TypeKeys  = "keys"
	TypeReply = "server-reply"

	legacyReply = "server reply"
)

// Control strings carried in the message field.
const (
	ServerTarget       = "server"
	ControlClose       = "close"
	ControlCreateGroup = "create_group"
	ControlAddMember   = "add_to_group"
	ControlRemove      = "remove_from_group"
)

const (
	TimeLayout = "2006-01-02 15:04:05.000000"
	MaxFrame   = 1 << 20
)

func Now() string {
	return time.Now().Format(TimeLayout)
}

// Envelope is one decoded wire unit. The concrete types below are the only
// implementations.
type Envelope interface {
	Type() string
}

// Login asks for an existing account. Sign is the balancer signature the
// client received with its assignment.
type Login struct {
	User     int
	Password string
	Sign     string
}

// Register creates an account bound to the receiving server.
type Register struct {
	User      int
	Password  string
	PublicKey string
	Sign      string
}

// Quit abandons a connection before authentication.
type Quit struct{}

// Close ends an authenticated session.
type Close struct {
	From int
}

// Chat is a direct or group payload. From is 0 for server notices. Group is
// 0 for direct messages; a group send is one Chat per recipient.
type Chat struct {
	Image   bool
	From    int
	To      int
	Group   int
	Time    string
	Payload string
	Key     string
}

type KeysRequest struct {
	From    int
	Target  int
	IsGroup bool
}

// KeysReply maps user ids to PEM public keys. A nil Keys is the non-member
// sentinel.
type KeysReply struct {
	IsGroup bool
	Keys    map[int]string
}

type CreateGroup struct {
	From         int
	Participants []int
	Time         string
}

type AddMember struct {
	From   int
	Group  int
	Member int
	Time   string
}

type RemoveMember struct {
	From   int
	Group  int
	Member int
	Time   string
}

// ServerReply answers authentication and group requests. Response 0 is
// success, 1 failure.
type ServerReply struct {
	Response int
	Text     string
}

func (Login) Type() string        { return TypeLogin }
func (Register) Type() string     { return TypeNew }
func (Quit) Type() string         { return TypeClose }
func (Close) Type() string        { return TypeMsg }
func (KeysRequest) Type() string  { return TypeKeys }
func (KeysReply) Type() string    { return TypeKeys }
func (CreateGroup) Type() string  { return TypeMsg }
func (AddMember) Type() string    { return TypeMsg }
func (RemoveMember) Type() string { return TypeMsg }
func (ServerReply) Type() string  { return TypeReply }

func (c Chat) Type() string {
	if c.Image {
		return TypeImg
	}
	return TypeMsg
}

func (c Chat) IsGroup() bool { return c.Group != 0 }

func (r ServerReply) OK() bool { return r.Response == 0 }

// Failure builds a response-1 reply with a human readable text.
func Failure(text string) ServerReply {
	return ServerReply{Response: 1, Text: text}
}

func Success(text string) ServerReply {
	return ServerReply{Response: 0, Text: text}
}

// Notice builds a server-originated chat message.
func Notice(to, group int, text string) Chat {
	return Chat{To: to, Group: group, Time: Now(), Payload: text}
}

// Assignment is the balancer response.
type Assignment struct {
	ServerIP   string `json:"server_ip"`
	ServerPort int    `json:"server_port"`
	Sign       string `json:"sign"`
}

func (a Assignment) Address() string {
	return net.JoinHostPort(a.ServerIP, strconv.Itoa(a.ServerPort))
}

// SignedText is the message the balancer signs for a server.
func SignedText(ip string, port int) string {
	return ip + strconv.Itoa(port)
}

type wire struct {
	Type          string          `json:"type"`
	User          json.RawMessage `json:"user,omitempty"`
	Password      string          `json:"password,omitempty"`
	PublicKey     string          `json:"public_key,omitempty"`
	Sign          string          `json:"sign,omitempty"`
	From          json.RawMessage `json:"from,omitempty"`
	Dest          json.RawMessage `json:"dest,omitempty"`
	Group         int             `json:"group,omitempty"`
	Time          string          `json:"time,omitempty"`
	IsGroup       *int            `json:"isgroup,omitempty"`
	Message       json.RawMessage `json:"message,omitempty"`
	Key           string          `json:"key,omitempty"`
	ServerMessage string          `json:"server_message,omitempty"`
	Response      *int            `json:"response,omitempty"`
}

func intPtr(v int) *int { return &v }

func flag(b bool) *int {
	if b {
		return intPtr(1)
	}
	return intPtr(0)
}

func rawInt(v int) json.RawMessage {
	return json.RawMessage(strconv.Itoa(v))
}

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// rawSender encodes a sender id, 0 standing for the server.
func rawSender(v int) json.RawMessage {
	if v == 0 {
		return rawString(ServerTarget)
	}
	return rawInt(v)
}

// Encode serializes a single envelope as a JSON object.
func Encode(e Envelope) ([]byte, error) {
	w := wire{Type: e.Type()}
	switch m := e.(type) {
	case Login:
		w.User, w.Password, w.Sign = rawInt(m.User), m.Password, m.Sign
	case Register:
		w.User, w.Password, w.Sign, w.PublicKey = rawInt(m.User), m.Password, m.Sign, m.PublicKey
	case Quit:
		w.User, w.Password = rawString(ControlClose), ControlClose
	case Close:
		w.From, w.Dest, w.Message = rawInt(m.From), rawString(ServerTarget), rawString(ControlClose)
		w.Time, w.IsGroup = Now(), flag(false)
	case Chat:
		w.From, w.Dest, w.Group = rawSender(m.From), rawInt(m.To), m.Group
		w.Time, w.Message, w.Key = m.Time, rawString(m.Payload), m.Key
		w.IsGroup, w.Response = flag(m.IsGroup()), intPtr(0)
	case KeysRequest:
		w.From, w.Dest, w.Message = rawInt(m.From), rawString(ServerTarget), rawInt(m.Target)
		w.IsGroup = flag(m.IsGroup)
	case KeysReply:
		w.From, w.IsGroup = rawString(ServerTarget), flag(m.IsGroup)
		if m.Keys == nil {
			w.Message, w.Response = rawInt(-1), intPtr(1)
			break
		}
		msg, err := json.Marshal(m.Keys)
		if err != nil {
			return nil, err
		}
		w.Message, w.Response = msg, intPtr(0)
	case CreateGroup:
		ids := make([]string, len(m.Participants))
		for i, p := range m.Participants {
			ids[i] = strconv.Itoa(p)
		}
		w.From, w.Dest, w.Time = rawInt(m.From), rawString(strings.Join(ids, ",")), m.Time
		w.Message, w.IsGroup = rawString(ControlCreateGroup), flag(true)
	case AddMember:
		w.From, w.Dest, w.Group, w.Time = rawInt(m.From), rawInt(m.Member), m.Group, m.Time
		w.Message, w.IsGroup = rawString(ControlAddMember), flag(true)
	case RemoveMember:
		w.From, w.Dest, w.Group, w.Time = rawInt(m.From), rawInt(m.Member), m.Group, m.Time
		w.Message, w.IsGroup = rawString(ControlRemove), flag(true)
	case ServerReply:
		w.ServerMessage, w.Response = m.Text, intPtr(m.Response)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, e)
	}
	return json.Marshal(w)
}

// EncodeBatch serializes envelopes as one JSON array.
func EncodeBatch(envs []Envelope) ([]byte, error) {
	items := make([]json.RawMessage, 0, len(envs))
	for _, e := range envs {
		b, err := Encode(e)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return json.Marshal(items)
}

// Decode parses one JSON object, dispatching on the type and message tags.
func Decode(data []byte) (Envelope, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	switch w.Type {
	case TypeLogin:
		user, _, err := parseID(w.User)
		if err != nil {
			return nil, err
		}
		return Login{User: user, Password: w.Password, Sign: w.Sign}, nil
	case TypeNew:
		user, _, err := parseID(w.User)
		if err != nil {
			return nil, err
		}
		return Register{User: user, Password: w.Password, PublicKey: w.PublicKey, Sign: w.Sign}, nil
	case TypeClose:
		return Quit{}, nil
	case TypeMsg, TypeImg:
		return decodeChat(&w)
	case TypeKeys:
		return decodeKeys(&w)
	case TypeReply, legacyReply:
		reply := ServerReply{Text: w.ServerMessage}
		if w.Response != nil {
			reply.Response = *w.Response
		}
		return reply, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
}

func decodeChat(w *wire) (Envelope, error) {
	from, _, err := parseID(w.From)
	if err != nil {
		return nil, err
	}
	text, isText := messageText(w.Message)
	grouped := w.IsGroup != nil && *w.IsGroup == 1

	if _, server, _ := parseID(w.Dest); server && isText && text == ControlClose {
		return Close{From: from}, nil
	}

	if grouped && isText && w.Type == TypeMsg {
		switch text {
		case ControlCreateGroup:
			participants, err := parseIDList(w.Dest)
			if err != nil {
				return nil, err
			}
			return CreateGroup{From: from, Participants: participants, Time: w.Time}, nil
		case ControlAddMember, ControlRemove:
			member, _, err := parseID(w.Dest)
			if err != nil {
				return nil, err
			}
			if text == ControlAddMember {
				return AddMember{From: from, Group: w.Group, Member: member, Time: w.Time}, nil
			}
			return RemoveMember{From: from, Group: w.Group, Member: member, Time: w.Time}, nil
		}
	}

	to, _, err := parseID(w.Dest)
	if err != nil {
		return nil, err
	}
	if !isText {
		return nil, fmt.Errorf("%w: message is not a string", ErrInvalidFrame)
	}
	chat := Chat{
		Image:   w.Type == TypeImg,
		From:    from,
		To:      to,
		Time:    w.Time,
		Payload: text,
		Key:     w.Key,
	}
	if grouped {
		chat.Group = w.Group
	}
	return chat, nil
}

func decodeKeys(w *wire) (Envelope, error) {
	grouped := w.IsGroup != nil && *w.IsGroup == 1
	from, server, err := parseID(w.From)
	if err != nil {
		return nil, err
	}
	if !server {
		target, _, err := parseID(w.Message)
		if err != nil {
			return nil, err
		}
		return KeysRequest{From: from, Target: target, IsGroup: grouped}, nil
	}

	reply := KeysReply{IsGroup: grouped}
	if bytes.HasPrefix(bytes.TrimSpace(w.Message), []byte("{")) {
		if err := json.Unmarshal(w.Message, &reply.Keys); err != nil {
			return nil, fmt.Errorf("%w: keys: %v", ErrInvalidFrame, err)
		}
	}
	return reply, nil
}

// parseID reads a user or server id. The string "server" yields (0, true).
// Numeric strings are accepted.
func parseID(raw json.RawMessage) (int, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false, fmt.Errorf("%w: missing id", ErrInvalidFrame)
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		if s == ServerTarget {
			return 0, true, nil
		}
		id, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, false, fmt.Errorf("%w: id %q", ErrInvalidFrame, s)
		}
		return id, false, nil
	}
	var id int
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return id, false, nil
}

// parseIDList reads a comma separated id list, a JSON array or a single id.
func parseIDList(raw json.RawMessage) ([]int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var ids []int
		if err := json.Unmarshal(raw, &ids); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		return ids, nil
	}
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		var ids []int
		for _, part := range strings.Split(s, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("%w: participant %q", ErrInvalidFrame, part)
			}
			ids = append(ids, id)
		}
		return ids, nil
	}
	id, _, err := parseID(raw)
	if err != nil {
		return nil, err
	}
	return []int{id}, nil
}

func messageText(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// DecodeFrame parses one frame: an object or an array of envelopes. Array
// elements may be JSON strings holding an encoded envelope.
func DecodeFrame(frame []byte) ([]Envelope, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidFrame)
	}
	if frame[0] != '[' {
		e, err := Decode(frame)
		if err != nil {
			return nil, err
		}
		return []Envelope{e}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(frame, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	envs := make([]Envelope, 0, len(items))
	for _, item := range items {
		if len(item) > 0 && item[0] == '"' {
			var inner string
			if err := json.Unmarshal(item, &inner); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
			}
			item = json.RawMessage(inner)
		}
		e, err := Decode(item)
		if err != nil {
			return nil, err
		}
		envs = append(envs, e)
	}
	return envs, nil
}

// WriteFrame writes payload followed by the frame delimiter.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}

// NewScanner splits r into frames no longer than max bytes.
func NewScanner(r io.Reader, max int) *bufio.Scanner {
	if max <= 0 {
		max = MaxFrame
	}
	initial := 4096
	if max < initial {
		initial = max
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, initial), max)
	return sc
}
