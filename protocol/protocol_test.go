package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeClientRequests(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Envelope
	}{
		{
			name: "login",
			in:   `{"type":"login","user":7,"password":"pw","sign":"c2ln"}`,
			want: Login{User: 7, Password: "pw", Sign: "c2ln"},
		},
		{
			name: "register",
			in:   `{"type":"new","user":3,"password":"pw","sign":"s","public_key":"PEM"}`,
			want: Register{User: 3, Password: "pw", Sign: "s", PublicKey: "PEM"},
		},
		{
			name: "quit before auth",
			in:   `{"type":"close","user":"close","password":"close"}`,
			want: Quit{},
		},
		{
			name: "session close",
			in:   `{"type":"msg","time":"t","dest":"server","from":4,"message":"close","isgroup":0}`,
			want: Close{From: 4},
		},
		{
			name: "direct chat",
			in:   `{"type":"msg","time":"t","dest":2,"from":1,"message":"cipher","isgroup":0,"key":"k"}`,
			want: Chat{From: 1, To: 2, Time: "t", Payload: "cipher", Key: "k"},
		},
		{
			name: "group image",
			in:   `{"type":"img","time":"t","dest":2,"group":9,"from":1,"message":"png","isgroup":1,"key":"k"}`,
			want: Chat{Image: true, From: 1, To: 2, Group: 9, Time: "t", Payload: "png", Key: "k"},
		},
		{
			name: "create group",
			in:   `{"type":"msg","time":"t","dest":"2, 3","from":1,"message":"create_group","isgroup":1}`,
			want: CreateGroup{From: 1, Participants: []int{2, 3}, Time: "t"},
		},
		{
			name: "add member",
			in:   `{"type":"msg","time":"t","group":5,"dest":4,"from":1,"message":"add_to_group","isgroup":1}`,
			want: AddMember{From: 1, Group: 5, Member: 4, Time: "t"},
		},
		{
			name: "remove member",
			in:   `{"type":"msg","time":"t","group":5,"dest":"4","from":1,"message":"remove_from_group","isgroup":1}`,
			want: RemoveMember{From: 1, Group: 5, Member: 4, Time: "t"},
		},
		{
			name: "keys request",
			in:   `{"type":"keys","dest":"server","from":1,"message":5,"isgroup":1}`,
			want: KeysRequest{From: 1, Target: 5, IsGroup: true},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.in))
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeServerReplies(t *testing.T) {
	got, err := Decode([]byte(`{"type":"server reply","server_message":"Succesful Login!","response":0}`))
	require.NoError(t, err)
	require.Equal(t, ServerReply{Response: 0, Text: "Succesful Login!"}, got)

	got, err = Decode([]byte(`{"type":"keys","from":"server","message":{"2":"PEM2","3":"PEM3"},"isgroup":1,"response":0}`))
	require.NoError(t, err)
	require.Equal(t, KeysReply{IsGroup: true, Keys: map[int]string{2: "PEM2", 3: "PEM3"}}, got)

	got, err = Decode([]byte(`{"type":"keys","from":"server","message":-1,"isgroup":1,"response":1}`))
	require.NoError(t, err)
	require.Nil(t, got.(KeysReply).Keys)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	require.ErrorIs(t, err, ErrInvalidFrame)

	_, err = Decode([]byte(`{"type":"ping"}`))
	require.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode([]byte(`{"type":"msg","from":1,"dest":"nobody","message":"x"}`))
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestEncodeServerNotice(t *testing.T) {
	b, err := Encode(Notice(2, 7, "You have been added to group 7 by 1"))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	require.Equal(t, "server", raw["from"])
	require.Equal(t, float64(2), raw["dest"])
	require.Equal(t, float64(7), raw["group"])
	require.Equal(t, float64(1), raw["isgroup"])
	require.Equal(t, float64(0), raw["response"])

	back, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, 0, back.(Chat).From)
	require.Equal(t, 7, back.(Chat).Group)
}

func TestEncodeKeysSentinel(t *testing.T) {
	b, err := Encode(KeysReply{IsGroup: true})
	require.NoError(t, err)
	require.Contains(t, string(b), `"message":-1`)
	require.Contains(t, string(b), `"response":1`)
}

func TestDecodeFrameBatches(t *testing.T) {
	stored, err := Encode(Chat{From: 1, To: 3, Time: "t", Payload: "offline"})
	require.NoError(t, err)
	quoted, err := json.Marshal(string(stored))
	require.NoError(t, err)

	live, err := Encode(Chat{From: 2, To: 3, Group: 4, Time: "t", Payload: "live"})
	require.NoError(t, err)

	frame := "[" + string(quoted) + "," + string(live) + "]"
	envs, err := DecodeFrame([]byte(frame))
	require.NoError(t, err)
	require.Len(t, envs, 2)
	require.Equal(t, "offline", envs[0].(Chat).Payload)
	require.Equal(t, 4, envs[1].(Chat).Group)

	single, err := DecodeFrame([]byte(`{"type":"close"}`))
	require.NoError(t, err)
	require.Equal(t, []Envelope{Quit{}}, single)

	_, err = DecodeFrame([]byte("   "))
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestEncodeBatchRoundTripsThroughFrame(t *testing.T) {
	in := []Envelope{
		Chat{From: 1, To: 2, Time: "t1", Payload: "a"},
		Chat{Image: true, From: 1, To: 2, Time: "t2", Payload: "b"},
		Success("done"),
	}
	b, err := EncodeBatch(in)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, b))
	require.True(t, strings.HasSuffix(buf.String(), "\n"))
	require.Equal(t, 1, strings.Count(buf.String(), "\n"))

	sc := NewScanner(&buf, MaxFrame)
	require.True(t, sc.Scan())
	out, err := DecodeFrame(sc.Bytes())
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestScannerRejectsOversizedFrame(t *testing.T) {
	sc := NewScanner(strings.NewReader(strings.Repeat("x", 64)+"\n"), 16)
	require.False(t, sc.Scan())
	require.ErrorIs(t, sc.Err(), bufio.ErrTooLong)
}

func TestAssignmentSignedText(t *testing.T) {
	a := Assignment{ServerIP: "127.0.0.1", ServerPort: 8010}
	require.Equal(t, "127.0.0.18010", SignedText(a.ServerIP, a.ServerPort))
	require.Equal(t, "127.0.0.1:8010", a.Address())
}
