package client

import (
	"fmt"
	"os"
	"path/filepath"
)

// Transcripts appends received messages to one file per peer and one per
// group, and stores received images as PNG files.
type Transcripts struct {
	dir  string
	user int
}

func NewTranscripts(dir string) *Transcripts {
	if dir == "" {
		dir = "."
	}
	return &Transcripts{dir: dir}
}

// Path is the transcript file for a conversation.
func (t *Transcripts) Path(peer, group int) string {
	if group != 0 {
		return filepath.Join(t.dir, fmt.Sprintf("client%d_group%d.log", t.user, group))
	}
	return filepath.Join(t.dir, fmt.Sprintf("client%d_dm%d.log", t.user, peer))
}

func (t *Transcripts) Append(msg Message) error {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(t.Path(msg.From, msg.Group), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	sender := fmt.Sprint(msg.From)
	if msg.Notice {
		sender = "server"
	}
	body := msg.Text
	if msg.Image {
		body = "[image] " + msg.Path
	}
	_, err = fmt.Fprintf(f, "------------------------------------\nUser : %s | time : %s\n\n%s\n", sender, msg.Time, body)
	return err
}

// SaveImage writes image bytes and returns the file path.
func (t *Transcripts) SaveImage(msg Message) (string, error) {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("img_from%dto%d.png", msg.From, t.user)
	if msg.Group != 0 {
		name = fmt.Sprintf("group%dimg_from%dto%d.png", msg.Group, msg.From, t.user)
	}
	path := filepath.Join(t.dir, name)
	if err := os.WriteFile(path, msg.Data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
