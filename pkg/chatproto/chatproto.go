// Package chatproto defines the demo chat message families used by the
// example CLIs and the integration tests.
package chatproto

import (
	"github.com/driftgram/driftgram/shared/record"
)

// Severity classifies a server notice.
type Severity uint16

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// Message is a chat line sent by a client, optionally scoped to a channel.
type Message struct {
	Text    string
	Channel *string
}

func (*Message) RecordName() string { return "chat.Message" }

func (*Message) RecordFields() []record.Field {
	return []record.Field{
		{Name: "text", Type: record.TypeString},
		{Name: "channel", Type: record.TypeOptional(record.TypeString)},
	}
}

func (m *Message) MarshalRecord(w *record.Writer) error {
	if err := w.WriteString(m.Text); err != nil {
		return err
	}
	return record.WriteOptional(w, m.Channel, func(w *record.Writer, s string) error {
		return w.WriteString(s)
	})
}

func (m *Message) UnmarshalRecord(r *record.Reader) error {
	var err error
	if m.Text, err = r.ReadString(); err != nil {
		return err
	}
	m.Channel, err = record.ReadOptional(r, (*record.Reader).ReadString)
	return err
}

// SetName announces the client's display name.
type SetName struct {
	Name string
}

func (*SetName) RecordName() string { return "chat.SetName" }

func (*SetName) RecordFields() []record.Field {
	return []record.Field{{Name: "name", Type: record.TypeString}}
}

func (m *SetName) MarshalRecord(w *record.Writer) error {
	return w.WriteString(m.Name)
}

func (m *SetName) UnmarshalRecord(r *record.Reader) error {
	var err error
	m.Name, err = r.ReadString()
	return err
}

// Ping measures application-level round trips.
type Ping struct {
	Nonce int64
}

func (*Ping) RecordName() string { return "chat.Ping" }

func (*Ping) RecordFields() []record.Field {
	return []record.Field{{Name: "nonce", Type: record.TypeI64}}
}

func (m *Ping) MarshalRecord(w *record.Writer) error {
	w.WriteI64(m.Nonce)
	return nil
}

func (m *Ping) UnmarshalRecord(r *record.Reader) error {
	var err error
	m.Nonce, err = r.ReadI64()
	return err
}

// Broadcast is a chat line fanned out to every connected client.
type Broadcast struct {
	From   string
	Text   string
	SentAt int64
}

func (*Broadcast) RecordName() string { return "chat.Broadcast" }

func (*Broadcast) RecordFields() []record.Field {
	return []record.Field{
		{Name: "from", Type: record.TypeString},
		{Name: "text", Type: record.TypeString},
		{Name: "sentAt", Type: record.TypeI64},
	}
}

func (m *Broadcast) MarshalRecord(w *record.Writer) error {
	if err := w.WriteString(m.From); err != nil {
		return err
	}
	if err := w.WriteString(m.Text); err != nil {
		return err
	}
	w.WriteI64(m.SentAt)
	return nil
}

func (m *Broadcast) UnmarshalRecord(r *record.Reader) error {
	var err error
	if m.From, err = r.ReadString(); err != nil {
		return err
	}
	if m.Text, err = r.ReadString(); err != nil {
		return err
	}
	m.SentAt, err = r.ReadI64()
	return err
}

// Notice is a server-originated status line.
type Notice struct {
	Level Severity
	Text  string
}

func (*Notice) RecordName() string { return "chat.Notice" }

func (*Notice) RecordFields() []record.Field {
	return []record.Field{
		{Name: "level", Type: record.TypeEnum("chat.Severity")},
		{Name: "text", Type: record.TypeString},
	}
}

func (m *Notice) MarshalRecord(w *record.Writer) error {
	w.WriteEnum(uint16(m.Level))
	return w.WriteString(m.Text)
}

func (m *Notice) UnmarshalRecord(r *record.Reader) error {
	level, err := r.ReadEnum()
	if err != nil {
		return err
	}
	m.Level = Severity(level)
	m.Text, err = r.ReadString()
	return err
}

// Pong answers a Ping.
type Pong struct {
	Nonce      int64
	ServerTime int64
}

func (*Pong) RecordName() string { return "chat.Pong" }

func (*Pong) RecordFields() []record.Field {
	return []record.Field{
		{Name: "nonce", Type: record.TypeI64},
		{Name: "serverTime", Type: record.TypeI64},
	}
}

func (m *Pong) MarshalRecord(w *record.Writer) error {
	w.WriteI64(m.Nonce)
	w.WriteI64(m.ServerTime)
	return nil
}

func (m *Pong) UnmarshalRecord(r *record.Reader) error {
	var err error
	if m.Nonce, err = r.ReadI64(); err != nil {
		return err
	}
	m.ServerTime, err = r.ReadI64()
	return err
}

// UserInfo is nested inside Roster entries; it is not a message itself.
type UserInfo struct {
	Name     string
	JoinedAt int64
}

func (*UserInfo) RecordName() string { return "chat.UserInfo" }

func (*UserInfo) RecordFields() []record.Field {
	return []record.Field{
		{Name: "name", Type: record.TypeString},
		{Name: "joinedAt", Type: record.TypeI64},
	}
}

func (m *UserInfo) MarshalRecord(w *record.Writer) error {
	if err := w.WriteString(m.Name); err != nil {
		return err
	}
	w.WriteI64(m.JoinedAt)
	return nil
}

func (m *UserInfo) UnmarshalRecord(r *record.Reader) error {
	var err error
	if m.Name, err = r.ReadString(); err != nil {
		return err
	}
	m.JoinedAt, err = r.ReadI64()
	return err
}

// Roster lists the connected users.
type Roster struct {
	Users []UserInfo
}

func (*Roster) RecordName() string { return "chat.Roster" }

func (*Roster) RecordFields() []record.Field {
	return []record.Field{
		{Name: "users", Type: record.TypeList(record.TypeRecord("chat.UserInfo"))},
	}
}

func (m *Roster) MarshalRecord(w *record.Writer) error {
	return record.WriteList(w, m.Users, func(w *record.Writer, u UserInfo) error {
		return w.WriteRecord(&u)
	})
}

func (m *Roster) UnmarshalRecord(r *record.Reader) error {
	users, err := record.ReadList(r, func(r *record.Reader) (UserInfo, error) {
		var u UserInfo
		err := r.ReadRecord(&u)
		return u, err
	})
	if err != nil {
		return err
	}
	m.Users = users
	return nil
}

// ClientFamily returns the client-to-server record family.
func ClientFamily() *record.Family {
	return record.NewFamily("chat.client").
		Add(&Message{}).
		Add(&SetName{}).
		Add(&Ping{})
}

// ServerFamily returns the server-to-client record family.
func ServerFamily() *record.Family {
	return record.NewFamily("chat.server").
		Add(&Broadcast{}).
		Add(&Notice{}).
		Add(&Pong{}).
		Add(&Roster{})
}

// BuildProtocol assembles the demo protocol.
func BuildProtocol() (*record.Protocol, error) {
	return record.BuildProtocol(ClientFamily(), ServerFamily())
}
