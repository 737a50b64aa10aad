package imap

import "time"

// State is the connection lifecycle phase.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateAuthenticated
	StateSelected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateSelected:
		return "selected"
	default:
		return "unknown"
	}
}

// Capability is one advertised server capability token.
type Capability string

const (
	CapIMAP4rev1   Capability = "IMAP4REV1"
	CapStartTLS    Capability = "STARTTLS"
	CapIdle        Capability = "IDLE"
	CapCondStore   Capability = "CONDSTORE"
	CapMove        Capability = "MOVE"
	CapUIDPlus     Capability = "UIDPLUS"
	CapAuthPlain   Capability = "AUTH=PLAIN"
	CapAuthLogin   Capability = "AUTH=LOGIN"
	CapAuthXOAuth2 Capability = "AUTH=XOAUTH2"
)

// ParseCapability normalizes a raw token. Unrecognized tokens are kept
// as-is so the set stays complete.
func ParseCapability(token string) Capability {
	return Capability(toUpper(token))
}

// Common message flags.
const (
	FlagSeen     = `\Seen`
	FlagAnswered = `\Answered`
	FlagFlagged  = `\Flagged`
	FlagDeleted  = `\Deleted`
	FlagDraft    = `\Draft`
	FlagRecent   = `\Recent`
)

// Folder describes one mailbox folder as reported by LIST/SELECT/STATUS.
type Folder struct {
	Name       string
	Delimiter  string
	Attributes []string

	Exists        uint32
	Recent        uint32
	Unseen        uint32
	UIDValidity   uint32
	UIDNext       uint32
	HighestModSeq uint64
}

// HasAttribute reports whether the folder carries the given attribute
// (compared without the leading backslash, case-insensitively).
func (f *Folder) HasAttribute(attr string) bool {
	want := toUpper(trimBackslash(attr))
	for _, a := range f.Attributes {
		if toUpper(trimBackslash(a)) == want {
			return true
		}
	}
	return false
}

// Address is one entry of an envelope address list.
type Address struct {
	Name    string
	Route   string
	Mailbox string
	Host    string
}

// Valid reports whether the address has both mailbox and host parts.
func (a *Address) Valid() bool {
	return a.Mailbox != "" && a.Host != ""
}

// String renders the address as mailbox@host, with the display name when
// present.
func (a *Address) String() string {
	if !a.Valid() {
		return ""
	}
	addr := a.Mailbox + "@" + a.Host
	if a.Name != "" {
		return a.Name + " <" + addr + ">"
	}
	return addr
}

// Envelope is the ten-field parsed message envelope.
type Envelope struct {
	Date      string
	Subject   string
	From      []Address
	Sender    []Address
	ReplyTo   []Address
	To        []Address
	Cc        []Address
	Bcc       []Address
	InReplyTo string
	MessageID string
}

// Message is the protocol view of one fetched message. SeqNum is
// session-scoped and unstable; UID is stable within one UID-validity
// epoch of the folder.
type Message struct {
	SeqNum       uint32
	UID          uint32
	Flags        []string
	InternalDate time.Time
	Size         uint32
	Envelope     *Envelope
	Body         []byte
}

// HasFlag reports whether the message carries the given flag.
func (m *Message) HasFlag(flag string) bool {
	want := toUpper(flag)
	for _, f := range m.Flags {
		if toUpper(f) == want {
			return true
		}
	}
	return false
}
