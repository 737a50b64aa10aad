package sync

import (
	"bytes"
	"net/mail"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/brandon/mailsync/internal/imap"
	"github.com/brandon/mailsync/pkg/types"
)

// toStoredMessage converts a protocol-view message into the storage
// representation. Returns nil when the message carries no UID, since
// the store keys on it.
func toStoredMessage(accountID, folderName string, msg *imap.Message) *types.Message {
	if msg.UID == 0 {
		return nil
	}

	stored := &types.Message{
		AccountID:  accountID,
		FolderName: folderName,
		UID:        msg.UID,
		Size:       msg.Size,
		Flags:      msg.Flags,
		Date:       msg.InternalDate,
		LastSynced: time.Now(),
	}

	if env := msg.Envelope; env != nil {
		stored.MessageID = env.MessageID
		stored.Subject = env.Subject
		if len(env.From) > 0 {
			stored.SenderName = env.From[0].Name
			stored.SenderEmail = env.From[0].Mailbox + "@" + env.From[0].Host
		}
		for _, addr := range env.To {
			stored.Recipients = append(stored.Recipients, addr.String())
		}
		// The envelope date is the author's; internal date is only the
		// delivery fallback.
		if t, err := mail.ParseDate(env.Date); err == nil {
			stored.Date = t
		}
	}

	if len(msg.Body) > 0 {
		text, html := decomposeBody(msg.Body)
		stored.BodyText = text
		stored.BodyHTML = html
	}

	return stored
}

// decomposeBody splits a raw RFC822 payload into text and HTML parts.
// Unparseable payloads are kept raw as text rather than dropped.
func decomposeBody(raw []byte) (text, html string) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return string(raw), ""
	}
	return env.Text, env.HTML
}
