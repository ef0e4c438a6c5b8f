// Package formatter is the reference Message Formatter collaborator:
// it validates the envelope a host submits and stamps the one
// permitted post-submission mutation, a Message-Id header, before the
// delivery engine ever sees the message. A host may supply its own
// formatter upstream of Mailstrom; this package exists the same way
// status/memory ships a reference Store.
package formatter

import (
	"bytes"
	"fmt"
	"io"
	"net/mail"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Envelope is the pre-formatted message a host submits: a complete
// RFC 5322 message body, plus the envelope-level From/To that drive MX
// routing (distinct from, and not required to match, the message's
// From/To headers).
type Envelope struct {
	From string   `validate:"required,email"`
	To   []string `validate:"required,min=1,dive,email"`
	Body []byte   `validate:"required"`
}

// Formatter validates envelopes and stamps Message-Id headers.
type Formatter struct {
	heloDomain string
	validate   *validator.Validate
}

// New creates a Formatter. heloDomain is the domain stamped after '@' in
// generated Message-Ids, matching the engine's own HELO/EHLO name.
func New(heloDomain string) *Formatter {
	return &Formatter{heloDomain: heloDomain, validate: validator.New()}
}

// Format validates env and returns the message id Mailstrom will track
// the delivery under (InternalStatus.MessageID), plus the body with a
// Message-Id header stamped in front of it. If the supplied body already
// carries a Message-Id, it is left untouched and reused as the tracking
// id instead of minting a new one.
func (f *Formatter) Format(env Envelope) (messageID string, stamped []byte, err error) {
	if verr := f.validate.Struct(env); verr != nil {
		return "", nil, fmt.Errorf("invalid envelope: %w", verr)
	}

	msg, err := mail.ReadMessage(bytes.NewReader(env.Body))
	if err != nil {
		return "", nil, fmt.Errorf("parsing message body: %w", err)
	}

	if existing := msg.Header.Get("Message-Id"); existing != "" {
		return strings.Trim(existing, "<>"), env.Body, nil
	}

	messageID = fmt.Sprintf("%s@%s", uuid.New().String(), f.heloDomain)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Message-Id: <%s>\r\n", messageID)
	for key, values := range msg.Header {
		for _, v := range values {
			fmt.Fprintf(&buf, "%s: %s\r\n", key, v)
		}
	}
	buf.WriteString("\r\n")
	if _, err := io.Copy(&buf, msg.Body); err != nil {
		return "", nil, fmt.Errorf("copying message body: %w", err)
	}

	return messageID, buf.Bytes(), nil
}
