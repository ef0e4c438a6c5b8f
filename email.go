package mailstrom

// Email is a host's submission to Send: a complete RFC 5322 message body
// plus the envelope-level sender and recipient list that drive MX
// routing. The envelope is not required to match the message's own
// From/To headers.
type Email struct {
	EnvelopeFrom string
	EnvelopeTo   []string
	Body         []byte
}
