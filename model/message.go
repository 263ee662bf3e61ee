package model

import "time"

// Message is a single email body on its way from a source to a sink.
// Source fields are filled by the mbox or IMAP readers; Text, Preview,
// Encoded and Degraded are filled by the decode stage.
type Message struct {
	ID         string
	Hash       string
	Subject    string
	From       string
	ReceivedAt time.Time
	Size       int64
	Raw        []byte
	Header     []byte
	Body       string

	Text     string
	Preview  string
	Encoded  bool
	Degraded []string
}

// Envelope wraps a message alongside an optional error encountered while reading.
type Envelope struct {
	Message Message
	Err     error
}
