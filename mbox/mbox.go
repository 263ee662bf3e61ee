package mbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mailtext/filter"
	"github.com/dhcgn/mailtext/model"
	"github.com/dhcgn/mailtext/runner"
)

var ErrEmptyPath = errors.New("mbox path is empty")

type Options struct {
	Path string
}

type Reader interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

func NewReader(opts Options, logger *slog.Logger) (Reader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, ErrEmptyPath
	}
	return &fileReader{path: path, logger: logger}, nil
}

type fileReader struct {
	path   string
	logger *slog.Logger
}

// Stream sends one envelope per message. A message that cannot be parsed is
// sent as an error envelope and the stream continues; a broken mbox framing
// ends it.
func (f *fileReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", idx, err)
		}

		msg, err := ParseMessage(raw)
		if err != nil {
			if err := f.emitError(ctx, out, fmt.Errorf("message %d parse: %w", idx, err)); err != nil {
				return err
			}
			continue
		}

		if err := emitEnvelope(ctx, out, model.Envelope{Message: msg}); err != nil {
			return err
		}
	}
}

func (f *fileReader) emitError(ctx context.Context, out chan<- model.Envelope, err error) error {
	if f.logger != nil {
		f.logger.Warn("mbox message skipped", "path", f.path, "err", err)
	}
	return emitEnvelope(ctx, out, model.Envelope{Err: err})
}

func emitEnvelope(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// ParseMessage reads the envelope fields of a raw RFC 5322 message. Body is
// the undecoded text after the header block, except for single-part base64
// messages whose body is transfer-decoded because the content pipeline does
// not handle base64.
func ParseMessage(raw []byte) (model.Message, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return model.Message{}, err
	}

	header, body := filter.SplitRawMessage(raw)
	h := mail.Header{Header: entity.Header}

	sum := sha256.Sum256(raw)
	msg := model.Message{
		Hash:   base64.StdEncoding.EncodeToString(sum[:]),
		Size:   int64(len(raw)),
		Raw:    raw,
		Header: header,
		Body:   string(body),
	}

	if id, err := h.MessageID(); err == nil {
		msg.ID = strings.TrimSpace(id)
	}
	if msg.ID == "" {
		msg.ID = "sha256-" + hex.EncodeToString(sum[:12])
	}

	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}

	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		msg.From = formatAddress(addrs[0])
	} else {
		msg.From = strings.TrimSpace(h.Get("From"))
	}

	if date, err := h.Date(); err == nil {
		msg.ReceivedAt = date
	}

	mediaType, _, _ := h.ContentType()
	encoding := strings.ToLower(strings.TrimSpace(h.Get("Content-Transfer-Encoding")))
	if encoding == "base64" && !strings.HasPrefix(mediaType, "multipart/") {
		if decoded, err := io.ReadAll(entity.Body); err == nil {
			msg.Body = string(decoded)
		}
	}

	return msg, nil
}

func formatAddress(addr *mail.Address) string {
	if addr.Name == "" {
		return addr.Address
	}
	return addr.Name + " <" + addr.Address + ">"
}

type Producer struct {
	reader Reader
	runner *runner.Runner
}

func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	reader, err := NewReader(opts, logger)
	if err != nil {
		return nil, err
	}
	producer := &Producer{reader: reader, runner: r}
	r.AddStage("mbox", producer.run)
	return producer, nil
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseMailbox()
	return p.reader.Stream(ctx, p.runner.MailboxWriter())
}

// Read opens an mbox file and calls fn for every message that parses.
func Read(path string, fn func(msg model.Message) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			// try to continue
			continue
		}

		msg, err := ParseMessage(raw)
		if err != nil {
			continue
		}

		if err := fn(msg); err != nil {
			return err
		}
	}
}

// CountMessages counts the total number of messages in an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}

		// Consume without parsing; an unreadable message still counts.
		_, _ = io.Copy(io.Discard, msgReader)
		count++
	}
}
