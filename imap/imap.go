package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mailtext/mbox"
	"github.com/dhcgn/mailtext/model"
	"github.com/dhcgn/mailtext/runner"
)

var (
	ErrEmptyHost = errors.New("imap host is empty")
	ErrEmptyBody = errors.New("imap message has no body section")
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	// Limit fetches only the newest Limit messages; 0 fetches all.
	Limit int
}

func (o Options) validate() error {
	if o.Host == "" {
		return ErrEmptyHost
	}
	if o.Port <= 0 || o.Port > 65535 {
		return fmt.Errorf("imap port must be between 1 and 65535")
	}
	if o.Username == "" {
		return fmt.Errorf("imap username is empty")
	}
	if o.Limit < 0 {
		return fmt.Errorf("imap limit must not be negative")
	}
	return nil
}

func (o Options) mailbox() string {
	if o.Mailbox == "" {
		return "INBOX"
	}
	return o.Mailbox
}

// Fetcher reads messages from one mailbox. The mailbox is selected
// read-only and bodies are fetched with BODY.PEEK so \Seen flags stay as
// they were.
type Fetcher struct {
	opts   Options
	logger *slog.Logger
}

func NewFetcher(opts Options, logger *slog.Logger) (*Fetcher, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Fetcher{opts: opts, logger: logger}, nil
}

// Stream sends one envelope per fetched message. A message that cannot be
// parsed becomes an error envelope; connection errors end the stream.
func (f *Fetcher) Stream(ctx context.Context, out chan<- model.Envelope) error {
	client, cleanup, err := f.dial(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	mailbox := f.opts.mailbox()
	selected, err := client.Select(mailbox, &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return fmt.Errorf("select %s: %w", mailbox, err)
	}

	start, stop, ok := fetchRange(selected.NumMessages, f.opts.Limit)
	if !ok {
		if f.logger != nil {
			f.logger.Info("imap mailbox is empty", "mailbox", mailbox)
		}
		return nil
	}
	if f.logger != nil {
		f.logger.Debug("imap fetch", "mailbox", mailbox, "messages", selected.NumMessages, "from", start, "to", stop)
	}

	var seqSet imapv2.SeqSet
	seqSet.AddRange(start, stop)

	fetchCmd := client.Fetch(seqSet, &imapv2.FetchOptions{
		UID:          true,
		Envelope:     true,
		InternalDate: true,
		BodySection:  []*imapv2.FetchItemBodySection{{Peek: true}},
	})

	err = f.forward(ctx, fetchCmd, out)
	if closeErr := fetchCmd.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("fetch %s: %w", mailbox, closeErr)
	}
	return err
}

func (f *Fetcher) forward(ctx context.Context, fetchCmd *imapclient.FetchCommand, out chan<- model.Envelope) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		data := fetchCmd.Next()
		if data == nil {
			return nil
		}

		env := f.readMessage(data)
		if env.Err != nil && f.logger != nil {
			f.logger.Warn("imap message skipped", "err", env.Err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- env:
		}
	}
}

// readMessage drains one FETCH response. Literals have to be consumed
// before the next item is requested.
func (f *Fetcher) readMessage(data *imapclient.FetchMessageData) model.Envelope {
	var (
		uid      imapv2.UID
		envelope *imapv2.Envelope
		internal time.Time
		raw      []byte
		readErr  error
	)

	for {
		item := data.Next()
		if item == nil {
			break
		}
		switch item := item.(type) {
		case imapclient.FetchItemDataUID:
			uid = item.UID
		case imapclient.FetchItemDataEnvelope:
			envelope = item.Envelope
		case imapclient.FetchItemDataInternalDate:
			internal = item.Time
		case imapclient.FetchItemDataBodySection:
			raw, readErr = io.ReadAll(item.Literal)
		}
	}

	if readErr != nil {
		return model.Envelope{Err: fmt.Errorf("message seq %d uid %d body: %w", data.SeqNum, uid, readErr)}
	}
	if raw == nil {
		return model.Envelope{Err: fmt.Errorf("message seq %d uid %d: %w", data.SeqNum, uid, ErrEmptyBody)}
	}

	msg, err := mbox.ParseMessage(raw)
	if err != nil {
		return model.Envelope{Err: fmt.Errorf("message seq %d uid %d parse: %w", data.SeqNum, uid, err)}
	}
	fillFromEnvelope(&msg, envelope, internal)
	return model.Envelope{Message: msg}
}

// fillFromEnvelope copies server-side envelope fields the raw header did
// not provide.
func fillFromEnvelope(msg *model.Message, env *imapv2.Envelope, internalDate time.Time) {
	if env != nil {
		if msg.Subject == "" {
			msg.Subject = env.Subject
		}
		if msg.From == "" && len(env.From) > 0 {
			addr := env.From[0]
			msg.From = addr.Addr()
			if addr.Name != "" {
				msg.From = addr.Name + " <" + addr.Addr() + ">"
			}
		}
		if msg.ReceivedAt.IsZero() && !env.Date.IsZero() {
			msg.ReceivedAt = env.Date
		}
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = internalDate
	}
}

// fetchRange returns the sequence range holding the newest limit messages
// of a mailbox with total messages. ok is false for an empty mailbox.
func fetchRange(total uint32, limit int) (start, stop uint32, ok bool) {
	if total == 0 {
		return 0, 0, false
	}
	if limit <= 0 || uint32(limit) >= total {
		return 1, total, true
	}
	return total - uint32(limit) + 1, total, true
}

func (f *Fetcher) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(f.opts.Host, strconv.Itoa(f.opts.Port))
	options := &imapclient.Options{}

	if f.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         f.opts.Host,
			InsecureSkipVerify: f.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if f.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(f.opts.Username, f.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if f.logger != nil {
		f.logger.Debug("imap connection established", "address", address, "user", f.opts.Username, "mailbox", f.opts.mailbox(), "tls", f.opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				if f.logger != nil {
					f.logger.Warn("imap logout failed", "err", err)
				}
			}
		}
		if err := client.Close(); err != nil && f.logger != nil {
			f.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

type Producer struct {
	fetcher *Fetcher
	runner  *runner.Runner
}

// NewProducer registers an "imap" source stage on r.
func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	fetcher, err := NewFetcher(opts, logger)
	if err != nil {
		return nil, err
	}
	producer := &Producer{fetcher: fetcher, runner: r}
	r.AddStage("imap", producer.run)
	return producer, nil
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseMailbox()
	return p.fetcher.Stream(ctx, p.runner.MailboxWriter())
}
