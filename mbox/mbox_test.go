package mbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailtext/model"
)

const sampleMbox = `From alice@example.com Mon Jan  1 10:00:00 2024
From: Alice <alice@example.com>
To: crm@example.com
Subject: =?UTF-8?Q?Caf=C3=A9_booking?=
Date: Mon, 01 Jan 2024 10:00:00 +0000
Message-ID: <one@example.com>
Content-Type: text/plain; charset=utf-8
Content-Transfer-Encoding: quoted-printable

See you at 9=20am.

From bob@example.com Tue Jan  2 10:00:00 2024
From: bob@example.com
Subject: No id
Content-Type: text/plain
Content-Transfer-Encoding: base64

SGVsbG8gQm9i

`

func writeMbox(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.mbox")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func collect(t *testing.T, reader Reader) ([]model.Message, []error) {
	t.Helper()

	out := make(chan model.Envelope, 10)
	done := make(chan error, 1)
	go func() {
		done <- reader.Stream(context.Background(), out)
		close(out)
	}()

	var (
		msgs []model.Message
		errs []error
	)
	for env := range out {
		if env.Err != nil {
			errs = append(errs, env.Err)
			continue
		}
		msgs = append(msgs, env.Message)
	}
	require.NoError(t, <-done)
	return msgs, errs
}

func TestStream(t *testing.T) {
	reader, err := NewReader(Options{Path: writeMbox(t, sampleMbox)}, nil)
	require.NoError(t, err)

	msgs, errs := collect(t, reader)
	assert.Empty(t, errs)
	require.Len(t, msgs, 2)

	first := msgs[0]
	assert.Equal(t, "one@example.com", first.ID)
	assert.Equal(t, "Café booking", first.Subject)
	assert.Equal(t, "Alice <alice@example.com>", first.From)
	assert.True(t, first.ReceivedAt.Equal(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)))
	assert.Contains(t, first.Body, "See you at 9=20am.")
	assert.Contains(t, string(first.Header), "Subject:")
	assert.NotEmpty(t, first.Hash)
	assert.Equal(t, int64(len(first.Raw)), first.Size)

	second := msgs[1]
	assert.True(t, strings.HasPrefix(second.ID, "sha256-"))
	assert.Equal(t, "bob@example.com", second.From)
	assert.Equal(t, "Hello Bob", strings.TrimSpace(second.Body))
	assert.True(t, second.ReceivedAt.IsZero())
	assert.NotEqual(t, first.Hash, second.Hash)
}

func TestNewReader_EmptyPath(t *testing.T) {
	_, err := NewReader(Options{Path: "  "}, nil)
	assert.ErrorIs(t, err, ErrEmptyPath)
}

func TestStream_MissingFile(t *testing.T) {
	reader, err := NewReader(Options{Path: filepath.Join(t.TempDir(), "missing.mbox")}, nil)
	require.NoError(t, err)

	err = reader.Stream(context.Background(), make(chan model.Envelope, 1))
	assert.Error(t, err)
}

func TestStream_Cancelled(t *testing.T) {
	reader, err := NewReader(Options{Path: writeMbox(t, sampleMbox)}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = reader.Stream(ctx, make(chan model.Envelope))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRead(t *testing.T) {
	var subjects []string
	err := Read(writeMbox(t, sampleMbox), func(msg model.Message) error {
		subjects = append(subjects, msg.Subject)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Café booking", "No id"}, subjects)
}

func TestCountMessages(t *testing.T) {
	count, err := CountMessages(writeMbox(t, sampleMbox))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = CountMessages(filepath.Join(t.TempDir(), "missing.mbox"))
	assert.Error(t, err)
}

func TestParseMessage_HTMLPartKeptRaw(t *testing.T) {
	raw := "From: x@example.com\r\nMessage-ID: <h@example.com>\r\nContent-Type: text/html\r\n\r\n<p>Hi&nbsp;there</p>"

	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "h@example.com", msg.ID)
	assert.Equal(t, "<p>Hi&nbsp;there</p>", msg.Body)
}
