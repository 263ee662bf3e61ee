package backfill

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailtext/content"
	"github.com/dhcgn/mailtext/model"
	"github.com/dhcgn/mailtext/store"
)

func seed(t *testing.T, bodies map[string]string) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "mailtext.db"))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })

	for hash, body := range bodies {
		_, err := s.Save(context.Background(), model.Message{ID: hash + "@example.com", Hash: hash, Body: body})
		require.NoError(t, err)
	}
	return s
}

func TestRun(t *testing.T) {
	s := seed(t, map[string]string{
		"qp":     "Caf=C3=A9 =3D open",
		"html":   "<p>Hi&nbsp;there</p><br>Bye",
		"plain":  "Just text",
		"broken": "Price =3D 5 =ZZ",
		"long":   "<div>" + "word " + "word " + "word " + "word</div>",
	})
	ctx := context.Background()

	res, err := Run(ctx, s, content.New(), Options{BatchSize: 2, PreviewLength: 10})
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 5, Updated: 5, Encoded: 4, Degraded: 1}, res)

	row, err := s.GetByHash(ctx, "html")
	require.NoError(t, err)
	assert.Equal(t, "Hi there\n\nBye", row.Text)
	assert.True(t, row.Encoded)

	row, err = s.GetByHash(ctx, "long")
	require.NoError(t, err)
	assert.Equal(t, "word word word word", row.Text)
	assert.Equal(t, "word word...", row.Preview)

	row, err = s.GetByHash(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, []string{"quoted-printable"}, row.Degraded)

	// nothing left to do without All
	res, err = Run(ctx, s, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scanned)

	res, err = Run(ctx, s, nil, Options{All: true})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Scanned)
	assert.Equal(t, 5, res.Updated)
}

func TestRun_DryRun(t *testing.T) {
	s := seed(t, map[string]string{"a": "=C3=A9", "b": "x"})
	ctx := context.Background()

	res, err := Run(ctx, s, nil, Options{DryRun: true, BatchSize: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 0, res.Updated)

	_, pending, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

type failingStore struct {
	listErr   error
	updateErr error
}

func (f failingStore) ListPending(context.Context, string, int, bool) ([]store.Row, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []store.Row{{ID: "1", Content: "x"}}, nil
}

func (f failingStore) UpdateDecoded(context.Context, string, store.Decoded) error {
	return f.updateErr
}

func TestRun_Errors(t *testing.T) {
	boom := errors.New("boom")

	_, err := Run(context.Background(), failingStore{listErr: boom}, nil, Options{})
	assert.ErrorIs(t, err, boom)

	res, err := Run(context.Background(), failingStore{updateErr: boom}, nil, Options{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 0, res.Updated)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, failingStore{}, nil, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
