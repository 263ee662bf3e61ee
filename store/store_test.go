package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailtext/model"
)

func openSQLiteStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "mailtext.db"))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

// openPostgresStore connects to MAILTEXT_TEST_DATABASE_URL and removes the
// rows the test created.
func openPostgresStore(t *testing.T, prefix string) *Store {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("MAILTEXT_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("MAILTEXT_TEST_DATABASE_URL is not set")
	}
	s, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.db.Exec(`DELETE FROM messages WHERE hash LIKE $1`, prefix+"%")
		assert.NoError(t, s.Close())
	})
	return s
}

func sample(prefix, id string) model.Message {
	return model.Message{
		ID:         id + "@example.com",
		Hash:       prefix + id,
		Subject:    "Booking " + id,
		From:       "Ann <ann@example.com>",
		ReceivedAt: time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC),
		Body:       "Caf=C3=A9 at 9",
	}
}

func exerciseStore(t *testing.T, s *Store, prefix string) {
	ctx := context.Background()

	id, err := s.Save(ctx, sample(prefix, "a"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	decoded := sample(prefix, "b")
	decoded.Text = "Café at 9"
	decoded.Preview = "Café at 9"
	decoded.Encoded = true
	_, err = s.Save(ctx, decoded)
	require.NoError(t, err)

	row, err := s.GetByHash(ctx, prefix+"a")
	require.NoError(t, err)
	assert.Equal(t, id, row.ID)
	assert.Equal(t, "a@example.com", row.MessageID)
	assert.Equal(t, "Ann <ann@example.com>", row.From)
	assert.Equal(t, "Caf=C3=A9 at 9", row.Content)
	assert.True(t, row.ReceivedAt.Equal(sample(prefix, "a").ReceivedAt))
	assert.False(t, row.Decoded)
	assert.False(t, row.CreatedAt.IsZero())

	// same hash keeps the row id
	again := sample(prefix, "a")
	again.Subject = "Booking a (resent)"
	againID, err := s.Save(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, id, againID)

	pending, err := s.ListPending(ctx, "", 1000, false)
	require.NoError(t, err)
	var pendingHashes []string
	for _, r := range pending {
		if strings.HasPrefix(r.Hash, prefix) {
			pendingHashes = append(pendingHashes, r.Hash)
		}
	}
	assert.Equal(t, []string{prefix + "a"}, pendingHashes)

	require.NoError(t, s.UpdateDecoded(ctx, id, Decoded{
		Text:     "Café at 9",
		Preview:  "Café at 9",
		Encoded:  true,
		Degraded: []string{"html", "residual"},
	}))

	row, err = s.GetByHash(ctx, prefix+"a")
	require.NoError(t, err)
	assert.True(t, row.Decoded)
	assert.Equal(t, "Café at 9", row.Text)
	assert.True(t, row.Encoded)
	assert.Equal(t, []string{"html", "residual"}, row.Degraded)
	assert.Equal(t, "Booking a (resent)", row.Subject)

	assert.ErrorIs(t, s.UpdateDecoded(ctx, uuid.NewString(), Decoded{}), ErrNotFound)
	_, err = s.GetByHash(ctx, prefix+"missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SQLite(t *testing.T) {
	s := openSQLiteStore(t)
	assert.Equal(t, DialectSQLite, s.Dialect())
	exerciseStore(t, s, "h-")

	total, pending, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 0, pending)
}

func TestStore_Postgres(t *testing.T) {
	prefix := "test-" + uuid.NewString() + "-"
	s := openPostgresStore(t, prefix)
	assert.Equal(t, DialectPostgres, s.Dialect())
	exerciseStore(t, s, prefix)
}

func TestStore_ListPendingPages(t *testing.T) {
	s := openSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Save(ctx, sample("p-", string(rune('a'+i))))
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	after := ""
	for {
		page, err := s.ListPending(ctx, after, 2, true)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		assert.LessOrEqual(t, len(page), 2)
		for _, r := range page {
			assert.False(t, seen[r.ID], "row %s listed twice", r.ID)
			seen[r.ID] = true
		}
		after = page[len(page)-1].ID
	}
	assert.Len(t, seen, 5)
}

func TestStore_SaveRequiresHash(t *testing.T) {
	s := openSQLiteStore(t)
	_, err := s.Save(context.Background(), model.Message{ID: "x"})
	assert.Error(t, err)
}

func TestOpen_EmptyDSN(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: DialectPostgres}
	lite := &Store{dialect: DialectSQLite}

	q := "SELECT 1 WHERE a = ? AND b = ?"
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestIsPostgres(t *testing.T) {
	assert.True(t, isPostgres("postgres://u@localhost/db"))
	assert.True(t, isPostgres("POSTGRESQL://u@localhost/db"))
	assert.False(t, isPostgres("/var/lib/mailtext.db"))
	assert.False(t, isPostgres(":memory:"))
}
