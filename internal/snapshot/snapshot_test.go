package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascata/backend/internal/directory"
	"github.com/cascata/backend/internal/secrets"
)

func testArchive(t *testing.T, slug string) json.RawMessage {
	t.Helper()
	tables := []TableDef{{
		Name: "orders",
		Columns: []ColumnDef{
			{Name: "id", Type: "bigint"},
			{Name: "total", Type: "numeric", Nullable: true},
		},
	}}
	raw, err := json.Marshal(Archive{
		Version:    formatVersion,
		ExportedAt: time.Now().UTC(),
		Slug:       slug,
		Name:       "Acme",
		Meta:       directory.ProjectMeta{PoolMaxConns: 4},
		Tables:     tables,
		Checksum:   checksumTables(tables),
	})
	require.NoError(t, err)
	return raw
}

func testStore(t *testing.T, mockSetup func(sqlmock.Sqlmock)) *Store {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	if mockSetup != nil {
		mockSetup(mock)
	}

	key := sha256.Sum256([]byte("snapshot-test-key"))
	box, err := secrets.NewBox(key[:])
	require.NoError(t, err)

	return NewStore(t.TempDir(), directory.NewStore(db), nil, box, nil)
}

func TestUploadStagesArchive(t *testing.T) {
	s := testStore(t, nil)
	ticket, err := s.Upload(context.Background(), testArchive(t, "acme"))
	require.NoError(t, err)
	assert.NotEmpty(t, ticket)

	_, err = os.Stat(s.ticketPath(ticket))
	assert.NoError(t, err)
}

func TestUploadRejectsBadArchives(t *testing.T) {
	s := testStore(t, nil)
	ctx := context.Background()

	_, err := s.Upload(ctx, json.RawMessage(`not json`))
	assert.Error(t, err)

	_, err = s.Upload(ctx, json.RawMessage(`{"version":99,"slug":"a","checksum":""}`))
	assert.ErrorContains(t, err, "version")

	_, err = s.Upload(ctx, json.RawMessage(`{"version":1,"checksum":""}`))
	assert.ErrorContains(t, err, "slug")
}

func TestUploadRejectsTamperedChecksum(t *testing.T) {
	s := testStore(t, nil)
	raw := testArchive(t, "acme")

	var archive Archive
	require.NoError(t, json.Unmarshal(raw, &archive))
	archive.Tables[0].Columns = archive.Tables[0].Columns[:1]
	tampered, err := json.Marshal(archive)
	require.NoError(t, err)

	_, err = s.Upload(context.Background(), tampered)
	assert.ErrorContains(t, err, "checksum")
}

func TestConfirmRestoresProjectWithFreshKeys(t *testing.T) {
	s := testStore(t, func(mock sqlmock.Sqlmock) {
		mock.ExpectQuery(`FROM projects WHERE slug = \$1`).
			WithArgs("acme").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectExec(`INSERT INTO projects`).
			WillReturnResult(sqlmock.NewResult(0, 1))
	})

	ticket, err := s.Upload(context.Background(), testArchive(t, "acme"))
	require.NoError(t, err)

	p, err := s.Confirm(context.Background(), ticket)
	require.NoError(t, err)
	assert.Equal(t, "acme", p.Slug)
	assert.Equal(t, "cascata_acme", p.DBName)
	assert.Equal(t, 4, p.Meta.PoolMaxConns)
	assert.NotEmpty(t, p.AnonKeyEnc)
	assert.NotEmpty(t, p.ServiceKeyEnc)
	assert.NotEmpty(t, p.JWTSecretEnc)

	// The staged file is consumed.
	_, err = os.Stat(s.ticketPath(ticket))
	assert.True(t, os.IsNotExist(err))
}

func TestConfirmRejectsExistingSlug(t *testing.T) {
	now := time.Now()
	s := testStore(t, func(mock sqlmock.Sqlmock) {
		mock.ExpectQuery(`FROM projects WHERE slug = \$1`).
			WithArgs("acme").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "slug", "name", "db_name", "custom_domain", "status",
				"blocked_ips", "anon_key_enc", "service_key_enc", "jwt_secret_enc",
				"metadata", "created_at", "updated_at",
			}).AddRow("id-1", "acme", "Acme", "cascata_acme", "", "active",
				"{}", "e", "e", "e", []byte(`{}`), now, now))
	})

	ticket, err := s.Upload(context.Background(), testArchive(t, "acme"))
	require.NoError(t, err)

	_, err = s.Confirm(context.Background(), ticket)
	assert.ErrorContains(t, err, "already in use")
}

func TestConfirmRejectsUnknownAndHostileTickets(t *testing.T) {
	s := testStore(t, nil)

	_, err := s.Confirm(context.Background(), "no-such-ticket")
	assert.Error(t, err)

	_, err = s.Confirm(context.Background(), "../../etc/passwd")
	assert.ErrorContains(t, err, "invalid ticket")
}
