package campaign

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{})
	require.NoError(t, err)
	return NewSQLStore(gdb), mock
}

func TestSQLStore_GetCampaign(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM "campaigns" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner", "is_active"}).AddRow("c1", "alice", true))

	c, err := s.GetCampaign(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Owner)
	assert.True(t, c.IsActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM "campaigns"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner", "is_active"}))

	_, err := s.GetCampaign(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_QueryError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM "campaigns"`).WillReturnError(errors.New("connection reset"))

	_, err := s.GetCampaign(context.Background(), "c1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.ErrorContains(t, err, "loading campaign c1")
}
