package store

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sayonatsu/herald/errors"
)

// Failure-path tests use sqlmock so a broken backend can be simulated
// without touching a real database file.

func TestPutSurfacesStoreUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO records").
		WillReturnError(errors.New("disk I/O error"))

	s := NewStore(db)
	err = s.Put("srv_1", "pending", "req_1", []byte(`{}`))
	assert.True(t, errors.IsStoreUnavailable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSurfacesStoreUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT value FROM records").
		WillReturnError(errors.New("database table is locked"))

	s := NewStore(db)
	_, err = s.Get("srv_1", "pending", "req_1")
	assert.True(t, errors.IsStoreUnavailable(err))
	assert.False(t, errors.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListSurfacesStoreUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT key, value FROM records").
		WillReturnError(errors.New("disk I/O error"))

	s := NewStore(db)
	_, err = s.List("srv_1", "history")
	assert.True(t, errors.IsStoreUnavailable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
