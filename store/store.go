// Package store implements herald's durable record storage.
//
// Records are addressed by (partition, collection, key). A partition isolates
// the state of one served community; the reserved SharedPartition holds
// cross-community state such as scheduler job records. All operations are
// atomic per key. Any operation may fail with errors.ErrStoreUnavailable, in
// which case the caller must not assume a failed write did not apply —
// re-read to confirm when consistency matters.
package store

import (
	"database/sql"
	"time"

	"github.com/sayonatsu/herald/errors"
)

// SharedPartition is the reserved partition for cross-community state.
const SharedPartition = "_shared"

// Entry is one (key, value) pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// Store persists records in SQLite. It is the single writer-of-record for
// both lifecycle and scheduler state; no in-memory copy is authoritative
// across a restart.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an open database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Put writes value under (partition, collection, key), replacing any
// previous value atomically.
func (s *Store) Put(partition, collection, key string, value []byte) error {
	query := `
		INSERT INTO records (partition, collection, key, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (partition, collection, key)
		DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`

	_, err := s.db.Exec(query, partition, collection, key, string(value),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		err = errors.Wrap(errors.ErrStoreUnavailable, err.Error())
		return errors.Wrapf(err, "put %s/%s/%s", partition, collection, key)
	}
	return nil
}

// Get returns the value under (partition, collection, key), or
// errors.ErrNotFound if no record exists.
func (s *Store) Get(partition, collection, key string) ([]byte, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM records WHERE partition = ? AND collection = ? AND key = ?`,
		partition, collection, key,
	).Scan(&value)

	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "%s/%s/%s", partition, collection, key)
	}
	if err != nil {
		err = errors.Wrap(errors.ErrStoreUnavailable, err.Error())
		return nil, errors.Wrapf(err, "get %s/%s/%s", partition, collection, key)
	}
	return []byte(value), nil
}

// List returns every (key, value) pair in a collection, ordered by key for
// deterministic iteration.
func (s *Store) List(partition, collection string) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT key, value FROM records WHERE partition = ? AND collection = ? ORDER BY key ASC`,
		partition, collection,
	)
	if err != nil {
		err = errors.Wrap(errors.ErrStoreUnavailable, err.Error())
		return nil, errors.Wrapf(err, "list %s/%s", partition, collection)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			err = errors.Wrap(errors.ErrStoreUnavailable, err.Error())
			return nil, errors.Wrapf(err, "scan %s/%s", partition, collection)
		}
		entries = append(entries, Entry{Key: key, Value: []byte(value)})
	}
	if err := rows.Err(); err != nil {
		err = errors.Wrap(errors.ErrStoreUnavailable, err.Error())
		return nil, errors.Wrapf(err, "list %s/%s", partition, collection)
	}
	return entries, nil
}

// Delete removes the record under (partition, collection, key). Deleting a
// missing record is not an error.
func (s *Store) Delete(partition, collection, key string) error {
	_, err := s.db.Exec(
		`DELETE FROM records WHERE partition = ? AND collection = ? AND key = ?`,
		partition, collection, key,
	)
	if err != nil {
		err = errors.Wrap(errors.ErrStoreUnavailable, err.Error())
		return errors.Wrapf(err, "delete %s/%s/%s", partition, collection, key)
	}
	return nil
}

// Partitions returns the distinct partitions with at least one record,
// excluding the shared partition. Used by startup recovery to enumerate
// served communities.
func (s *Store) Partitions() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT partition FROM records WHERE partition != ? ORDER BY partition ASC`,
		SharedPartition,
	)
	if err != nil {
		err = errors.Wrap(errors.ErrStoreUnavailable, err.Error())
		return nil, errors.Wrap(err, "list partitions")
	}
	defer rows.Close()

	var partitions []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			err = errors.Wrap(errors.ErrStoreUnavailable, err.Error())
			return nil, errors.Wrap(err, "scan partition")
		}
		partitions = append(partitions, p)
	}
	if err := rows.Err(); err != nil {
		err = errors.Wrap(errors.ErrStoreUnavailable, err.Error())
		return nil, errors.Wrap(err, "list partitions")
	}
	return partitions, nil
}
