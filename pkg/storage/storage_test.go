package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesSchema(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "data.sqlite3"))
	require.NoError(t, err)
	defer db.Close()

	tables := []string{"allowed_ips", "allowed_names", "blocked_ips", "blocked_names", "cloaking_rules", "forwarding_rules", "request_logs"}
	for _, tbl := range tables {
		var name string
		err := db.Conn().QueryRow(`select name from sqlite_master where type='table' and name=?`, tbl).Scan(&name)
		require.NoError(t, err, "table %s should exist", tbl)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.sqlite3")

	db1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()

	var version int
	require.NoError(t, db2.Conn().QueryRow(`pragma user_version`).Scan(&version))
	require.Equal(t, 1, version)
}
