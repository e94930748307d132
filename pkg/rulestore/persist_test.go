package rulestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"localdns/pkg/ruleparser"
	"localdns/pkg/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "rules.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPersist_WritesEveryTable(t *testing.T) {
	db := openTestDB(t)

	r := Rules{
		AllowedIPs:      []ruleparser.NameRule{nr("default", "10.0.0.5")},
		AllowedNames:    []ruleparser.NameRule{nr("default", "ok.example.com")},
		BlockedIPs:      []ruleparser.NameRule{nr("default", "1.2.3.4")},
		BlockedNames:    []ruleparser.NameRule{nr("default", "ads.example.com")},
		ForwardingRules: []ruleparser.NameRule{nr("internal", "corp.example.com")},
		CloakingRules: []ruleparser.CloakingRule{
			{Group: "default", Name: "router.lan", Mapped: "192.168.1.1", RecordType: ruleparser.RecordA},
		},
	}
	require.NoError(t, Persist(db, r))

	counts := map[string]int{
		"allowed_ips":      1,
		"allowed_names":    1,
		"blocked_ips":      1,
		"blocked_names":    1,
		"forwarding_rules": 1,
		"cloaking_rules":   1,
	}
	for table, want := range counts {
		var got int
		require.NoError(t, db.Conn().QueryRow("select count(*) from "+table).Scan(&got))
		require.Equal(t, want, got, "table %s", table)
	}
}

func TestPersist_DuplicateImportIsIdempotent(t *testing.T) {
	db := openTestDB(t)

	r := Rules{BlockedNames: []ruleparser.NameRule{nr("default", "ads.example.com")}}
	require.NoError(t, Persist(db, r))
	require.NoError(t, Persist(db, r))

	var count int
	require.NoError(t, db.Conn().QueryRow("select count(*) from blocked_names").Scan(&count))
	require.Equal(t, 1, count)
}
