package rulestore

import (
	"database/sql"
	"fmt"

	"localdns/pkg/ruleparser"
	"localdns/pkg/storage"
)

// Persist writes the parsed rule records into the shared database file,
// mirroring original_source/simple/db.py's insert statements. The unique
// constraints declared on each table (with "on conflict ignore") make
// re-importing the same rule set idempotent.
func Persist(db *storage.DB, r Rules) error {
	conn := db.Conn()
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("rulestore: begin: %w", err)
	}
	defer tx.Rollback()

	if err := insertNameRules(tx, "allowed_ips", "ip", r.AllowedIPs); err != nil {
		return err
	}
	if err := insertNameRules(tx, "allowed_names", "name", r.AllowedNames); err != nil {
		return err
	}
	if err := insertNameRules(tx, "blocked_ips", "ip", r.BlockedIPs); err != nil {
		return err
	}
	if err := insertNameRules(tx, "blocked_names", "name", r.BlockedNames); err != nil {
		return err
	}
	if err := insertNameRules(tx, "forwarding_rules", "name", r.ForwardingRules); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`insert into cloaking_rules ("group", "name", "use_glob", "record_type", "mapped")
		values (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("rulestore: prepare cloaking_rules: %w", err)
	}
	defer stmt.Close()
	for _, c := range r.CloakingRules {
		if _, err := stmt.Exec(c.Group, c.Name, c.Glob, string(c.RecordType), c.Mapped); err != nil {
			return fmt.Errorf("rulestore: insert cloaking_rules: %w", err)
		}
	}

	return tx.Commit()
}

func insertNameRules(tx *sql.Tx, table, column string, rules []ruleparser.NameRule) error {
	stmt, err := tx.Prepare(fmt.Sprintf(`insert into %s ("group", "use_glob", %q) values (?, ?, ?)`, table, column))
	if err != nil {
		return fmt.Errorf("rulestore: prepare %s: %w", table, err)
	}
	defer stmt.Close()
	for _, r := range rules {
		if _, err := stmt.Exec(r.Group, r.Glob, r.Pattern); err != nil {
			return fmt.Errorf("rulestore: insert %s: %w", table, err)
		}
	}
	return nil
}
