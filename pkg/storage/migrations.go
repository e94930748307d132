package storage

import (
	"database/sql"
	"fmt"
)

// migration is one versioned, idempotent schema step, applied in order and
// tracked via pragma user_version — the same upgrade mechanism
// original_source/simple/db.py uses.
type migration struct {
	version     int
	description string
	sql         string
}

var migrations = []migration{
	{
		version:     1,
		description: "rule tables and request log",
		sql: `
create table if not exists allowed_ips (
	"id" integer primary key autoincrement,
	"group" text not null,
	"use_glob" integer not null,
	"ip" text not null,
	constraint group_ip unique ("group", "ip") on conflict ignore
);

create table if not exists allowed_names (
	"id" integer primary key autoincrement,
	"group" text not null,
	"use_glob" integer not null,
	"name" text not null,
	constraint group_name unique ("group", "name") on conflict ignore
);

create table if not exists blocked_ips (
	"id" integer primary key autoincrement,
	"group" text not null,
	"use_glob" integer not null,
	"ip" text not null,
	constraint group_ip unique ("group", "ip") on conflict ignore
);

create table if not exists blocked_names (
	"id" integer primary key autoincrement,
	"group" text not null,
	"use_glob" integer not null,
	"name" text not null,
	constraint group_name unique ("group", "name") on conflict ignore
);

create table if not exists cloaking_rules (
	"id" integer primary key autoincrement,
	"group" text not null,
	"name" text not null,
	"use_glob" integer not null,
	"record_type" text not null,
	"mapped" text not null,
	constraint group_name_mapped unique ("group", "name", "record_type", "mapped") on conflict ignore
);

create table if not exists forwarding_rules (
	"id" integer primary key autoincrement,
	"group" text not null,
	"use_glob" integer not null,
	"name" text not null,
	constraint group_name unique ("group", "name") on conflict ignore
);

create table if not exists request_logs (
	"id" integer primary key autoincrement,
	"request_id" text not null,
	"client_ip" text not null,
	"name" text not null,
	"cname" text,
	"question_type" text not null,
	"response_status" text,
	"server" text,
	"elapsed_ms" real not null,
	"error" text,
	"created_utc" text not null default current_timestamp
);
`,
	},
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`pragma user_version`); err != nil {
		return err
	}
	var current int
	if err := db.QueryRow(`pragma user_version`).Scan(&current); err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := db.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
		if _, err := db.Exec(fmt.Sprintf("pragma user_version = %d", m.version)); err != nil {
			return fmt.Errorf("migration %d: set user_version: %w", m.version, err)
		}
		current = m.version
	}
	return nil
}
