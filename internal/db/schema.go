package db

import (
	"context"
	"fmt"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS traceroutes (
		id                   VARCHAR(40) NOT NULL PRIMARY KEY,
		raw                  BLOB NOT NULL,
		created              DATETIME NOT NULL,
		last_seen            DATETIME NOT NULL,
		parsed               BOOLEAN NOT NULL DEFAULT 0,
		enriched             BOOLEAN NOT NULL DEFAULT 0,
		enrichment_started   DATETIME,
		enrichment_completed DATETIME
	)`,
	`CREATE TABLE IF NOT EXISTS hops (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		traceroute_id VARCHAR(40) NOT NULL
			REFERENCES traceroutes (id) ON DELETE CASCADE,
		hop_number    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_hops_traceroute ON hops (traceroute_id)`,
	`CREATE TABLE IF NOT EXISTS hosts (
		id            VARCHAR(40) NOT NULL PRIMARY KEY,
		hop_id        INTEGER NOT NULL
			REFERENCES hops (id) ON DELETE CASCADE,
		position      INTEGER NOT NULL DEFAULT 0,
		original_host VARCHAR(255) NOT NULL,
		avg_rtt       DOUBLE,
		min_rtt       DOUBLE,
		max_rtt       DOUBLE,
		loss          DOUBLE,
		ip            VARCHAR(45),
		name          VARCHAR(255),
		enriched      BOOLEAN NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_hosts_hop ON hosts (hop_id)`,
	`CREATE TABLE IF NOT EXISTS host_origins (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		host_id VARCHAR(40) NOT NULL
			REFERENCES hosts (id) ON DELETE CASCADE,
		asn     BIGINT NOT NULL,
		holder  VARCHAR(256) NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_host_origins_host ON host_origins (host_id)`,
	`CREATE TABLE IF NOT EXISTS host_ixp_networks (
		host_id        VARCHAR(40) NOT NULL PRIMARY KEY
			REFERENCES hosts (id) ON DELETE CASCADE,
		lan_name       VARCHAR(255),
		ix_name        VARCHAR(255),
		ix_description VARCHAR(255)
	)`,
	`CREATE TABLE IF NOT EXISTS ip_info_prefixes (
		prefix       VARCHAR(39) NOT NULL PRIMARY KEY,
		last_updated DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ip_info_origins (
		id     INTEGER PRIMARY KEY AUTOINCREMENT,
		prefix VARCHAR(39) NOT NULL
			REFERENCES ip_info_prefixes (prefix) ON DELETE CASCADE,
		asn    BIGINT NOT NULL,
		holder VARCHAR(256) NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ip_info_origins_prefix ON ip_info_origins (prefix)`,
	`CREATE TABLE IF NOT EXISTS ip_info_ixp_networks (
		prefix         VARCHAR(39) NOT NULL PRIMARY KEY
			REFERENCES ip_info_prefixes (prefix) ON DELETE CASCADE,
		lan_name       VARCHAR(255),
		ix_name        VARCHAR(255),
		ix_description VARCHAR(255)
	)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS traceroutes (
		id                   VARCHAR(40) NOT NULL PRIMARY KEY,
		raw                  BLOB NOT NULL,
		created              DATETIME NOT NULL,
		last_seen            DATETIME NOT NULL,
		parsed               BOOLEAN NOT NULL DEFAULT 0,
		enriched             BOOLEAN NOT NULL DEFAULT 0,
		enrichment_started   DATETIME NULL,
		enrichment_completed DATETIME NULL
	)`,
	`CREATE TABLE IF NOT EXISTS hops (
		id            BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		traceroute_id VARCHAR(40) NOT NULL,
		hop_number    INT NOT NULL,
		CONSTRAINT fk_hops_traceroute FOREIGN KEY (traceroute_id)
			REFERENCES traceroutes (id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS hosts (
		id            VARCHAR(40) NOT NULL PRIMARY KEY,
		hop_id        BIGINT NOT NULL,
		position      INT NOT NULL DEFAULT 0,
		original_host VARCHAR(255) NOT NULL,
		avg_rtt       DOUBLE NULL,
		min_rtt       DOUBLE NULL,
		max_rtt       DOUBLE NULL,
		loss          DOUBLE NULL,
		ip            VARCHAR(45) NULL,
		name          VARCHAR(255) NULL,
		enriched      BOOLEAN NOT NULL DEFAULT 0,
		CONSTRAINT fk_hosts_hop FOREIGN KEY (hop_id)
			REFERENCES hops (id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS host_origins (
		id      BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		host_id VARCHAR(40) NOT NULL,
		asn     BIGINT NOT NULL,
		holder  VARCHAR(256) NOT NULL,
		CONSTRAINT fk_host_origins_host FOREIGN KEY (host_id)
			REFERENCES hosts (id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS host_ixp_networks (
		host_id        VARCHAR(40) NOT NULL PRIMARY KEY,
		lan_name       VARCHAR(255) NULL,
		ix_name        VARCHAR(255) NULL,
		ix_description VARCHAR(255) NULL,
		CONSTRAINT fk_host_ixp_networks_host FOREIGN KEY (host_id)
			REFERENCES hosts (id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS ip_info_prefixes (
		prefix       VARCHAR(39) NOT NULL PRIMARY KEY,
		last_updated DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ip_info_origins (
		id     BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		prefix VARCHAR(39) NOT NULL,
		asn    BIGINT NOT NULL,
		holder VARCHAR(256) NOT NULL,
		CONSTRAINT fk_ip_info_origins_prefix FOREIGN KEY (prefix)
			REFERENCES ip_info_prefixes (prefix) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS ip_info_ixp_networks (
		prefix         VARCHAR(39) NOT NULL PRIMARY KEY,
		lan_name       VARCHAR(255) NULL,
		ix_name        VARCHAR(255) NULL,
		ix_description VARCHAR(255) NULL,
		CONSTRAINT fk_ip_info_ixp_networks_prefix FOREIGN KEY (prefix)
			REFERENCES ip_info_prefixes (prefix) ON DELETE CASCADE
	)`,
}

// CreateTables creates the schema if it does not exist yet. Safe to call on
// every startup.
func (d *DB) CreateTables(ctx context.Context) error {
	stmts := sqliteSchema
	if d.typ == TypeMySQL {
		stmts = mysqlSchema
	}
	for _, stmt := range stmts {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating tables: %w", err)
		}
	}
	return nil
}
