package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS vehicles (
		plate               TEXT PRIMARY KEY,
		status              TEXT NOT NULL CHECK (status IN ('Dentro', 'Fuera')),
		last_movement_time  TIMESTAMPTZ NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_vehicles_status ON vehicles(status);`,
	`CREATE TABLE IF NOT EXISTS movements (
		id              BIGSERIAL PRIMARY KEY,
		plate           TEXT NOT NULL,
		movement_type   TEXT NOT NULL CHECK (movement_type IN ('Entrada', 'Salida')),
		moved_at        TIMESTAMPTZ NOT NULL,
		metadata        JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_movements_plate ON movements(plate);`,
	`CREATE INDEX IF NOT EXISTS idx_movements_moved_at ON movements(moved_at DESC);`,
	`CREATE OR REPLACE FUNCTION movements_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'movements are append-only';
	END
	$$ LANGUAGE plpgsql;`,
	`DROP TRIGGER IF EXISTS trg_movements_append_only ON movements;`,
	`CREATE TRIGGER trg_movements_append_only
		BEFORE UPDATE OR DELETE ON movements
		FOR EACH ROW EXECUTE FUNCTION movements_append_only();`,
	`CREATE TABLE IF NOT EXISTS lists (
		id          BIGSERIAL PRIMARY KEY,
		name        TEXT NOT NULL,
		type        TEXT NOT NULL,
		description TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_lists_name ON lists(name);`,
	`CREATE TABLE IF NOT EXISTS list_items (
		list_id     BIGINT REFERENCES lists(id),
		plate       TEXT NOT NULL,
		note        TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (list_id, plate)
	);`,
	`DO $$
	BEGIN
		IF NOT EXISTS (SELECT 1 FROM lists WHERE name = 'default_whitelist') THEN
			INSERT INTO lists (name, type, description) VALUES ('default_whitelist', 'WHITELIST', 'Default whitelist');
		END IF;
		IF NOT EXISTS (SELECT 1 FROM lists WHERE name = 'default_blacklist') THEN
			INSERT INTO lists (name, type, description) VALUES ('default_blacklist', 'BLACKLIST', 'Default blacklist');
		END IF;
	END
	$$;`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
