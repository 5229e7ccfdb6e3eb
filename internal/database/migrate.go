package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS reservations (
		id                    BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		user_id               BIGINT UNSIGNED NOT NULL,
		restaurant_id         BIGINT UNSIGNED NOT NULL,
		table_id              BIGINT UNSIGNED NULL,
		starts_at             DATETIME NOT NULL,
		duration_minutes      INT NOT NULL,
		ends_at               DATETIME NOT NULL,
		party_size            INT NOT NULL,
		status                ENUM('PENDING','CONFIRMED','CANCELLED','COMPLETED','NO_SHOW') NOT NULL,
		confirmation_deadline DATETIME NULL,
		customer_name         VARCHAR(255) NOT NULL DEFAULT '',
		customer_email        VARCHAR(255) NOT NULL DEFAULT '',
		customer_phone        VARCHAR(64) NOT NULL DEFAULT '',
		special_requests      TEXT NOT NULL,
		cancellation_reason   VARCHAR(255) NULL,
		version               INT UNSIGNED NOT NULL DEFAULT 1,
		created_at            DATETIME NOT NULL,
		updated_at            DATETIME NOT NULL,
		confirmed_at          DATETIME NULL,
		cancelled_at          DATETIME NULL,
		completed_at          DATETIME NULL,
		PRIMARY KEY (id),
		KEY idx_reservations_user (user_id, starts_at),
		KEY idx_reservations_restaurant (restaurant_id, starts_at),
		KEY idx_reservations_table (table_id, status, starts_at),
		KEY idx_reservations_pending_deadline (status, confirmation_deadline),
		KEY idx_reservations_status_end (status, ends_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS reservation_history (
		id              BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		reservation_id  BIGINT UNSIGNED NOT NULL,
		action          ENUM('CREATED','CONFIRMED','CANCELLED','EXPIRED','COMPLETED','NO_SHOW','MODIFIED') NOT NULL,
		previous_status VARCHAR(16) NULL,
		new_status      VARCHAR(16) NOT NULL,
		actor_id        BIGINT UNSIGNED NOT NULL DEFAULT 0,
		actor_type      ENUM('USER','OWNER','SYSTEM') NOT NULL,
		note            TEXT NOT NULL,
		created_at      DATETIME NOT NULL,
		PRIMARY KEY (id),
		KEY idx_history_reservation (reservation_id, id),
		CONSTRAINT fk_history_reservation FOREIGN KEY (reservation_id) REFERENCES reservations (id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS reservation_quotas (
		restaurant_id        BIGINT UNSIGNED NOT NULL,
		slot_date            DATE NOT NULL,
		time_slot            CHAR(5) NOT NULL,
		max_reservations     INT NOT NULL,
		current_reservations INT NOT NULL DEFAULT 0,
		max_capacity         INT NOT NULL,
		current_capacity     INT NOT NULL DEFAULT 0,
		PRIMARY KEY (restaurant_id, slot_date, time_slot),
		CONSTRAINT chk_quota_reservations CHECK (current_reservations BETWEEN 0 AND max_reservations),
		CONSTRAINT chk_quota_capacity CHECK (current_capacity BETWEEN 0 AND max_capacity)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate creates the service's tables when they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
