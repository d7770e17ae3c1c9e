package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/registration/entity"
)

// Repo stores device registrations in PostgreSQL.
type Repo struct {
	db *sqlx.DB
}

func NewRepo(db *sqlx.DB) *Repo {
	return &Repo{db: db}
}

// EnsureTable creates wallet_device_registrations and wallet_pass_updates when missing.
func (r *Repo) EnsureTable(ctx context.Context) error {
	tables := []struct{ name, ddl string }{
		{"wallet_device_registrations", `CREATE TABLE wallet_device_registrations (
			device_id varchar(128) NOT NULL,
			pass_type_id varchar(128) NOT NULL,
			serial_number varchar(128) NOT NULL,
			push_token varchar(256) NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (device_id, pass_type_id, serial_number)
		)`},
		{"idx_wallet_device_registrations_serial", `CREATE INDEX idx_wallet_device_registrations_serial
			ON wallet_device_registrations (pass_type_id, serial_number)`},
		{"wallet_pass_updates", `CREATE TABLE wallet_pass_updates (
			pass_type_id varchar(128) NOT NULL,
			serial_number varchar(128) NOT NULL,
			card_id varchar(64) NOT NULL,
			updated_at timestamptz NOT NULL,
			PRIMARY KEY (pass_type_id, serial_number)
		)`},
	}
	for _, t := range tables {
		var name sql.NullString
		if err := r.db.QueryRowContext(ctx, "SELECT to_regclass('public."+t.name+"')").Scan(&name); err != nil {
			return err
		}
		if name.Valid {
			continue
		}
		if _, err := r.db.ExecContext(ctx, t.ddl); err != nil {
			return err
		}
	}
	return nil
}

// Register upserts the push token and reports whether the row is new.
func (r *Repo) Register(ctx context.Context, reg entity.Registration) (bool, error) {
	var inserted bool
	q := `INSERT INTO wallet_device_registrations (device_id, pass_type_id, serial_number, push_token, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_id, pass_type_id, serial_number) DO UPDATE SET push_token = EXCLUDED.push_token
		RETURNING (xmax = 0)`
	err := r.db.QueryRowxContext(ctx, q, reg.DeviceID, reg.PassTypeID, reg.SerialNumber, reg.PushToken, reg.CreatedAt).Scan(&inserted)
	return inserted, err
}

func (r *Repo) Unregister(ctx context.Context, deviceID, passTypeID, serial string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM wallet_device_registrations
		WHERE device_id = $1 AND pass_type_id = $2 AND serial_number = $3`, deviceID, passTypeID, serial)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return entity.ErrNotFound
	}
	return nil
}

func (r *Repo) RemovePushToken(ctx context.Context, pushToken string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM wallet_device_registrations WHERE push_token = $1`, pushToken)
	return err
}

func (r *Repo) PushTokens(ctx context.Context, passTypeID, serial string) ([]string, error) {
	var tokens []string
	err := r.db.SelectContext(ctx, &tokens, `SELECT DISTINCT push_token FROM wallet_device_registrations
		WHERE pass_type_id = $1 AND serial_number = $2 ORDER BY push_token`, passTypeID, serial)
	return tokens, err
}

// UpdatedSince lists the device's passes changed after since (all when since is zero).
func (r *Repo) UpdatedSince(ctx context.Context, deviceID, passTypeID string, since time.Time) ([]entity.PassUpdate, error) {
	var rows []entity.PassUpdate
	err := r.db.SelectContext(ctx, &rows, `SELECT u.pass_type_id, u.serial_number, u.card_id, u.updated_at
		FROM wallet_pass_updates u
		JOIN wallet_device_registrations d
		  ON d.pass_type_id = u.pass_type_id AND d.serial_number = u.serial_number
		WHERE d.device_id = $1 AND d.pass_type_id = $2 AND u.updated_at > $3
		ORDER BY u.serial_number`, deviceID, passTypeID, since)
	return rows, err
}

func (r *Repo) MarkUpdated(ctx context.Context, u entity.PassUpdate) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO wallet_pass_updates (pass_type_id, serial_number, card_id, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (pass_type_id, serial_number) DO UPDATE
		SET card_id = EXCLUDED.card_id, updated_at = GREATEST(wallet_pass_updates.updated_at, EXCLUDED.updated_at)`,
		u.PassTypeID, u.SerialNumber, u.CardID, u.UpdatedAt)
	return err
}

func (r *Repo) Lookup(ctx context.Context, passTypeID, serial string) (entity.PassUpdate, error) {
	var u entity.PassUpdate
	err := r.db.GetContext(ctx, &u, `SELECT pass_type_id, serial_number, card_id, updated_at
		FROM wallet_pass_updates WHERE pass_type_id = $1 AND serial_number = $2`, passTypeID, serial)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.PassUpdate{}, entity.ErrNotFound
	}
	return u, err
}
