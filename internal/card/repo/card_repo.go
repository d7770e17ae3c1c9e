package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/card/entity"
)

// ErrNotFound is returned when no issued card matches the id.
var ErrNotFound = errors.New("card not found")

// NOTE: the card tables belong to the CRUD service; this repo only reads them.
// Expected shape (Postgres):
//   businesses(id, name, logo_url, theme_color, contact_email, contact_phone, website)
//   stamp_cards(id, business_id, name, stamps_required, reward_description, card_color, barcode_type, expiry_days)
//   membership_cards(id, business_id, name, total_sessions, cost, duration_days, membership_details, card_color, barcode_type)
//   customers(id, name)
//   customer_cards(id, customer_id, stamp_card_id, membership_card_id, current_stamps, sessions_used, expiry_date, created_at, updated_at)

type cardRow struct {
	CustomerCardID string         `db:"customer_card_id"`
	CustomerID     string         `db:"customer_id"`
	CustomerName   sql.NullString `db:"customer_name"`
	CurrentStamps  int            `db:"current_stamps"`
	SessionsUsed   int            `db:"sessions_used"`
	ExpiryDate     *time.Time     `db:"expiry_date"`
	IssuedAt       time.Time      `db:"issued_at"`
	UpdatedAt      time.Time      `db:"updated_at"`

	StampCardID    sql.NullString `db:"stamp_card_id"`
	StampName      sql.NullString `db:"stamp_name"`
	StampsRequired sql.NullInt64  `db:"stamps_required"`
	Reward         sql.NullString `db:"reward_description"`
	StampColor     sql.NullString `db:"stamp_color"`
	StampBarcode   sql.NullString `db:"stamp_barcode"`
	ExpiryDays     sql.NullInt64  `db:"expiry_days"`

	MembershipCardID  sql.NullString      `db:"membership_card_id"`
	MembershipName    sql.NullString      `db:"membership_name"`
	TotalSessions     sql.NullInt64       `db:"total_sessions"`
	Cost              decimal.NullDecimal `db:"cost"`
	DurationDays      sql.NullInt64       `db:"duration_days"`
	MembershipDetails sql.NullString      `db:"membership_details"`
	MembershipColor   sql.NullString      `db:"membership_color"`
	MembershipBarcode sql.NullString      `db:"membership_barcode"`

	BusinessID   string         `db:"business_id"`
	BusinessName string         `db:"business_name"`
	LogoURL      sql.NullString `db:"logo_url"`
	ThemeColor   sql.NullString `db:"theme_color"`
	ContactEmail sql.NullString `db:"contact_email"`
	ContactPhone sql.NullString `db:"contact_phone"`
	Website      sql.NullString `db:"website"`
}

const loadQuery = `
SELECT cc.id AS customer_card_id, cc.customer_id, cu.name AS customer_name,
       cc.current_stamps, cc.sessions_used, cc.expiry_date, cc.created_at AS issued_at, cc.updated_at,
       sc.id AS stamp_card_id, sc.name AS stamp_name, sc.stamps_required, sc.reward_description,
       sc.card_color AS stamp_color, sc.barcode_type AS stamp_barcode, sc.expiry_days,
       mc.id AS membership_card_id, mc.name AS membership_name, mc.total_sessions, mc.cost,
       mc.duration_days, mc.membership_details, mc.card_color AS membership_color,
       mc.barcode_type AS membership_barcode,
       b.id AS business_id, b.name AS business_name, b.logo_url, b.theme_color,
       b.contact_email, b.contact_phone, b.website
  FROM customer_cards cc
  LEFT JOIN customers cu ON cu.id = cc.customer_id
  LEFT JOIN stamp_cards sc ON sc.id = cc.stamp_card_id
  LEFT JOIN membership_cards mc ON mc.id = cc.membership_card_id
  JOIN businesses b ON b.id = COALESCE(sc.business_id, mc.business_id)
 WHERE cc.id = $1`

// CardRepo reads the current state of an issued card.
type CardRepo struct {
	db *sqlx.DB
}

func NewCardRepo(db *sqlx.DB) *CardRepo { return &CardRepo{db: db} }

// Load returns the card template plus customer progress as it is right now.
func (r *CardRepo) Load(ctx context.Context, cardID string) (entity.Source, error) {
	var row cardRow
	if err := r.db.GetContext(ctx, &row, loadQuery, cardID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entity.Source{}, ErrNotFound
		}
		return entity.Source{}, fmt.Errorf("load card %s: %w", cardID, err)
	}
	return row.toSource(), nil
}

// Ping is used by the health monitor for reachability and latency.
func (r *CardRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (row cardRow) toSource() entity.Source {
	b := entity.Business{
		ID:           row.BusinessID,
		Name:         row.BusinessName,
		LogoURL:      row.LogoURL.String,
		ThemeColor:   row.ThemeColor.String,
		ContactEmail: row.ContactEmail.String,
		ContactPhone: row.ContactPhone.String,
		Website:      row.Website.String,
	}
	src := entity.Source{
		Progress: &entity.CustomerProgress{
			CustomerCardID: row.CustomerCardID,
			CustomerID:     row.CustomerID,
			CustomerName:   row.CustomerName.String,
			CurrentStamps:  row.CurrentStamps,
			SessionsUsed:   row.SessionsUsed,
			ExpiresAt:      row.ExpiryDate,
			IssuedAt:       row.IssuedAt,
			UpdatedAt:      row.UpdatedAt,
		},
	}
	if row.StampCardID.Valid {
		src.Stamp = &entity.StampCard{
			ID:             row.StampCardID.String,
			Business:       b,
			Name:           row.StampName.String,
			StampsRequired: int(row.StampsRequired.Int64),
			Reward:         row.Reward.String,
			ThemeColor:     row.StampColor.String,
			BarcodeFormat:  row.StampBarcode.String,
			ExpiryDays:     int(row.ExpiryDays.Int64),
		}
	}
	if row.MembershipCardID.Valid {
		src.Membership = &entity.MembershipCard{
			ID:                row.MembershipCardID.String,
			Business:          b,
			Name:              row.MembershipName.String,
			TotalSessions:     int(row.TotalSessions.Int64),
			Cost:              row.Cost.Decimal,
			DurationDays:      int(row.DurationDays.Int64),
			MembershipDetails: row.MembershipDetails.String,
			ThemeColor:        row.MembershipColor.String,
			BarcodeFormat:     row.MembershipBarcode.String,
		}
	}
	return src
}
