package entity

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the resolved card shape. It is decided once, at normalization.
type Kind string

const (
	KindStamp      Kind = "stamp"
	KindMembership Kind = "membership"
)

// Business holds the branding shared by every card a business issues.
type Business struct {
	ID           string `db:"business_id" json:"id"`
	Name         string `db:"business_name" json:"name"`
	LogoURL      string `db:"logo_url" json:"logo_url,omitempty"`
	ThemeColor   string `db:"theme_color" json:"theme_color,omitempty"`
	ContactEmail string `db:"contact_email" json:"contact_email,omitempty"`
	ContactPhone string `db:"contact_phone" json:"contact_phone,omitempty"`
	Website      string `db:"website" json:"website,omitempty"`
}

// StampCard is a program template: collect N stamps, earn a reward.
type StampCard struct {
	ID             string `db:"id"`
	Business       Business
	Name           string `db:"name"`
	StampsRequired int    `db:"stamps_required"`
	Reward         string `db:"reward_description"`
	ThemeColor     string `db:"card_color"`
	BarcodeFormat  string `db:"barcode_type"`
	ExpiryDays     int    `db:"expiry_days"`
}

// MembershipCard is a program template: a prepaid bundle of sessions.
type MembershipCard struct {
	ID                string `db:"id"`
	Business          Business
	Name              string          `db:"name"`
	TotalSessions     int             `db:"total_sessions"`
	Cost              decimal.Decimal `db:"cost"`
	DurationDays      int             `db:"duration_days"`
	MembershipDetails string          `db:"membership_details"`
	ThemeColor        string          `db:"card_color"`
	BarcodeFormat     string          `db:"barcode_type"`
}

// CustomerProgress is the per-customer state of an issued card.
type CustomerProgress struct {
	CustomerCardID string     `db:"customer_card_id"`
	CustomerID     string     `db:"customer_id"`
	CustomerName   string     `db:"customer_name"`
	CurrentStamps  int        `db:"current_stamps"`
	SessionsUsed   int        `db:"sessions_used"`
	ExpiresAt      *time.Time `db:"expiry_date"`
	IssuedAt       time.Time  `db:"issued_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// Source is the normalizer input. Exactly one of Stamp or Membership is set.
type Source struct {
	Stamp      *StampCard
	Membership *MembershipCard
	Progress   *CustomerProgress
}

type StampProgress struct {
	Current    int        `json:"current"`
	Required   int        `json:"required"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
}

type MembershipProgress struct {
	SessionsUsed  int             `json:"sessions_used"`
	SessionsTotal int             `json:"sessions_total"`
	ExpiryDate    *time.Time      `json:"expiry_date,omitempty"`
	Cost          decimal.Decimal `json:"cost"`
}

// UnifiedCard is the platform-agnostic projection every pass builder consumes.
// It is rebuilt on every generation request and never stored.
type UnifiedCard struct {
	ID                string              `json:"id"`
	Kind              Kind                `json:"kind"`
	Title             string              `json:"title"`
	Business          Business            `json:"business"`
	CustomerName      string              `json:"customer_name,omitempty"`
	Stamp             *StampProgress      `json:"stamp,omitempty"`
	Membership        *MembershipProgress `json:"membership,omitempty"`
	Reward            string              `json:"reward,omitempty"`
	MembershipDetails string              `json:"membership_details,omitempty"`
	BarcodePayload    string              `json:"barcode_payload"`
	BarcodeFormat     string              `json:"barcode_format"`
	SerialNumber      string              `json:"serial_number"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// IsCompleted reports a full stamp card or a fully used membership.
func (c UnifiedCard) IsCompleted() bool {
	switch c.Kind {
	case KindStamp:
		return c.Stamp != nil && c.Stamp.Current >= c.Stamp.Required
	case KindMembership:
		return c.Membership != nil && c.Membership.SessionsUsed >= c.Membership.SessionsTotal
	}
	return false
}

// RewardReady is only meaningful for stamp cards.
func (c UnifiedCard) RewardReady() bool {
	return c.Kind == KindStamp && c.IsCompleted()
}

// Current and Total return the progress pair regardless of kind.
func (c UnifiedCard) Current() int {
	if c.Stamp != nil {
		return c.Stamp.Current
	}
	if c.Membership != nil {
		return c.Membership.SessionsUsed
	}
	return 0
}

func (c UnifiedCard) Total() int {
	if c.Stamp != nil {
		return c.Stamp.Required
	}
	if c.Membership != nil {
		return c.Membership.SessionsTotal
	}
	return 0
}

// Remaining is never negative.
func (c UnifiedCard) Remaining() int {
	if r := c.Total() - c.Current(); r > 0 {
		return r
	}
	return 0
}

// Percent is the integer completion percentage.
func (c UnifiedCard) Percent() int {
	if c.Total() == 0 {
		return 0
	}
	return c.Current() * 100 / c.Total()
}

// ExpiresAt is nil when the card never expires.
func (c UnifiedCard) ExpiresAt() *time.Time {
	if c.Stamp != nil {
		return c.Stamp.ExpiryDate
	}
	if c.Membership != nil {
		return c.Membership.ExpiryDate
	}
	return nil
}

// ProgressLabel renders "current/total", e.g. "10/10".
func (c UnifiedCard) ProgressLabel() string {
	return strconv.Itoa(c.Current()) + "/" + strconv.Itoa(c.Total())
}
