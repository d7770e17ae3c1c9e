package entity

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("registration not found")

// Registration binds one device to one pass for push updates.
type Registration struct {
	DeviceID     string    `db:"device_id"`
	PassTypeID   string    `db:"pass_type_id"`
	SerialNumber string    `db:"serial_number"`
	PushToken    string    `db:"push_token"`
	CreatedAt    time.Time `db:"created_at"`
}

// PassUpdate remembers which card a serial was issued for and when it last changed.
type PassUpdate struct {
	PassTypeID   string    `db:"pass_type_id"`
	SerialNumber string    `db:"serial_number"`
	CardID       string    `db:"card_id"`
	UpdatedAt    time.Time `db:"updated_at"`
}
