// Package pwa renders the plain JSON card document used by the web app.
package pwa

import (
	"time"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/card/entity"
)

const Platform = "pwa"

type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Label   string `json:"label"`
	Percent int    `json:"percent"`
}

type Barcode struct {
	Payload string `json:"payload"`
	Format  string `json:"format"`
}

type Theme struct {
	Background string `json:"background"`
	Foreground string `json:"foreground"`
	LogoURL    string `json:"logoUrl,omitempty"`
}

// Document is a self-contained card view. Building it cannot fail.
type Document struct {
	ID                string     `json:"id"`
	Kind              string     `json:"kind"`
	Title             string     `json:"title"`
	Subtitle          string     `json:"subtitle"`
	CustomerName      string     `json:"customerName,omitempty"`
	SerialNumber      string     `json:"serialNumber"`
	Progress          Progress   `json:"progress"`
	Barcode           Barcode    `json:"barcode"`
	Theme             Theme      `json:"theme"`
	Reward            string     `json:"reward,omitempty"`
	MembershipDetails string     `json:"membershipDetails,omitempty"`
	IsCompleted       bool       `json:"isCompleted"`
	RewardReady       bool       `json:"rewardReady"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	UpdatedAt         *time.Time `json:"updatedAt,omitempty"`
}

func Build(c entity.UnifiedCard) Document {
	d := Document{
		ID:           c.ID,
		Kind:         string(c.Kind),
		Title:        c.Title,
		Subtitle:     c.Business.Name,
		CustomerName: c.CustomerName,
		SerialNumber: c.SerialNumber,
		Progress: Progress{
			Current: c.Current(),
			Total:   c.Total(),
			Label:   c.ProgressLabel(),
			Percent: c.Percent(),
		},
		Barcode:           Barcode{Payload: c.BarcodePayload, Format: c.BarcodeFormat},
		Theme:             Theme{Background: c.Business.ThemeColor, Foreground: "#ffffff", LogoURL: c.Business.LogoURL},
		Reward:            c.Reward,
		MembershipDetails: c.MembershipDetails,
		IsCompleted:       c.IsCompleted(),
		RewardReady:       c.RewardReady(),
		ExpiresAt:         c.ExpiresAt(),
	}
	if !c.UpdatedAt.IsZero() {
		t := c.UpdatedAt
		d.UpdatedAt = &t
	}
	return d
}
