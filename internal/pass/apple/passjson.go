package apple

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/card/entity"
)

type field struct {
	Key           string `json:"key"`
	Label         string `json:"label,omitempty"`
	Value         string `json:"value"`
	ChangeMessage string `json:"changeMessage,omitempty"`
	TextAlignment string `json:"textAlignment,omitempty"`
}

type barcode struct {
	Format          string `json:"format"`
	Message         string `json:"message"`
	MessageEncoding string `json:"messageEncoding"`
	AltText         string `json:"altText,omitempty"`
}

type storeCard struct {
	HeaderFields    []field `json:"headerFields"`
	PrimaryFields   []field `json:"primaryFields"`
	SecondaryFields []field `json:"secondaryFields"`
	AuxiliaryFields []field `json:"auxiliaryFields"`
	BackFields      []field `json:"backFields"`
}

type passJSON struct {
	FormatVersion       int       `json:"formatVersion"`
	PassTypeIdentifier  string    `json:"passTypeIdentifier"`
	SerialNumber        string    `json:"serialNumber"`
	TeamIdentifier      string    `json:"teamIdentifier"`
	OrganizationName    string    `json:"organizationName"`
	Description         string    `json:"description"`
	LogoText            string    `json:"logoText,omitempty"`
	BackgroundColor     string    `json:"backgroundColor"`
	ForegroundColor     string    `json:"foregroundColor"`
	LabelColor          string    `json:"labelColor"`
	WebServiceURL       string    `json:"webServiceURL,omitempty"`
	AuthenticationToken string    `json:"authenticationToken,omitempty"`
	RelevantDate        string    `json:"relevantDate,omitempty"`
	ExpirationDate      string    `json:"expirationDate,omitempty"`
	Voided              bool      `json:"voided,omitempty"`
	Barcode             barcode   `json:"barcode"`
	Barcodes            []barcode `json:"barcodes"`
	StoreCard           storeCard `json:"storeCard"`
}

var barcodeFormats = map[string]string{
	"QR":      "PKBarcodeFormatQR",
	"PDF417":  "PKBarcodeFormatPDF417",
	"AZTEC":   "PKBarcodeFormatAztec",
	"CODE128": "PKBarcodeFormatCode128",
}

func renderPass(cfg Config, c entity.UnifiedCard) passJSON {
	bc := barcode{
		Format:          barcodeFormats[c.BarcodeFormat],
		Message:         c.BarcodePayload,
		MessageEncoding: "iso-8859-1",
		AltText:         c.SerialNumber,
	}
	if bc.Format == "" {
		bc.Format = barcodeFormats["QR"]
	}

	p := passJSON{
		FormatVersion:      1,
		PassTypeIdentifier: cfg.PassTypeID,
		SerialNumber:       c.SerialNumber,
		TeamIdentifier:     cfg.TeamID,
		OrganizationName:   c.Business.Name,
		Description:        c.Business.Name + " " + c.Title,
		LogoText:           c.Business.Name,
		BackgroundColor:    rgb(c.Business.ThemeColor),
		ForegroundColor:    "rgb(255, 255, 255)",
		LabelColor:         "rgb(255, 255, 255)",
		Barcode:            bc,
		Barcodes:           []barcode{bc},
		StoreCard:          fields(c),
	}
	if cfg.WebServiceURL != "" && cfg.AuthSecret != "" {
		p.WebServiceURL = cfg.WebServiceURL
		p.AuthenticationToken = AuthToken(cfg.AuthSecret, c.SerialNumber)
	}
	if !c.UpdatedAt.IsZero() {
		p.RelevantDate = c.UpdatedAt.UTC().Format(time.RFC3339)
	}
	if exp := c.ExpiresAt(); exp != nil {
		p.ExpirationDate = exp.UTC().Format(time.RFC3339)
	}
	return p
}

func fields(c entity.UnifiedCard) storeCard {
	sc := storeCard{
		PrimaryFields: []field{{Key: "title", Label: c.Business.Name, Value: c.Title}},
	}

	switch c.Kind {
	case entity.KindStamp:
		sc.HeaderFields = []field{{
			Key: "stamps", Label: "STAMPS", Value: c.ProgressLabel(),
			ChangeMessage: "Stamps: %@", TextAlignment: "PKTextAlignmentRight",
		}}
		status := fmt.Sprintf("%d more to go", c.Remaining())
		if c.RewardReady() {
			status = "Reward ready!"
		}
		sc.SecondaryFields = []field{
			{Key: "status", Label: "STATUS", Value: status, ChangeMessage: "%@"},
			{Key: "reward", Label: "REWARD", Value: c.Reward},
		}
		sc.BackFields = append(sc.BackFields, field{Key: "rewardDetails", Label: "Reward", Value: c.Reward})
	case entity.KindMembership:
		sc.HeaderFields = []field{{
			Key: "sessions", Label: "SESSIONS", Value: c.ProgressLabel(),
			ChangeMessage: "Sessions used: %@", TextAlignment: "PKTextAlignmentRight",
		}}
		sc.SecondaryFields = []field{
			{Key: "remaining", Label: "REMAINING", Value: strconv.Itoa(c.Remaining()), ChangeMessage: "%@ sessions left"},
		}
		if exp := c.ExpiresAt(); exp != nil {
			sc.SecondaryFields = append(sc.SecondaryFields, field{Key: "expires", Label: "EXPIRES", Value: exp.Format("2006-01-02")})
		}
		if c.MembershipDetails != "" {
			sc.BackFields = append(sc.BackFields, field{Key: "details", Label: "Membership", Value: c.MembershipDetails})
		}
		if !c.Membership.Cost.IsZero() {
			sc.BackFields = append(sc.BackFields, field{Key: "cost", Label: "Cost", Value: c.Membership.Cost.StringFixed(2)})
		}
	}

	if c.CustomerName != "" {
		sc.AuxiliaryFields = append(sc.AuxiliaryFields, field{Key: "member", Label: "MEMBER", Value: c.CustomerName})
	}
	sc.AuxiliaryFields = append(sc.AuxiliaryFields, field{Key: "progress", Label: "PROGRESS", Value: strconv.Itoa(c.Percent()) + "%"})

	b := c.Business
	for _, f := range []field{
		{Key: "email", Label: "Email", Value: b.ContactEmail},
		{Key: "phone", Label: "Phone", Value: b.ContactPhone},
		{Key: "website", Label: "Website", Value: b.Website},
	} {
		if strings.TrimSpace(f.Value) != "" {
			sc.BackFields = append(sc.BackFields, f)
		}
	}
	sc.BackFields = append(sc.BackFields, field{Key: "cardId", Label: "Card", Value: c.ID})
	return sc
}

func rgb(hex string) string {
	c := parseHex(hex)
	return fmt.Sprintf("rgb(%d, %d, %d)", c.R, c.G, c.B)
}
