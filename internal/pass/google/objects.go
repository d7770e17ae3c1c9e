package google

import (
	"strconv"
	"strings"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/card/entity"
)

// Vertical selects the wallet object family a card is saved as.
type Vertical string

const (
	VerticalLoyalty Vertical = "loyalty"
	VerticalGeneric Vertical = "generic"
)

// ObjectsKey and ClassesKey are the payload keys for the save JWT and REST paths.
func (v Vertical) ObjectsKey() string { return string(v) + "Objects" }
func (v Vertical) ClassesKey() string { return string(v) + "Classes" }

func VerticalOf(c entity.UnifiedCard) Vertical {
	if c.Kind == entity.KindMembership {
		return VerticalGeneric
	}
	return VerticalLoyalty
}

type localizedString struct {
	DefaultValue translated `json:"defaultValue"`
}

type translated struct {
	Language string `json:"language"`
	Value    string `json:"value"`
}

func localized(v string) *localizedString {
	return &localizedString{DefaultValue: translated{Language: "en-US", Value: v}}
}

type image struct {
	SourceURI struct {
		URI string `json:"uri"`
	} `json:"sourceUri"`
}

func imageOf(uri string) *image {
	if uri == "" {
		return nil
	}
	img := &image{}
	img.SourceURI.URI = uri
	return img
}

type barcode struct {
	Type          string `json:"type"`
	Value         string `json:"value"`
	AlternateText string `json:"alternateText,omitempty"`
}

type textModule struct {
	ID     string `json:"id"`
	Header string `json:"header"`
	Body   string `json:"body"`
}

type loyaltyPoints struct {
	Label   string `json:"label"`
	Balance struct {
		String string `json:"string"`
	} `json:"balance"`
}

type timeInterval struct {
	End struct {
		Date string `json:"date"`
	} `json:"end"`
}

// Class is the program-level template shared by every customer of a business.
type Class struct {
	ID                 string           `json:"id"`
	IssuerName         string           `json:"issuerName,omitempty"`
	ProgramName        string           `json:"programName,omitempty"`
	ProgramLogo        *image           `json:"programLogo,omitempty"`
	HexBackgroundColor string           `json:"hexBackgroundColor,omitempty"`
	ReviewStatus       string           `json:"reviewStatus"`
	Homepage           *uri             `json:"homepageUri,omitempty"`
	LocalizedIssuer    *localizedString `json:"localizedIssuerName,omitempty"`
}

type uri struct {
	URI         string `json:"uri"`
	Description string `json:"description,omitempty"`
}

// Object is the per-customer instance carrying current progress.
type Object struct {
	ID                 string           `json:"id"`
	ClassID            string           `json:"classId"`
	State              string           `json:"state"`
	AccountID          string           `json:"accountId,omitempty"`
	AccountName        string           `json:"accountName,omitempty"`
	LoyaltyPoints      *loyaltyPoints   `json:"loyaltyPoints,omitempty"`
	CardTitle          *localizedString `json:"cardTitle,omitempty"`
	Header             *localizedString `json:"header,omitempty"`
	Subheader          *localizedString `json:"subheader,omitempty"`
	Logo               *image           `json:"logo,omitempty"`
	HexBackgroundColor string           `json:"hexBackgroundColor,omitempty"`
	Barcode            barcode          `json:"barcode"`
	ValidTimeInterval  *timeInterval    `json:"validTimeInterval,omitempty"`
	TextModulesData    []textModule     `json:"textModulesData,omitempty"`
}

var barcodeTypes = map[string]string{
	"QR":      "QR_CODE",
	"PDF417":  "PDF_417",
	"AZTEC":   "AZTEC",
	"CODE128": "CODE_128",
}

// ClassID is <issuer>.<kind>_<business-id>. The name is only used when the
// business has no id, so renames keep existing objects addressable.
func ClassID(issuerID string, c entity.UnifiedCard) string {
	slug := slugify(c.Business.ID)
	if slug == "" {
		slug = slugify(c.Business.Name)
	}
	if slug == "" {
		slug = "business"
	}
	return issuerID + "." + string(c.Kind) + "_" + slug
}

// ObjectID embeds the class id and the card serial number.
func ObjectID(issuerID string, c entity.UnifiedCard) string {
	return ClassID(issuerID, c) + "." + c.SerialNumber
}

func slugify(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			underscore = false
		case !underscore && b.Len() > 0:
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// Documents renders the class/object pair for c.
func Documents(issuerID string, c entity.UnifiedCard) (Vertical, Class, Object) {
	classID := ClassID(issuerID, c)
	cls := Class{
		ID:                 classID,
		IssuerName:         c.Business.Name,
		ProgramName:        c.Title,
		ProgramLogo:        imageOf(c.Business.LogoURL),
		HexBackgroundColor: c.Business.ThemeColor,
		ReviewStatus:       "UNDER_REVIEW",
	}
	if c.Business.Website != "" {
		cls.Homepage = &uri{URI: c.Business.Website, Description: c.Business.Name}
	}

	bc := barcode{Type: barcodeTypes[c.BarcodeFormat], Value: c.BarcodePayload, AlternateText: c.SerialNumber}
	if bc.Type == "" {
		bc.Type = "QR_CODE"
	}
	obj := Object{
		ID:                 ObjectID(issuerID, c),
		ClassID:            classID,
		State:              "ACTIVE",
		AccountID:          c.ID,
		AccountName:        c.CustomerName,
		HexBackgroundColor: c.Business.ThemeColor,
		Barcode:            bc,
	}

	v := VerticalOf(c)
	switch v {
	case VerticalLoyalty:
		obj.LoyaltyPoints = &loyaltyPoints{Label: "Stamps"}
		obj.LoyaltyPoints.Balance.String = c.ProgressLabel()
		status := strconv.Itoa(c.Remaining()) + " more stamps to your reward"
		if c.RewardReady() {
			status = "Reward ready!"
		}
		obj.TextModulesData = []textModule{
			{ID: "status", Header: "Status", Body: status},
			{ID: "reward", Header: "Reward", Body: c.Reward},
		}
	case VerticalGeneric:
		cls.IssuerName, cls.ProgramName = "", ""
		cls.LocalizedIssuer = localized(c.Business.Name)
		obj.CardTitle = localized(c.Business.Name)
		obj.Header = localized(c.Title)
		obj.Subheader = localized("Sessions " + c.ProgressLabel())
		obj.Logo = imageOf(c.Business.LogoURL)
		if c.IsCompleted() {
			obj.State = "COMPLETED"
		}
		obj.TextModulesData = []textModule{
			{ID: "sessions", Header: "Sessions remaining", Body: strconv.Itoa(c.Remaining())},
		}
		if c.MembershipDetails != "" {
			obj.TextModulesData = append(obj.TextModulesData, textModule{ID: "details", Header: "Membership", Body: c.MembershipDetails})
		}
	}
	if exp := c.ExpiresAt(); exp != nil {
		obj.ValidTimeInterval = &timeInterval{}
		obj.ValidTimeInterval.End.Date = exp.UTC().Format("2006-01-02T15:04:05Z")
	}
	return v, cls, obj
}
