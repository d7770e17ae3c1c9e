package card

import (
	"fmt"
	"strings"
	"time"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/card/entity"
)

const (
	DefaultStampColor      = "#10b981"
	DefaultMembershipColor = "#6366f1"
	DefaultBarcodeFormat   = "QR"
)

var barcodeFormats = map[string]string{
	"QR":      "QR",
	"QRCODE":  "QR",
	"PDF417":  "PDF417",
	"AZTEC":   "AZTEC",
	"CODE128": "CODE128",
}

// Normalize projects a stamp or membership card, plus optional customer progress,
// onto a UnifiedCard. Identical input always yields an identical card.
func Normalize(src entity.Source) (entity.UnifiedCard, error) {
	switch {
	case src.Stamp != nil && src.Membership != nil:
		return entity.UnifiedCard{}, apperr.Validation("normalize", "card cannot be both stamp and membership")
	case src.Stamp != nil:
		return normalizeStamp(src.Stamp, src.Progress)
	case src.Membership != nil:
		return normalizeMembership(src.Membership, src.Progress)
	default:
		return entity.UnifiedCard{}, apperr.Validation("normalize", "card record is missing")
	}
}

func normalizeStamp(sc *entity.StampCard, p *entity.CustomerProgress) (entity.UnifiedCard, error) {
	id := cardID(sc.ID, p)
	if err := requireCommon(id, sc.Business); err != nil {
		return entity.UnifiedCard{}, err
	}
	if sc.StampsRequired <= 0 {
		return entity.UnifiedCard{}, apperr.Validation("normalize", "stamps required must be positive")
	}

	current := 0
	if p != nil {
		current = clamp(p.CurrentStamps, 0, sc.StampsRequired)
	}

	c := entity.UnifiedCard{
		ID:       id,
		Kind:     entity.KindStamp,
		Title:    firstNonEmpty(strings.TrimSpace(sc.Name), "Stamp Card"),
		Business: business(sc.Business, sc.ThemeColor, DefaultStampColor),
		Stamp:    &entity.StampProgress{Current: current, Required: sc.StampsRequired, ExpiryDate: expiry(p, sc.ExpiryDays)},
		Reward:   strings.TrimSpace(sc.Reward),
	}
	finish(&c, sc.BarcodeFormat, p)
	return c, nil
}

func normalizeMembership(mc *entity.MembershipCard, p *entity.CustomerProgress) (entity.UnifiedCard, error) {
	id := cardID(mc.ID, p)
	if err := requireCommon(id, mc.Business); err != nil {
		return entity.UnifiedCard{}, err
	}
	if mc.TotalSessions <= 0 {
		return entity.UnifiedCard{}, apperr.Validation("normalize", "total sessions must be positive")
	}

	mp := &entity.MembershipProgress{
		SessionsTotal: mc.TotalSessions,
		Cost:          mc.Cost.Round(2),
		ExpiryDate:    expiry(p, mc.DurationDays),
	}
	if p != nil {
		mp.SessionsUsed = clamp(p.SessionsUsed, 0, mc.TotalSessions)
	}

	c := entity.UnifiedCard{
		ID:                id,
		Kind:              entity.KindMembership,
		Title:             firstNonEmpty(strings.TrimSpace(mc.Name), "Membership"),
		Business:          business(mc.Business, mc.ThemeColor, DefaultMembershipColor),
		Membership:        mp,
		MembershipDetails: strings.TrimSpace(mc.MembershipDetails),
	}
	finish(&c, mc.BarcodeFormat, p)
	return c, nil
}

// The issued (customer) card id wins over the template id: one template backs many passes.
func cardID(templateID string, p *entity.CustomerProgress) string {
	if p != nil && strings.TrimSpace(p.CustomerCardID) != "" {
		return strings.TrimSpace(p.CustomerCardID)
	}
	return strings.TrimSpace(templateID)
}

// An explicit customer expiry wins; otherwise the program's validity runs from issue.
func expiry(p *entity.CustomerProgress, days int) *time.Time {
	if p == nil {
		return nil
	}
	if p.ExpiresAt != nil {
		exp := p.ExpiresAt.UTC().Truncate(time.Second)
		return &exp
	}
	if days <= 0 || p.IssuedAt.IsZero() {
		return nil
	}
	exp := p.IssuedAt.UTC().Truncate(time.Second).AddDate(0, 0, days)
	return &exp
}

func requireCommon(id string, b entity.Business) error {
	if id == "" {
		return apperr.Validation("normalize", "card id is required")
	}
	if strings.TrimSpace(b.Name) == "" {
		return apperr.Validation("normalize", "business name is required")
	}
	return nil
}

func business(b entity.Business, cardColor, fallback string) entity.Business {
	b.Name = strings.TrimSpace(b.Name)
	b.ThemeColor = normalizeColor(firstNonEmpty(cardColor, b.ThemeColor), fallback)
	return b
}

func finish(c *entity.UnifiedCard, barcodeFormat string, p *entity.CustomerProgress) {
	c.BarcodeFormat = normalizeBarcodeFormat(barcodeFormat)
	c.BarcodePayload = fmt.Sprintf("rewardjar:%s:%s", c.Kind, c.ID)
	c.SerialNumber = SerialNumber(c.ID)
	if p != nil {
		c.CustomerName = strings.TrimSpace(p.CustomerName)
		c.UpdatedAt = p.UpdatedAt.UTC().Truncate(time.Second)
	}
}

// SerialNumber derives the per-platform external identifier from a card id.
// Lowercase letters are upper-cased; digits and '-' are kept. An upper-case
// letter becomes '_' plus the letter and any other byte becomes '.' plus two
// hex digits, so distinct ids never share a serial.
func SerialNumber(id string) string {
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		ch := id[i]
		switch {
		case ch >= 'a' && ch <= 'z':
			b.WriteByte(ch - 'a' + 'A')
		case (ch >= '0' && ch <= '9') || ch == '-':
			b.WriteByte(ch)
		case ch >= 'A' && ch <= 'Z':
			b.WriteByte('_')
			b.WriteByte(ch)
		default:
			fmt.Fprintf(&b, ".%02X", ch)
		}
	}
	return b.String()
}

func normalizeBarcodeFormat(f string) string {
	key := strings.ToUpper(strings.NewReplacer("_", "", "-", "", " ", "").Replace(f))
	if v, ok := barcodeFormats[key]; ok {
		return v
	}
	return DefaultBarcodeFormat
}

func normalizeColor(c, fallback string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if !strings.HasPrefix(c, "#") {
		c = "#" + c
	}
	if len(c) == 4 {
		c = string([]byte{'#', c[1], c[1], c[2], c[2], c[3], c[3]})
	}
	if len(c) != 7 {
		return fallback
	}
	for _, r := range c[1:] {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return fallback
		}
	}
	return c
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
