// Package normalizer turns raw upstream listings into canonical records. It
// performs no I/O: everything it needs arrives in the raw envelope or the
// lookup tables it was built with.
package normalizer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/config"
)

// Normalizer maps raw payloads onto ingestion.Record using configured code
// tables. It holds no mutable state and is safe for concurrent use.
type Normalizer struct {
	cfg      config.NormalizeConfig
	language string
	rank     map[string]int
}

// New creates a normalizer. language tags the text fields it extracts.
func New(cfg config.NormalizeConfig, language string) *Normalizer {
	rank := make(map[string]int, len(cfg.CurrencyPreference))
	for i, cur := range cfg.CurrencyPreference {
		rank[cur] = i
	}
	return &Normalizer{cfg: cfg, language: language, rank: rank}
}

// Normalize converts one raw listing. It returns nil when the listing has no
// usable external id; every other defect degrades to a documented default.
func (n *Normalizer) Normalize(raw ingestion.Raw) *ingestion.Record {
	p, ok := decode(raw.Payload)
	if !ok {
		p = &payload{}
	}
	id := strings.TrimSpace(raw.ExternalID)
	if id == "" {
		id = p.ID.String()
	}
	if id == "" {
		return nil
	}

	rec := &ingestion.Record{
		ExternalID:    id,
		Source:        raw.Source,
		Language:      n.language,
		Title:         title(p, id),
		Description:   cleanText(firstNonEmpty(p.Comment, p.Description)),
		Address:       address(p),
		City:          firstNonEmpty(p.CityName),
		District:      p.DistrictName.String(),
		UrbanArea:     p.UrbanName.String(),
		PropertyType:  lookup(n.cfg.PropertyTypes, p.RealEstateTypeID, n.cfg.DefaultPropertyType),
		ListingType:   lookup(n.cfg.DealTypes, p.DealTypeID, n.cfg.DefaultDealType),
		UserType:      inferUserType(p),
		Images:        images(p),
		Parameters:    parameters(p),
		LastScrapedAt: raw.FetchedAt,
	}
	if rec.City == "" {
		rec.City = n.cfg.DefaultCity
	}
	if rec.LastScrapedAt.IsZero() {
		rec.LastScrapedAt = time.Now().UTC()
	}

	rec.Latitude, rec.Longitude = n.coordinates(p)

	rec.Bedrooms = parseInt(p.Bedroom.String(), -1)
	if rec.Bedrooms < 0 {
		rec.Bedrooms = parseInt(p.Room.String(), n.cfg.DefaultBedrooms)
	}
	if rec.Bedrooms < 0 {
		rec.Bedrooms = 0
	}
	rec.Bathrooms = parseFloat(p.Bathroom.String(), -1)
	if rec.Bathrooms < 0 {
		rec.Bathrooms = max(1, float64(rec.Bedrooms/2))
	}
	rec.Area = positive(p.Area)
	rec.LotSize = positive(p.YardArea)

	rec.Prices = n.prices(p)
	rec.AmountPrimary, rec.AmountSecondary = n.amounts(rec.Prices)

	rec.SourceCreatedAt = parseTime(p.CreatedAt.String())
	rec.SourceUpdatedAt = parseTime(p.LastUpdated.String())
	return rec
}

// ExtractText pulls the localized title and description out of a detail
// payload.
func ExtractText(raw json.RawMessage) ingestion.Localized {
	p, ok := decode(raw)
	if !ok {
		return ingestion.Localized{}
	}
	return ingestion.Localized{
		Title:       firstNonEmpty(p.DynamicTitle, p.Title, p.Name),
		Description: cleanText(firstNonEmpty(p.Comment, p.Description, p.Details)),
	}
}

func title(p *payload, id string) string {
	if t := firstNonEmpty(p.DynamicTitle, p.Title, p.DynamicSlug); t != "" {
		return t
	}
	return fmt.Sprintf("Property %s", id)
}

func lookup(table map[int]string, code text, fallback string) string {
	c := parseInt(code.String(), 0)
	if v, ok := table[c]; ok && c != 0 {
		return v
	}
	return fallback
}

func positive(v text) *float64 {
	f := parseFloat(v.String(), 0)
	if f <= 0 {
		return nil
	}
	return &f
}

var (
	ownerWords       = []string{"owner", "individual", "private", "person"}
	agencyWords      = []string{"agency", "realtor", "broker", "company"}
	agencyTitleWords = []string{"agency", "realtor", "broker", "company", "estate"}
)

// inferUserType is best effort. Explicit labels win, then the advertiser
// title, then the presence of direct contact details. Anything undecided,
// including high-volume advertisers, is treated as an agency.
func inferUserType(p *payload) ingestion.UserType {
	label := strings.ToLower(p.userTypeLabel())
	for _, w := range ownerWords {
		if strings.Contains(label, w) {
			return ingestion.UserOwner
		}
	}
	for _, w := range agencyWords {
		if strings.Contains(label, w) {
			return ingestion.UserAgency
		}
	}

	userTitle := strings.ToLower(p.UserTitle.String())
	for _, w := range agencyTitleWords {
		if strings.Contains(userTitle, w) {
			return ingestion.UserAgency
		}
	}

	hasAgencyFields := firstNonEmpty(p.AgencyName, p.CompanyName, p.BrokerName) != ""
	contact := p.Contact.V
	if !hasAgencyFields && (contact.Phone.String() != "" || contact.Email.String() != "") {
		return ingestion.UserOwner
	}
	return ingestion.UserAgency
}

func images(p *payload) []ingestion.Image {
	out := make([]ingestion.Image, 0, len(p.Images.V))
	primary := -1
	for _, img := range p.Images.V {
		url := firstNonEmpty(img.Large, img.Thumb)
		if url == "" {
			continue
		}
		if primary < 0 && img.IsMain.bool() {
			primary = len(out)
		}
		out = append(out, ingestion.Image{
			URL:          url,
			ThumbnailURL: img.Thumb.String(),
			Position:     len(out),
		})
	}
	if len(out) == 0 {
		return out
	}
	if primary < 0 {
		primary = 0
	}
	out[primary].Primary = true
	return out
}

func parameters(p *payload) []ingestion.Parameter {
	out := make([]ingestion.Parameter, 0, len(p.Parameters.V))
	seen := make(map[int64]bool, len(p.Parameters.V))
	for _, prm := range p.Parameters.V {
		id := int64(parseInt(prm.ID.String(), 0))
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, ingestion.Parameter{
			ExternalID:  id,
			Key:         prm.Key.String(),
			DisplayName: prm.DisplayName.String(),
			Type:        prm.Type.String(),
			Value:       prm.ParameterValue.String(),
			SelectName:  prm.ParameterSelectName.String(),
			SortIndex:   parseInt(prm.SortIndex.String(), 0),
		})
	}
	return out
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006",
	"01/02/2006",
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
