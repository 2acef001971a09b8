// Package ingestion defines the canonical listing schema produced by the
// pipeline, the raw payload envelope handed to the normalizer, and the Kafka
// event schemas emitted after persistence.
package ingestion

import (
	"encoding/json"
	"time"
)

// UserType is the best-effort inferred kind of advertiser.
type UserType string

const (
	UserOwner  UserType = "owner"
	UserAgency UserType = "agency"
)

// Priority orders advertisers for duplicate resolution; owners outrank agencies.
func (u UserType) Priority() int {
	if u == UserOwner {
		return 2
	}
	return 1
}

// Raw is one upstream listing as fetched. Payload stays opaque outside the
// normalizer. Page and Position record where the listing was seen in the run.
type Raw struct {
	Source     string
	ExternalID string
	Payload    json.RawMessage
	Page       int
	Position   int
	FetchedAt  time.Time
}

// Price is the amount reported in one currency.
type Price struct {
	Currency string  `json:"currency"`
	Total    float64 `json:"total"`
	PerArea  float64 `json:"per_area"`
}

// Image is one listing photo. Exactly one image of a record is Primary.
type Image struct {
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	Primary      bool   `json:"primary"`
	Position     int    `json:"position"`
}

// Parameter is an amenity-like attribute tied to the shared parameter
// dictionary keyed by the source's own parameter id.
type Parameter struct {
	ExternalID  int64  `json:"external_id"`
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
	Type        string `json:"type,omitempty"`
	Value       string `json:"value,omitempty"`
	SelectName  string `json:"select_name,omitempty"`
	SortIndex   int    `json:"sort_index"`
}

// Localized is a title/description pair in one language.
type Localized struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Record is the canonical listing. Latitude and Longitude are both set or
// both nil.
type Record struct {
	ID         int64  `json:"id,omitempty"`
	ExternalID string `json:"external_id"`
	Source     string `json:"source"`

	Language     string               `json:"language"`
	Title        string               `json:"title"`
	Description  string               `json:"description"`
	Translations map[string]Localized `json:"translations,omitempty"`

	Address   string   `json:"address"`
	City      string   `json:"city"`
	District  string   `json:"district,omitempty"`
	UrbanArea string   `json:"urban_area,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	PropertyType string   `json:"property_type"`
	ListingType  string   `json:"listing_type"`
	Bedrooms     int      `json:"bedrooms"`
	Bathrooms    float64  `json:"bathrooms"`
	Area         *float64 `json:"area,omitempty"`
	LotSize      *float64 `json:"lot_size,omitempty"`

	Prices          []Price `json:"prices"`
	AmountPrimary   float64 `json:"amount_primary"`
	AmountSecondary float64 `json:"amount_secondary"`

	UserType   UserType    `json:"user_type"`
	Images     []Image     `json:"images"`
	Parameters []Parameter `json:"parameters"`

	SourceCreatedAt *time.Time `json:"source_created_at,omitempty"`
	SourceUpdatedAt *time.Time `json:"source_updated_at,omitempty"`
	LastScrapedAt   time.Time  `json:"last_scraped_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// HasCoordinates reports whether the record carries a coordinate pair.
func (r *Record) HasCoordinates() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// Clone returns a deep copy, so stores never share slices with callers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Latitude != nil {
		lat := *r.Latitude
		cp.Latitude = &lat
	}
	if r.Longitude != nil {
		lng := *r.Longitude
		cp.Longitude = &lng
	}
	if r.Area != nil {
		a := *r.Area
		cp.Area = &a
	}
	if r.LotSize != nil {
		l := *r.LotSize
		cp.LotSize = &l
	}
	if r.SourceCreatedAt != nil {
		t := *r.SourceCreatedAt
		cp.SourceCreatedAt = &t
	}
	if r.SourceUpdatedAt != nil {
		t := *r.SourceUpdatedAt
		cp.SourceUpdatedAt = &t
	}
	cp.Prices = append([]Price(nil), r.Prices...)
	cp.Images = append([]Image(nil), r.Images...)
	cp.Parameters = append([]Parameter(nil), r.Parameters...)
	if r.Translations != nil {
		cp.Translations = make(map[string]Localized, len(r.Translations))
		for lang, loc := range r.Translations {
			cp.Translations[lang] = loc
		}
	}
	return &cp
}

// PrimaryImage returns the primary image, if any.
func (r *Record) PrimaryImage() (Image, bool) {
	for _, img := range r.Images {
		if img.Primary {
			return img, true
		}
	}
	return Image{}, false
}

// Event types carried in the Kafka event-type header.
const (
	EventListingPersisted = "listing.persisted"
	EventRunReport        = "ingestion.report"
)

// ListingEvent is published after a batch commits so the enricher can fetch
// translations for new and updated listings.
type ListingEvent struct {
	ListingID   int64     `json:"listing_id"`
	ExternalID  string    `json:"external_id"`
	Source      string    `json:"source"`
	Action      string    `json:"action"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	RunID       string    `json:"run_id"`
	PersistedAt time.Time `json:"persisted_at"`
}
