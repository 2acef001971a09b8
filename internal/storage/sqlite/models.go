package sqlite

import (
	"time"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
)

type listingRow struct {
	ID              int64      `gorm:"primaryKey;autoIncrement"`
	ExternalID      string     `gorm:"not null;uniqueIndex:idx_listings_identity,priority:2"`
	Source          string     `gorm:"not null;uniqueIndex:idx_listings_identity,priority:1;index:idx_listings_scraped,priority:1"`
	Language        string     `gorm:"not null;default:ka"`
	Title           string     `gorm:"not null"`
	Description     string     `gorm:"not null;default:''"`
	Address         string     `gorm:"not null;default:''"`
	City            string     `gorm:"not null;default:''"`
	District        string     `gorm:"not null;default:''"`
	UrbanArea       string     `gorm:"not null;default:''"`
	Latitude        *float64   `gorm:"index:idx_listings_coordinates,priority:1"`
	Longitude       *float64   `gorm:"index:idx_listings_coordinates,priority:2"`
	PropertyType    string     `gorm:"not null"`
	ListingType     string     `gorm:"not null"`
	Bedrooms        int        `gorm:"not null;default:0"`
	Bathrooms       float64    `gorm:"not null;default:0"`
	SquareFeet      *float64
	LotSize         *float64
	AmountPrimary   float64    `gorm:"not null;default:0;index"`
	AmountSecondary float64    `gorm:"not null;default:0;index"`
	UserType        string     `gorm:"not null;default:agency"`
	SourceCreatedAt *time.Time
	SourceUpdatedAt *time.Time
	LastScrapedAt   *time.Time `gorm:"index:idx_listings_scraped,priority:2"`
	CreatedAt       time.Time  `gorm:"not null"`
	UpdatedAt       time.Time  `gorm:"not null"`
}

func (listingRow) TableName() string { return "listings" }

type priceRow struct {
	ListingID int64   `gorm:"primaryKey;autoIncrement:false"`
	Currency  string  `gorm:"primaryKey"`
	Total     float64 `gorm:"not null"`
	PerArea   float64 `gorm:"not null;default:0"`
}

func (priceRow) TableName() string { return "listing_prices" }

type imageRow struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	ListingID    int64  `gorm:"not null;index:idx_listing_images_listing,priority:1"`
	URL          string `gorm:"not null"`
	ThumbnailURL string `gorm:"not null;default:''"`
	IsPrimary    bool   `gorm:"not null;default:false"`
	Position     int    `gorm:"not null;index:idx_listing_images_listing,priority:2"`
}

func (imageRow) TableName() string { return "listing_images" }

type parameterRow struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	ExternalID  int64  `gorm:"not null;uniqueIndex"`
	Key         string `gorm:"not null;default:''"`
	DisplayName string `gorm:"not null;default:''"`
	Type        string `gorm:"not null;default:''"`
	SortIndex   int    `gorm:"not null;default:0"`
}

func (parameterRow) TableName() string { return "parameters" }

type listingParameterRow struct {
	ListingID   int64  `gorm:"primaryKey;autoIncrement:false"`
	ParameterID int64  `gorm:"primaryKey;autoIncrement:false"`
	Value       string `gorm:"not null;default:''"`
	SelectName  string `gorm:"not null;default:''"`
}

func (listingParameterRow) TableName() string { return "listing_parameters" }

type translationRow struct {
	ListingID   int64     `gorm:"primaryKey;autoIncrement:false"`
	Language    string    `gorm:"primaryKey"`
	Title       string    `gorm:"not null;default:''"`
	Description string    `gorm:"not null;default:''"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (translationRow) TableName() string { return "listing_translations" }

func toRow(rec *ingestion.Record) listingRow {
	row := listingRow{
		ID:              rec.ID,
		ExternalID:      rec.ExternalID,
		Source:          rec.Source,
		Language:        rec.Language,
		Title:           rec.Title,
		Description:     rec.Description,
		Address:         rec.Address,
		City:            rec.City,
		District:        rec.District,
		UrbanArea:       rec.UrbanArea,
		Latitude:        rec.Latitude,
		Longitude:       rec.Longitude,
		PropertyType:    rec.PropertyType,
		ListingType:     rec.ListingType,
		Bedrooms:        rec.Bedrooms,
		Bathrooms:       rec.Bathrooms,
		SquareFeet:      rec.Area,
		LotSize:         rec.LotSize,
		AmountPrimary:   rec.AmountPrimary,
		AmountSecondary: rec.AmountSecondary,
		UserType:        string(rec.UserType),
		SourceCreatedAt: rec.SourceCreatedAt,
		SourceUpdatedAt: rec.SourceUpdatedAt,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
	if !rec.LastScrapedAt.IsZero() {
		t := rec.LastScrapedAt
		row.LastScrapedAt = &t
	}
	return row
}

func fromRow(row listingRow) *ingestion.Record {
	rec := &ingestion.Record{
		ID:              row.ID,
		ExternalID:      row.ExternalID,
		Source:          row.Source,
		Language:        row.Language,
		Title:           row.Title,
		Description:     row.Description,
		Address:         row.Address,
		City:            row.City,
		District:        row.District,
		UrbanArea:       row.UrbanArea,
		Latitude:        row.Latitude,
		Longitude:       row.Longitude,
		PropertyType:    row.PropertyType,
		ListingType:     row.ListingType,
		Bedrooms:        row.Bedrooms,
		Bathrooms:       row.Bathrooms,
		Area:            row.SquareFeet,
		LotSize:         row.LotSize,
		AmountPrimary:   row.AmountPrimary,
		AmountSecondary: row.AmountSecondary,
		UserType:        ingestion.UserType(row.UserType),
		SourceCreatedAt: utcPtr(row.SourceCreatedAt),
		SourceUpdatedAt: utcPtr(row.SourceUpdatedAt),
		CreatedAt:       row.CreatedAt.UTC(),
		UpdatedAt:       row.UpdatedAt.UTC(),
		Prices:          []ingestion.Price{},
		Images:          []ingestion.Image{},
		Parameters:      []ingestion.Parameter{},
	}
	if row.LastScrapedAt != nil {
		rec.LastScrapedAt = row.LastScrapedAt.UTC()
	}
	return rec
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
