package sqlite

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
)

func loadChildren(db *gorm.DB, recs []*ingestion.Record) error {
	byID := make(map[int64]*ingestion.Record, len(recs))
	ids := make([]int64, 0, len(recs))
	for _, rec := range recs {
		byID[rec.ID] = rec
		ids = append(ids, rec.ID)
	}

	var prices []priceRow
	if err := db.Where("listing_id IN ?", ids).Order("listing_id, currency").Find(&prices).Error; err != nil {
		return fmt.Errorf("loading prices: %w", err)
	}
	for _, p := range prices {
		rec := byID[p.ListingID]
		rec.Prices = append(rec.Prices, ingestion.Price{Currency: p.Currency, Total: p.Total, PerArea: p.PerArea})
	}

	var images []imageRow
	if err := db.Where("listing_id IN ?", ids).Order("listing_id, position").Find(&images).Error; err != nil {
		return fmt.Errorf("loading images: %w", err)
	}
	for _, img := range images {
		rec := byID[img.ListingID]
		rec.Images = append(rec.Images, ingestion.Image{
			URL:          img.URL,
			ThumbnailURL: img.ThumbnailURL,
			Primary:      img.IsPrimary,
			Position:     img.Position,
		})
	}

	var links []struct {
		listingParameterRow
		ExternalID  int64
		Key         string
		DisplayName string
		Type        string
		SortIndex   int
	}
	err := db.Table("listing_parameters AS lp").
		Select("lp.listing_id, lp.parameter_id, lp.value, lp.select_name, p.external_id, p.key, p.display_name, p.type, p.sort_index").
		Joins("JOIN parameters p ON p.id = lp.parameter_id").
		Where("lp.listing_id IN ?", ids).
		Order("lp.listing_id, p.sort_index, p.external_id").
		Scan(&links).Error
	if err != nil {
		return fmt.Errorf("loading parameters: %w", err)
	}
	for _, l := range links {
		rec := byID[l.ListingID]
		rec.Parameters = append(rec.Parameters, ingestion.Parameter{
			ExternalID:  l.ExternalID,
			Key:         l.Key,
			DisplayName: l.DisplayName,
			Type:        l.Type,
			Value:       l.Value,
			SelectName:  l.SelectName,
			SortIndex:   l.SortIndex,
		})
	}

	var translations []translationRow
	if err := db.Where("listing_id IN ?", ids).Find(&translations).Error; err != nil {
		return fmt.Errorf("loading translations: %w", err)
	}
	for _, t := range translations {
		rec := byID[t.ListingID]
		if rec.Translations == nil {
			rec.Translations = make(map[string]ingestion.Localized)
		}
		rec.Translations[t.Language] = ingestion.Localized{Title: t.Title, Description: t.Description}
	}
	return nil
}

func writeChildren(tx *gorm.DB, rec *ingestion.Record, params map[int64]int64) error {
	for _, p := range rec.Prices {
		row := priceRow{ListingID: rec.ID, Currency: p.Currency, Total: p.Total, PerArea: p.PerArea}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("inserting %s price of listing %d: %w", p.Currency, rec.ID, err)
		}
	}
	for _, img := range rec.Images {
		row := imageRow{
			ListingID:    rec.ID,
			URL:          img.URL,
			ThumbnailURL: img.ThumbnailURL,
			IsPrimary:    img.Primary,
			Position:     img.Position,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("inserting image %d of listing %d: %w", img.Position, rec.ID, err)
		}
	}
	for _, p := range rec.Parameters {
		paramID, err := ensureParameter(tx, p, params)
		if err != nil {
			return err
		}
		row := listingParameterRow{ListingID: rec.ID, ParameterID: paramID, Value: p.Value, SelectName: p.SelectName}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return fmt.Errorf("linking parameter %d to listing %d: %w", p.ExternalID, rec.ID, err)
		}
	}
	return nil
}

func ensureParameter(tx *gorm.DB, p ingestion.Parameter, cache map[int64]int64) (int64, error) {
	if id, ok := cache[p.ExternalID]; ok {
		return id, nil
	}
	row := parameterRow{
		ExternalID:  p.ExternalID,
		Key:         p.Key,
		DisplayName: p.DisplayName,
		Type:        p.Type,
		SortIndex:   p.SortIndex,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"key", "display_name", "type", "sort_index"}),
	}).Create(&row).Error
	if err != nil {
		return 0, fmt.Errorf("ensuring parameter %d: %w", p.ExternalID, err)
	}
	var stored parameterRow
	if err := tx.Where("external_id = ?", p.ExternalID).First(&stored).Error; err != nil {
		return 0, fmt.Errorf("reading parameter %d: %w", p.ExternalID, err)
	}
	cache[p.ExternalID] = stored.ID
	return stored.ID, nil
}

func deleteChildren(tx *gorm.DB, id int64, translations bool) error {
	models := []any{&priceRow{}, &imageRow{}, &listingParameterRow{}}
	if translations {
		models = append(models, &translationRow{})
	}
	for _, m := range models {
		if err := tx.Where("listing_id = ?", id).Delete(m).Error; err != nil {
			return fmt.Errorf("deleting dependents of listing %d: %w", id, err)
		}
	}
	return nil
}

func deleteListing(tx *gorm.DB, id int64) (int64, error) {
	if err := deleteChildren(tx, id, true); err != nil {
		return 0, err
	}
	result := tx.Delete(&listingRow{}, id)
	if result.Error != nil {
		return 0, fmt.Errorf("deleting listing %d: %w", id, result.Error)
	}
	return result.RowsAffected, nil
}

func upsertTranslations(tx *gorm.DB, id int64, translations map[string]ingestion.Localized) error {
	now := time.Now().UTC()
	for lang, loc := range translations {
		row := translationRow{ListingID: id, Language: lang, Title: loc.Title, Description: loc.Description, UpdatedAt: now}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "listing_id"}, {Name: "language"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "description", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("saving %s translation of listing %d: %w", lang, id, err)
		}
	}
	return nil
}
