package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
)

func loadChildren(ctx context.Context, q querier, recs []*ingestion.Record) error {
	byID := make(map[int64]*ingestion.Record, len(recs))
	ids := make([]int64, 0, len(recs))
	for _, rec := range recs {
		byID[rec.ID] = rec
		ids = append(ids, rec.ID)
		rec.Prices = []ingestion.Price{}
		rec.Images = []ingestion.Image{}
		rec.Parameters = []ingestion.Parameter{}
	}
	arr := pq.Array(ids)

	rows, err := q.QueryContext(ctx,
		`SELECT listing_id, currency, total, per_area FROM listing_prices
		 WHERE listing_id = ANY($1) ORDER BY listing_id, currency`, arr)
	if err != nil {
		return fmt.Errorf("loading prices: %w", err)
	}
	err = eachRow(rows, func() error {
		var id int64
		var p ingestion.Price
		if err := rows.Scan(&id, &p.Currency, &p.Total, &p.PerArea); err != nil {
			return err
		}
		byID[id].Prices = append(byID[id].Prices, p)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning prices: %w", err)
	}

	rows, err = q.QueryContext(ctx,
		`SELECT listing_id, url, thumbnail_url, is_primary, position FROM listing_images
		 WHERE listing_id = ANY($1) ORDER BY listing_id, position`, arr)
	if err != nil {
		return fmt.Errorf("loading images: %w", err)
	}
	err = eachRow(rows, func() error {
		var id int64
		var img ingestion.Image
		if err := rows.Scan(&id, &img.URL, &img.ThumbnailURL, &img.Primary, &img.Position); err != nil {
			return err
		}
		byID[id].Images = append(byID[id].Images, img)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning images: %w", err)
	}

	rows, err = q.QueryContext(ctx,
		`SELECT lp.listing_id, p.external_id, p.key, p.display_name, p.type, lp.value, lp.select_name, p.sort_index
		 FROM listing_parameters lp JOIN parameters p ON p.id = lp.parameter_id
		 WHERE lp.listing_id = ANY($1) ORDER BY lp.listing_id, p.sort_index, p.external_id`, arr)
	if err != nil {
		return fmt.Errorf("loading parameters: %w", err)
	}
	err = eachRow(rows, func() error {
		var id int64
		var p ingestion.Parameter
		if err := rows.Scan(&id, &p.ExternalID, &p.Key, &p.DisplayName, &p.Type, &p.Value, &p.SelectName, &p.SortIndex); err != nil {
			return err
		}
		byID[id].Parameters = append(byID[id].Parameters, p)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning parameters: %w", err)
	}

	rows, err = q.QueryContext(ctx,
		`SELECT listing_id, language, title, description FROM listing_translations
		 WHERE listing_id = ANY($1)`, arr)
	if err != nil {
		return fmt.Errorf("loading translations: %w", err)
	}
	err = eachRow(rows, func() error {
		var id int64
		var lang string
		var loc ingestion.Localized
		if err := rows.Scan(&id, &lang, &loc.Title, &loc.Description); err != nil {
			return err
		}
		rec := byID[id]
		if rec.Translations == nil {
			rec.Translations = make(map[string]ingestion.Localized)
		}
		rec.Translations[lang] = loc
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning translations: %w", err)
	}
	return nil
}

func eachRow(rows *sql.Rows, fn func() error) error {
	defer rows.Close()
	for rows.Next() {
		if err := fn(); err != nil {
			return err
		}
	}
	return rows.Err()
}

// writeChildren inserts prices, images and parameter links for a listing
// whose previous children have already been removed.
func writeChildren(ctx context.Context, tx *sql.Tx, rec *ingestion.Record, params map[int64]int64) error {
	for _, p := range rec.Prices {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO listing_prices (listing_id, currency, total, per_area) VALUES ($1, $2, $3, $4)`,
			rec.ID, p.Currency, p.Total, p.PerArea,
		); err != nil {
			return fmt.Errorf("inserting %s price of listing %d: %w", p.Currency, rec.ID, err)
		}
	}
	for _, img := range rec.Images {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO listing_images (listing_id, url, thumbnail_url, is_primary, position) VALUES ($1, $2, $3, $4, $5)`,
			rec.ID, img.URL, img.ThumbnailURL, img.Primary, img.Position,
		); err != nil {
			return fmt.Errorf("inserting image %d of listing %d: %w", img.Position, rec.ID, err)
		}
	}
	for _, p := range rec.Parameters {
		paramID, err := ensureParameter(ctx, tx, p, params)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO listing_parameters (listing_id, parameter_id, value, select_name) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (listing_id, parameter_id) DO NOTHING`,
			rec.ID, paramID, p.Value, p.SelectName,
		); err != nil {
			return fmt.Errorf("linking parameter %d to listing %d: %w", p.ExternalID, rec.ID, err)
		}
	}
	return nil
}

// ensureParameter upserts the shared dictionary entry keyed by the source's
// parameter id. cache is scoped to one transaction.
func ensureParameter(ctx context.Context, tx *sql.Tx, p ingestion.Parameter, cache map[int64]int64) (int64, error) {
	if id, ok := cache[p.ExternalID]; ok {
		return id, nil
	}
	var id int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO parameters (external_id, key, display_name, type, sort_index) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (external_id) DO UPDATE SET
			key = EXCLUDED.key, display_name = EXCLUDED.display_name,
			type = EXCLUDED.type, sort_index = EXCLUDED.sort_index
		 RETURNING id`,
		p.ExternalID, p.Key, p.DisplayName, p.Type, p.SortIndex,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensuring parameter %d: %w", p.ExternalID, err)
	}
	cache[p.ExternalID] = id
	return id, nil
}

func deleteChildren(ctx context.Context, tx *sql.Tx, id int64, translations bool) error {
	stmts := []string{
		`DELETE FROM listing_prices WHERE listing_id = $1`,
		`DELETE FROM listing_images WHERE listing_id = $1`,
		`DELETE FROM listing_parameters WHERE listing_id = $1`,
	}
	if translations {
		stmts = append(stmts, `DELETE FROM listing_translations WHERE listing_id = $1`)
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("deleting dependents of listing %d: %w", id, err)
		}
	}
	return nil
}

// deleteListing removes dependents first, then the listing itself.
func deleteListing(ctx context.Context, tx *sql.Tx, id int64) (int64, error) {
	if err := deleteChildren(ctx, tx, id, true); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM listings WHERE id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("deleting listing %d: %w", id, err)
	}
	return res.RowsAffected()
}

func upsertTranslations(ctx context.Context, tx *sql.Tx, id int64, translations map[string]ingestion.Localized) error {
	for lang, loc := range translations {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO listing_translations (listing_id, language, title, description, updated_at)
			 VALUES ($1, $2, $3, $4, NOW())
			 ON CONFLICT (listing_id, language) DO UPDATE SET
				title = EXCLUDED.title, description = EXCLUDED.description, updated_at = NOW()`,
			id, lang, loc.Title, loc.Description,
		); err != nil {
			return fmt.Errorf("saving %s translation of listing %d: %w", lang, id, err)
		}
	}
	return nil
}
