package postgres

// Schema creates the listing tables. It is idempotent and runs at startup.
// Dependent rows have no ON DELETE CASCADE; deletes remove them explicitly.
const Schema = `
CREATE TABLE IF NOT EXISTS listings (
    id                BIGSERIAL PRIMARY KEY,
    external_id       TEXT NOT NULL,
    source            TEXT NOT NULL,
    language          TEXT NOT NULL DEFAULT 'ka',
    title             TEXT NOT NULL,
    description       TEXT NOT NULL DEFAULT '',
    address           TEXT NOT NULL DEFAULT '',
    city              TEXT NOT NULL DEFAULT '',
    district          TEXT NOT NULL DEFAULT '',
    urban_area        TEXT NOT NULL DEFAULT '',
    latitude          DOUBLE PRECISION,
    longitude         DOUBLE PRECISION,
    property_type     TEXT NOT NULL,
    listing_type      TEXT NOT NULL,
    bedrooms          INTEGER NOT NULL DEFAULT 0,
    bathrooms         DOUBLE PRECISION NOT NULL DEFAULT 0,
    square_feet       DOUBLE PRECISION,
    lot_size          DOUBLE PRECISION,
    amount_primary    DOUBLE PRECISION NOT NULL DEFAULT 0,
    amount_secondary  DOUBLE PRECISION NOT NULL DEFAULT 0,
    user_type         TEXT NOT NULL DEFAULT 'agency',
    source_created_at TIMESTAMPTZ,
    source_updated_at TIMESTAMPTZ,
    last_scraped_at   TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT listings_source_external_id_key UNIQUE (source, external_id),
    CONSTRAINT listings_coordinates_pair CHECK ((latitude IS NULL) = (longitude IS NULL)),
    CONSTRAINT listings_bedrooms_check CHECK (bedrooms >= 0),
    CONSTRAINT listings_bathrooms_check CHECK (bathrooms >= 0)
);

CREATE INDEX IF NOT EXISTS listings_coordinates_idx ON listings (latitude, longitude);
CREATE INDEX IF NOT EXISTS listings_source_scraped_idx ON listings (source, last_scraped_at);
CREATE INDEX IF NOT EXISTS listings_amount_primary_idx ON listings (amount_primary);
CREATE INDEX IF NOT EXISTS listings_amount_secondary_idx ON listings (amount_secondary);

CREATE TABLE IF NOT EXISTS listing_prices (
    listing_id BIGINT NOT NULL REFERENCES listings (id),
    currency   TEXT NOT NULL,
    total      DOUBLE PRECISION NOT NULL,
    per_area   DOUBLE PRECISION NOT NULL DEFAULT 0,
    PRIMARY KEY (listing_id, currency)
);

CREATE TABLE IF NOT EXISTS listing_images (
    id            BIGSERIAL PRIMARY KEY,
    listing_id    BIGINT NOT NULL REFERENCES listings (id),
    url           TEXT NOT NULL,
    thumbnail_url TEXT NOT NULL DEFAULT '',
    is_primary    BOOLEAN NOT NULL DEFAULT FALSE,
    position      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS listing_images_listing_idx ON listing_images (listing_id, position);
CREATE UNIQUE INDEX IF NOT EXISTS listing_images_one_primary ON listing_images (listing_id) WHERE is_primary;

CREATE TABLE IF NOT EXISTS parameters (
    id           BIGSERIAL PRIMARY KEY,
    external_id  BIGINT NOT NULL UNIQUE,
    key          TEXT NOT NULL DEFAULT '',
    display_name TEXT NOT NULL DEFAULT '',
    type         TEXT NOT NULL DEFAULT '',
    sort_index   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS listing_parameters (
    listing_id   BIGINT NOT NULL REFERENCES listings (id),
    parameter_id BIGINT NOT NULL REFERENCES parameters (id),
    value        TEXT NOT NULL DEFAULT '',
    select_name  TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (listing_id, parameter_id)
);

CREATE TABLE IF NOT EXISTS listing_translations (
    listing_id  BIGINT NOT NULL REFERENCES listings (id),
    language    TEXT NOT NULL,
    title       TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (listing_id, language)
);

CREATE TABLE IF NOT EXISTS ingestion_reports (
    id           BIGSERIAL PRIMARY KEY,
    run_id       TEXT NOT NULL,
    source       TEXT NOT NULL,
    data         JSONB NOT NULL,
    generated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS ingestion_reports_source_idx ON ingestion_reports (source, generated_at DESC);
`
