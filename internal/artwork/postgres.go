package artwork

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SteamVC/pixelroom/internal/pixel"
)

// PostgresStore はPostgreSQLに作品を保存します
// ピクセルは行優先で平坦化したtext[]として保存します
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS artworks (
	id          UUID PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	owner_name  TEXT NOT NULL,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	pixels      TEXT[] NOT NULL,
	width       INT NOT NULL,
	height      INT NOT NULL,
	pixel_size  INT NOT NULL,
	tags        TEXT[] NOT NULL DEFAULT '{}',
	is_public   BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS artworks_owner_idx ON artworks (owner_id, created_at DESC);
`

// Migrate はテーブルがなければ作成します
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate artworks: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, ownerID, ownerName string, in CreateInput) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	query := `
		INSERT INTO artworks (id, owner_id, owner_name, title, description, pixels, width, height, pixel_size, tags, is_public, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.db.Exec(ctx, query,
		id, ownerID, ownerName, strings.TrimSpace(in.Title), in.Description,
		pixel.Flatten(in.Pixels), in.Width, in.Height, in.PixelSize,
		normalizeTags(in.Tags), in.IsPublic, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert artwork: %w", err)
	}
	return id, nil
}

const selectColumns = `id::text, owner_id, owner_name, title, description, pixels, width, height, pixel_size, tags, is_public, created_at`

func scanArtwork(row pgx.Row) (Artwork, error) {
	var a Artwork
	var flat []string
	if err := row.Scan(&a.ID, &a.OwnerID, &a.OwnerName, &a.Title, &a.Description,
		&flat, &a.Width, &a.Height, &a.PixelSize, &a.Tags, &a.IsPublic, &a.CreatedAt); err != nil {
		return Artwork{}, err
	}
	g, err := pixel.Unflatten(flat, a.Width, a.Height)
	if err != nil {
		return Artwork{}, fmt.Errorf("artwork %s: %w", a.ID, err)
	}
	a.Pixels = g
	return a, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Artwork, bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Artwork{}, false, nil
	}
	row := s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM artworks WHERE id = $1`, id)
	a, err := scanArtwork(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Artwork{}, false, nil
	}
	if err != nil {
		return Artwork{}, false, err
	}
	return a, true, nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID, tag string) ([]Artwork, error) {
	query := `SELECT ` + selectColumns + ` FROM artworks WHERE owner_id = $1 AND ($2 = '' OR $2 = ANY(tags)) ORDER BY created_at DESC, id`
	rows, err := s.db.Query(ctx, query, ownerID, strings.ToLower(tag))
	if err != nil {
		return nil, fmt.Errorf("failed to list artworks: %w", err)
	}
	defer rows.Close()

	var res []Artwork
	for rows.Next() {
		a, err := scanArtwork(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
