package camera

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gatecount/gatecount/internal/config"
	"github.com/gatecount/gatecount/internal/database"
)

// ErrNotFound is returned when no matching camera settings exist
var ErrNotFound = errors.New("camera settings not found")

// Service manages persisted camera settings
type Service struct {
	db     *database.DB
	logger *slog.Logger
}

// NewService creates a new camera settings service
func NewService(db *database.DB) *Service {
	return &Service{
		db:     db,
		logger: slog.Default().With("component", "camera"),
	}
}

// Active returns the currently active settings
func (s *Service) Active(ctx context.Context) (*Settings, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, source_kind, address, port, username, password,
		       channel, subtype, line_x, direction_in, is_active, created_at, updated_at
		FROM camera_settings
		WHERE is_active = 1
		ORDER BY updated_at DESC
		LIMIT 1
	`)
	return scanSettings(row)
}

// Get returns settings by ID
func (s *Service) Get(ctx context.Context, id int64) (*Settings, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, source_kind, address, port, username, password,
		       channel, subtype, line_x, direction_in, is_active, created_at, updated_at
		FROM camera_settings
		WHERE id = ?
	`, id)
	return scanSettings(row)
}

// List returns all stored settings, most recently updated first
func (s *Service) List(ctx context.Context) ([]Settings, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, source_kind, address, port, username, password,
		       channel, subtype, line_x, direction_in, is_active, created_at, updated_at
		FROM camera_settings
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Settings
	for rows.Next() {
		settings, err := scanSettings(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *settings)
	}

	return out, rows.Err()
}

// Create stores new settings and makes them the single active row
func (s *Service) Create(ctx context.Context, settings *Settings) error {
	settings.applyDefaults()
	if !settings.SourceKind.Valid() {
		return fmt.Errorf("invalid source kind: %q", settings.SourceKind)
	}

	now := time.Now()
	settings.IsActive = true
	settings.CreatedAt = now
	settings.UpdatedAt = now

	var lineX any
	if settings.LineX != nil {
		lineX = *settings.LineX
	}

	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		// Only one row may be active
		if _, err := tx.ExecContext(ctx, "UPDATE camera_settings SET is_active = 0"); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO camera_settings (
				name, source_kind, address, port, username, password,
				channel, subtype, line_x, direction_in, is_active, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		`,
			settings.Name, string(settings.SourceKind), settings.Address, settings.Port,
			settings.Username, settings.Password, settings.Channel, settings.Subtype,
			lineX, settings.DirectionIn, now.Unix(), now.Unix(),
		)
		if err != nil {
			return err
		}

		id, err := result.LastInsertId()
		if err != nil {
			return err
		}
		settings.ID = id
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create camera settings: %w", err)
	}

	s.logger.Info("Camera settings created", "id", settings.ID, "source", settings.MaskedURL())
	return nil
}

// Update replaces the stored fields for the given row. Zero fields
// fall back to the service defaults, and an empty password keeps the
// previously stored one.
func (s *Service) Update(ctx context.Context, settings *Settings) (*Settings, error) {
	settings.applyDefaults()
	if !settings.SourceKind.Valid() {
		return nil, fmt.Errorf("invalid source kind: %q", settings.SourceKind)
	}

	var lineX any
	if settings.LineX != nil {
		lineX = *settings.LineX
	}

	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE camera_settings SET
			name = ?,
			source_kind = ?,
			address = ?,
			port = ?,
			username = ?,
			password = CASE WHEN ? = '' THEN password ELSE ? END,
			channel = ?,
			subtype = ?,
			line_x = ?,
			direction_in = ?,
			updated_at = ?
		WHERE id = ?
	`,
		settings.Name, string(settings.SourceKind), settings.Address, settings.Port,
		settings.Username, settings.Password, settings.Password,
		settings.Channel, settings.Subtype, lineX, settings.DirectionIn,
		now.Unix(), settings.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update camera settings: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, ErrNotFound
	}

	updated, err := s.Get(ctx, settings.ID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Camera settings updated", "id", settings.ID)
	return updated, nil
}

// Seed inserts an initial active row from the Dahua defaults when the
// table is empty. Returns the active settings either way.
func (s *Service) Seed(ctx context.Context, dahua config.DahuaConfig) (*Settings, error) {
	active, err := s.Active(ctx)
	if err == nil {
		return active, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	settings := &Settings{
		Name:        "dahua-main",
		SourceKind:  SourceRTSP,
		Address:     dahua.IP,
		Port:        dahua.Port,
		Username:    dahua.Username,
		Password:    dahua.Password,
		Channel:     dahua.Channel,
		Subtype:     dahua.Subtype,
		DirectionIn: "L->R",
	}
	if err := s.Create(ctx, settings); err != nil {
		return nil, err
	}

	s.logger.Info("Seeded default camera settings", "source", settings.MaskedURL())
	return settings, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSettings(row rowScanner) (*Settings, error) {
	var settings Settings
	var kind string
	var lineX sql.NullInt64
	var isActive int
	var createdAt, updatedAt int64

	err := row.Scan(
		&settings.ID, &settings.Name, &kind, &settings.Address, &settings.Port,
		&settings.Username, &settings.Password, &settings.Channel, &settings.Subtype,
		&lineX, &settings.DirectionIn, &isActive, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	settings.SourceKind = SourceKind(kind)
	if lineX.Valid {
		v := int(lineX.Int64)
		settings.LineX = &v
	}
	settings.IsActive = isActive == 1
	settings.CreatedAt = time.Unix(createdAt, 0)
	settings.UpdatedAt = time.Unix(updatedAt, 0)

	return &settings, nil
}
