package repository

import (
	"context"

	"github.com/WimpyvL/zappy-health-app-sub000/internal/models"
)

const doctorColumns = `
	id, user_id, name, specialty, license_number, avatar_url, bio,
	is_active, theme_color, created_at, updated_at
`

type DoctorRepository struct {
	db DBTX
}

func NewDoctorRepository(db DBTX) *DoctorRepository {
	return &DoctorRepository{db: db}
}

func (r *DoctorRepository) GetByID(ctx context.Context, id int64) (*models.Doctor, error) {
	query := `SELECT ` + doctorColumns + ` FROM doctors WHERE id = $1`

	doctor, err := scanDoctor(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	return doctor, nil
}

func (r *DoctorRepository) ListActive(ctx context.Context) ([]models.Doctor, error) {
	query := `
		SELECT ` + doctorColumns + `
		FROM doctors
		WHERE is_active = TRUE
		ORDER BY name ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	doctors := make([]models.Doctor, 0)
	for rows.Next() {
		doctor, err := scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		doctors = append(doctors, *doctor)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return doctors, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDoctor(row rowScanner) (*models.Doctor, error) {
	var doctor models.Doctor
	if err := row.Scan(
		&doctor.ID,
		&doctor.UserID,
		&doctor.Name,
		&doctor.Specialty,
		&doctor.LicenseNumber,
		&doctor.AvatarURL,
		&doctor.Bio,
		&doctor.IsActive,
		&doctor.ThemeColor,
		&doctor.CreatedAt,
		&doctor.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &doctor, nil
}
