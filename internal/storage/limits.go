package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/types"
)

// MotorLimits are operator-set software limits for one axis.
type MotorLimits struct {
	Role      types.Role `json:"role"`
	Lower     float64    `json:"lower"`
	Upper     float64    `json:"upper"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// LoadMotorLimits returns the stored limits keyed by role.
func (p *PostgresClient) LoadMotorLimits(ctx context.Context) (map[types.Role]MotorLimits, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT role, lower_limit, upper_limit, updated_at
		FROM motor_limits
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query motor limits: %w", err)
	}
	defer rows.Close()

	limits := make(map[types.Role]MotorLimits)
	for rows.Next() {
		var l MotorLimits
		var role string
		if err := rows.Scan(&role, &l.Lower, &l.Upper, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan motor limits: %w", err)
		}
		l.Role = types.Role(role)
		limits[l.Role] = l
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read motor limits: %w", err)
	}

	return limits, nil
}

func (p *PostgresClient) SaveMotorLimits(ctx context.Context, role types.Role, lower, upper float64) error {
	if lower >= upper {
		return fmt.Errorf("invalid limits for %s: lower %g >= upper %g", role, lower, upper)
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO motor_limits (role, lower_limit, upper_limit, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (role) DO UPDATE
		SET lower_limit = EXCLUDED.lower_limit,
		    upper_limit = EXCLUDED.upper_limit,
		    updated_at  = EXCLUDED.updated_at
	`, string(role), lower, upper)
	if err != nil {
		return fmt.Errorf("failed to save motor limits: %w", err)
	}
	return nil
}
