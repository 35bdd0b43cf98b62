// Package killswitch implements global kill switches, canary rollout, and
// write-freeze gating (spec C10, sharing ground with the failover control
// plane in C15).
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Kill switch keys named by spec §4.7.
const (
	KillRun               = "kill.run"
	KillIngest            = "kill.ingest"
	KillTTS               = "kill.tts"
	KillExternalRetrieval = "kill.external_retrieval"
)

// DBTX is the minimal pgx surface this package needs.
type DBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

// RegionStatusFunc reports whether this deployment region is currently the
// active primary; write freeze auto-engages when it isn't. Injected rather
// than imported directly so this package doesn't depend on internal/failover.
type RegionStatusFunc func(ctx context.Context) (isActivePrimary bool, err error)

// Checker evaluates kill switches, canary percentages, and write-freeze
// state. Values live in small Postgres tables; each check is one single-row
// query, and nothing is cached in process.
type Checker struct {
	db           DBTX
	regionStatus RegionStatusFunc
}

func NewChecker(db DBTX, regionStatus RegionStatusFunc) *Checker {
	if regionStatus == nil {
		regionStatus = func(context.Context) (bool, error) { return true, nil }
	}
	return &Checker{db: db, regionStatus: regionStatus}
}

// IsKilled reports whether the named kill switch is currently engaged.
// An unknown key is treated as not killed — switches are opt-in gates,
// not a default-deny allowlist.
func (c *Checker) IsKilled(ctx context.Context, key string) (bool, error) {
	row := c.db.QueryRow(ctx, `SELECT enabled FROM public.kill_switches WHERE key = $1`, key)
	var enabled bool
	if err := row.Scan(&enabled); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("reading kill switch %s: %w", key, err)
	}
	return enabled, nil
}

// InCanary reports whether (tenantID, feature) falls within the feature's
// current rollout percentage. The mapping is a stable hash so the same
// tenant consistently lands on the same side of the threshold as the
// percentage is dialed up, rather than reshuffling on every request.
func (c *Checker) InCanary(ctx context.Context, tenantID uuid.UUID, feature string) (bool, error) {
	row := c.db.QueryRow(ctx, `SELECT pct FROM public.canary_flags WHERE feature = $1`, feature)
	var pct int
	if err := row.Scan(&pct); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("reading canary flag %s: %w", feature, err)
	}
	return bucketOf(tenantID, feature) < pct, nil
}

// bucketOf maps (tenantID, feature) onto [0, 100) with a stable hash so
// the same pair always lands in the same bucket.
func bucketOf(tenantID uuid.UUID, feature string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID.String()))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(feature))
	return int(h.Sum32() % 100)
}

// IsWriteFrozen reports whether mutating operations for tenantID are
// currently frozen, per spec §4.7: true when the operator has explicitly
// toggled a freeze for the tenant, or when this region is not the active
// primary (a replica region must never originate writes).
func (c *Checker) IsWriteFrozen(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	isPrimary, err := c.regionStatus(ctx)
	if err != nil {
		return false, fmt.Errorf("checking region status: %w", err)
	}
	if !isPrimary {
		return true, nil
	}

	row := c.db.QueryRow(ctx, `SELECT write_frozen FROM public.tenants WHERE id = $1`, tenantID)
	var frozen bool
	if err := row.Scan(&frozen); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("reading tenant write-freeze flag: %w", err)
	}
	return frozen, nil
}

// SetWriteFrozen is the operator toggle referenced by spec §4.7.
func (c *Checker) SetWriteFrozen(ctx context.Context, tenantID uuid.UUID, frozen bool) error {
	_, err := c.db.Exec(ctx, `UPDATE public.tenants SET write_frozen = $1 WHERE id = $2`, frozen, tenantID)
	if err != nil {
		return fmt.Errorf("setting write-freeze: %w", err)
	}
	return nil
}

// SetKillSwitch is the operator toggle for a kill.* key.
func (c *Checker) SetKillSwitch(ctx context.Context, key string, enabled bool) error {
	_, err := c.db.Exec(ctx, `
		INSERT INTO public.kill_switches (key, enabled) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET enabled = EXCLUDED.enabled
	`, key, enabled)
	if err != nil {
		return fmt.Errorf("setting kill switch %s: %w", key, err)
	}
	return nil
}

// SetCanary is the operator toggle for a feature's rollout percentage.
func (c *Checker) SetCanary(ctx context.Context, feature string, pct int) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("canary percentage must be within [0,100], got %d", pct)
	}
	_, err := c.db.Exec(ctx, `
		INSERT INTO public.canary_flags (feature, pct) VALUES ($1, $2)
		ON CONFLICT (feature) DO UPDATE SET pct = EXCLUDED.pct
	`, feature, pct)
	if err != nil {
		return fmt.Errorf("setting canary %s: %w", feature, err)
	}
	return nil
}
