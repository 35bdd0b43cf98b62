// Package quota implements the per-tenant day/month usage counters (spec
// C7): request-unit counters with soft and hard caps.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Period is the counter window a quota check is evaluated against.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
)

// Mode controls what happens once the hard cap is reached.
type Mode string

const (
	ModeEnforce Mode = "enforce"
	ModeObserve Mode = "observe"
)

// RouteClass mirrors internal/ratelimit's route classification; unit costs
// are fixed by spec §4.4 rather than being configurable per class.
type RouteClass string

const (
	RouteClassRun      RouteClass = "run"
	RouteClassMutation RouteClass = "mutation"
	RouteClassRead     RouteClass = "read"
)

// UnitsFor returns the request-unit cost of a route class.
func UnitsFor(rc RouteClass) int64 {
	switch rc {
	case RouteClassRun:
		return 3
	case RouteClassMutation:
		return 1
	default:
		return 0
	}
}

// Limits configures one tenant's quota ceilings. Day and month limits are
// independent; either can trip the hard cap.
type Limits struct {
	DayLimit     int64
	MonthLimit   int64
	SoftCapRatio float64 // e.g. 0.8 for an 80% warning threshold
	HardCapMode  Mode
}

// DBTX is the minimal pgx surface this package needs, matching
// internal/auth's DBTX so both can share a *pgxpool.Pool without coupling
// to a concrete type.
type DBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

// Store persists per-tenant, per-period counters in Postgres — durability
// across restarts matters here in a way it doesn't for the Redis-backed
// rate limiter, since quota periods span a day or a month.
type Store struct {
	db DBTX
}

func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// increment atomically adds units to the counter for (tenantID, period,
// bucketStart) and returns the new total, soft-cap-notified flag, and
// hard-cap-notified flag so callers can decide whether to fire the
// once-per-period audit events.
func (s *Store) increment(ctx context.Context, tenantID uuid.UUID, period Period, bucketStart time.Time, units int64, softCapThreshold, hardCapLimit int64) (used int64, softCapFired, hardCapFired bool, err error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO public.quota_counters (tenant_id, period, bucket_start, used_requests)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, period, bucket_start) DO UPDATE
			SET used_requests = public.quota_counters.used_requests + EXCLUDED.used_requests
		RETURNING used_requests,
			(used_requests >= $5 AND used_requests - $4 < $5),
			(used_requests >= $6 AND used_requests - $4 < $6)
	`, tenantID, string(period), bucketStart, units, softCapThreshold, hardCapLimit)

	if err := row.Scan(&used, &softCapFired, &hardCapFired); err != nil {
		return 0, false, false, fmt.Errorf("incrementing quota counter: %w", err)
	}
	return used, softCapFired, hardCapFired, nil
}

// peek reads the current counter value without mutating it, used to report
// usage for request classes that cost zero units (reads).
func (s *Store) peek(ctx context.Context, tenantID uuid.UUID, period Period, bucketStart time.Time) (int64, error) {
	row := s.db.QueryRow(ctx, `
		SELECT used_requests FROM public.quota_counters
		WHERE tenant_id = $1 AND period = $2 AND bucket_start = $3
	`, tenantID, string(period), bucketStart)

	var used int64
	if err := row.Scan(&used); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading quota counter: %w", err)
	}
	return used, nil
}

// PeriodWindow reports the canonical UTC bucket_start for a period as of t.
func PeriodWindow(period Period, t time.Time) time.Time {
	t = t.UTC()
	switch period {
	case PeriodMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// Result reports per-period usage after a quota check, enough to populate
// both the response headers and an enforcement decision.
type Result struct {
	DayLimit, DayUsed, DayRemaining     int64
	MonthLimit, MonthUsed, MonthRemaining int64
	SoftCapReached bool // newly crossed this call
	HardCapReached bool
	Allowed        bool // false only when HardCapReached and mode is enforce
	Mode           Mode
}

// Quota evaluates and updates both the day and month counters for a tenant
// in one call.
type Quota struct {
	store *Store
}

func New(store *Store) *Quota {
	return &Quota{store: store}
}

// Check increments both period counters by units (read requests pass
// units=0, which still reports current usage without mutating state) and
// evaluates soft/hard cap status against limits.
func (q *Quota) Check(ctx context.Context, tenantID uuid.UUID, units int64, limits Limits) (Result, error) {
	now := time.Now()
	softCapDay := int64(float64(limits.DayLimit) * limits.SoftCapRatio)
	softCapMonth := int64(float64(limits.MonthLimit) * limits.SoftCapRatio)

	var dayUsed, monthUsed int64
	var daySoft, dayHard, monthSoft, monthHard bool
	var err error

	if units > 0 {
		dayUsed, daySoft, dayHard, err = q.store.increment(ctx, tenantID, PeriodDay, PeriodWindow(PeriodDay, now), units, softCapDay, limits.DayLimit)
		if err != nil {
			return Result{}, err
		}
		monthUsed, monthSoft, monthHard, err = q.store.increment(ctx, tenantID, PeriodMonth, PeriodWindow(PeriodMonth, now), units, softCapMonth, limits.MonthLimit)
		if err != nil {
			return Result{}, err
		}
	} else {
		dayUsed, err = q.store.peek(ctx, tenantID, PeriodDay, PeriodWindow(PeriodDay, now))
		if err != nil {
			return Result{}, err
		}
		monthUsed, err = q.store.peek(ctx, tenantID, PeriodMonth, PeriodWindow(PeriodMonth, now))
		if err != nil {
			return Result{}, err
		}
	}

	hardReached := dayUsed >= limits.DayLimit || monthUsed >= limits.MonthLimit
	allowed := true
	if hardReached && limits.HardCapMode == ModeEnforce {
		allowed = false
	}

	return Result{
		DayLimit:       limits.DayLimit,
		DayUsed:        dayUsed,
		DayRemaining:   max0(limits.DayLimit - dayUsed),
		MonthLimit:     limits.MonthLimit,
		MonthUsed:      monthUsed,
		MonthRemaining: max0(limits.MonthLimit - monthUsed),
		SoftCapReached: daySoft || monthSoft,
		HardCapReached: hardReached || dayHard || monthHard,
		Allowed:        allowed,
		Mode:           limits.HardCapMode,
	}, nil
}

func max0(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
