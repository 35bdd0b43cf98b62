// Package failover is the region failover control plane (spec C15): one
// row per region in public.failover_state tracks which region currently
// holds primary, promotion/demotion alerts ops via
// internal/alerting, and a connected Hub of websocket clients (spec's "ops
// must see a transition as it happens" requirement) is pushed the new
// state the instant it is written — the same shape internal/audit uses
// for its own Slack alerting, reused here because both are "tell a human
// now" paths.
package failover

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nexusrag/nexusrag/internal/alerting"
)

// Role is a region's current standing in the control plane.
type Role string

const (
	RolePrimary Role = "primary"
	RoleStandby Role = "standby"
)

// State is one row of public.failover_state.
type State struct {
	Region    string
	Role      Role
	Reason    string
	UpdatedAt time.Time
}

// DBTX is the narrow subset of a pgx connection/pool this package needs.
type DBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

// Controller promotes and demotes regions, persisting the transition and
// notifying ops. homeRegion is this deployment's own region — Current,
// called by RegionStatus, checks homeRegion's role, not any region named
// in a request.
type Controller struct {
	db         DBTX
	notifier   *alerting.Notifier
	hub        *Hub
	homeRegion string
}

func NewController(db DBTX, notifier *alerting.Notifier, hub *Hub, homeRegion string) *Controller {
	return &Controller{db: db, notifier: notifier, hub: hub, homeRegion: homeRegion}
}

// Current returns region's state, defaulting to standby if no row exists
// yet (a region is standby until explicitly promoted).
func (c *Controller) Current(ctx context.Context, region string) (State, error) {
	var s State
	s.Region = region
	err := c.db.QueryRow(ctx, `SELECT role, reason, updated_at FROM public.failover_state WHERE region = $1`, region).
		Scan(&s.Role, &s.Reason, &s.UpdatedAt)
	if err == pgx.ErrNoRows {
		s.Role = RoleStandby
		s.UpdatedAt = time.Now()
		return s, nil
	}
	if err != nil {
		return State{}, err
	}
	return s, nil
}

// Promote makes region the primary and demotes any other region currently
// holding that role, per spec §4.14's single-primary invariant.
func (c *Controller) Promote(ctx context.Context, region, reason string) (State, error) {
	if _, err := c.db.Exec(ctx,
		`UPDATE public.failover_state SET role = 'standby', reason = $1, updated_at = now() WHERE role = 'primary' AND region != $2`,
		reason, region,
	); err != nil {
		return State{}, fmt.Errorf("demoting current primary: %w", err)
	}

	if _, err := c.db.Exec(ctx,
		`INSERT INTO public.failover_state (region, role, reason, updated_at) VALUES ($1, 'primary', $2, now())
		 ON CONFLICT (region) DO UPDATE SET role = 'primary', reason = $2, updated_at = now()`,
		region, reason,
	); err != nil {
		return State{}, fmt.Errorf("promoting region: %w", err)
	}

	state := State{Region: region, Role: RolePrimary, Reason: reason, UpdatedAt: time.Now()}
	c.announce(ctx, state)
	return state, nil
}

// Demote marks region standby explicitly (e.g. a planned maintenance
// window), without requiring another region to be promoted in the same
// call.
func (c *Controller) Demote(ctx context.Context, region, reason string) (State, error) {
	if _, err := c.db.Exec(ctx,
		`INSERT INTO public.failover_state (region, role, reason, updated_at) VALUES ($1, 'standby', $2, now())
		 ON CONFLICT (region) DO UPDATE SET role = 'standby', reason = $2, updated_at = now()`,
		region, reason,
	); err != nil {
		return State{}, fmt.Errorf("demoting region: %w", err)
	}

	state := State{Region: region, Role: RoleStandby, Reason: reason, UpdatedAt: time.Now()}
	c.announce(ctx, state)
	return state, nil
}

func (c *Controller) announce(ctx context.Context, state State) {
	if c.notifier != nil {
		severity := "warning"
		if state.Role == RolePrimary {
			severity = "critical"
		}
		c.notifier.PostAlert(ctx, severity, fmt.Sprintf("failover: %s is now %s (%s)", state.Region, state.Role, state.Reason))
	}
	if c.hub != nil {
		c.hub.Broadcast(state)
	}
}

// RegionStatus implements internal/killswitch.RegionStatusFunc: write
// freeze auto-engages for the home region the instant it stops being
// primary.
func (c *Controller) RegionStatus(ctx context.Context) (bool, error) {
	state, err := c.Current(ctx, c.homeRegion)
	if err != nil {
		return false, err
	}
	return state.Role == RolePrimary, nil
}
