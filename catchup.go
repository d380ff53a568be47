package herd

import (
	"context"
	"errors"
	"time"

	"github.com/herdlib/herd/internal/backoff"
	"github.com/herdlib/herd/types"
)

// catchUpController brings the local config snapshot up to the offset
// named by a rebalance assignment before any assigned work starts.
//
// Every round gets a single refresh attempt. A follower that misses asks
// to rejoin and waits for the next round. The leader wrote the offset it
// is asking everyone to reach, so a leader that cannot read it back is
// in real trouble: each failed round burns one unit of a bounded retry
// budget, backs off, then leaves and rejoins the group so the next round
// is led by whichever worker wins the fresh election. Once the budget is
// exhausted the leader surrenders its assignment so the work can move to
// a healthier worker.
//
// All methods run on the coordination goroutine.
type catchUpController struct {
	store   types.ConfigStore
	member  types.GroupMember
	logger  Logger
	metrics types.MetricsCollector
	clock   Clock

	refreshTimeout time.Duration
	maxRetries     int
	baseBackoff    time.Duration

	// resolvedOffset is the highest offset already caught up to.
	// Repeated rounds at or below it are no-ops.
	resolvedOffset int64

	// attemptsRemaining is the leader's retry budget for the current
	// failure episode, spent one attempt per round and re-armed by a
	// successful catch-up.
	attemptsRemaining int

	// revoked latches after the leader surrenders its assignment, so a
	// stream of failed rounds produces exactly one RevokeAssignment. A
	// successful catch-up re-arms it.
	revoked bool
}

func newCatchUpController(
	cfg CatchUpConfig,
	store types.ConfigStore,
	member types.GroupMember,
	logger Logger,
	metrics types.MetricsCollector,
	clock Clock,
) *catchUpController {
	return &catchUpController{
		store:             store,
		member:            member,
		logger:            logger,
		metrics:           metrics,
		clock:             clock,
		refreshTimeout:    cfg.RefreshTimeout,
		maxRetries:        cfg.MaxRetries,
		baseBackoff:       cfg.Backoff,
		attemptsRemaining: cfg.MaxRetries,
	}
}

// ensureCaughtUp runs this round's single refresh attempt against
// targetOffset. On failure the worker requests a rejoin and the next
// rebalance round drives the next attempt.
//
// Parameters:
//   - ctx: Context for cancellation
//   - targetOffset: Config log offset named by the assignment
//   - isLeader: Whether this worker leads the current generation
//   - assignment: The assignment to surrender if the leader gives up
//
// Returns:
//   - bool: true when the snapshot now covers targetOffset; false when
//     the worker has requested a rejoin instead
func (c *catchUpController) ensureCaughtUp(
	ctx context.Context,
	targetOffset int64,
	isLeader bool,
	assignment *types.ExtendedAssignment,
) bool {
	if targetOffset <= c.resolvedOffset {
		return true
	}

	if c.store.Snapshot().Offset >= targetOffset {
		c.markResolved(targetOffset)
		return true
	}

	if !isLeader {
		if c.refresh(ctx, targetOffset) {
			return true
		}

		c.logger.Warn("unable to catch up to assigned config offset, rejoining group",
			"targetOffset", targetOffset,
			"localOffset", c.store.Snapshot().Offset,
		)
		c.member.RequestRejoin("config catch-up failed")

		return false
	}

	if c.refresh(ctx, targetOffset) {
		return true
	}

	if c.attemptsRemaining <= 0 {
		c.abandonLeadership(ctx, assignment)
		return false
	}

	delay := backoff.CatchUpDelay(c.baseBackoff, c.attemptsRemaining)
	c.attemptsRemaining--

	c.logger.Warn("leader failed config catch-up attempt",
		"targetOffset", targetOffset,
		"attemptsRemaining", c.attemptsRemaining,
	)

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
	}

	// Release the group so a healthier worker can win the next election,
	// then come back as a plain member for the next attempt.
	if err := c.member.MaybeLeaveGroup(ctx, "taking too long to read the config log"); err != nil {
		c.logger.Warn("failed to leave group", "error", err)
	}
	c.member.RequestRejoin("config catch-up failed")

	return false
}

// refresh runs one bounded refresh and reports whether the snapshot
// reached the target.
func (c *catchUpController) refresh(ctx context.Context, targetOffset int64) bool {
	err := c.store.Refresh(ctx, c.refreshTimeout)
	if err != nil && !errors.Is(err, types.ErrRefreshTimeout) {
		c.logger.Error("config store refresh failed", "error", err)
	}

	caughtUp := c.store.Snapshot().Offset >= targetOffset
	c.metrics.RecordCatchUpResult(caughtUp)

	if caughtUp {
		c.markResolved(targetOffset)
	}

	return caughtUp
}

func (c *catchUpController) markResolved(offset int64) {
	if offset > c.resolvedOffset {
		c.resolvedOffset = offset
	}
	c.attemptsRemaining = c.maxRetries
	c.revoked = false
}

// abandonLeadership leaves the group so another worker is elected, asks
// to rejoin as a plain member, and surrenders the assignment exactly
// once per failure episode.
func (c *catchUpController) abandonLeadership(ctx context.Context, assignment *types.ExtendedAssignment) {
	c.logger.Error("leader exhausted config catch-up retries, surrendering leadership",
		"retries", c.maxRetries,
	)

	if err := c.member.MaybeLeaveGroup(ctx, "taking too long to read the config log"); err != nil {
		c.logger.Warn("failed to leave group", "error", err)
	}

	c.member.RequestRejoin("config catch-up retries exhausted")

	if c.revoked || assignment == nil {
		return
	}

	if err := c.member.RevokeAssignment(ctx, assignment); err != nil {
		c.logger.Warn("failed to revoke assignment", "error", err)
		return
	}

	c.revoked = true
	c.metrics.RecordAssignmentRevoked()
}
