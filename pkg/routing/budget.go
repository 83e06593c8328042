package routing

import (
	"context"
	"time"

	log "github.com/charmbracelet/log"
)

// budgetState is computed fresh per request over the current UTC calendar
// day. The day-boundary reset is a property of the window query, not of any
// stored counter.
type budgetState struct {
	limit        int // platform hard limit, 0 = unbounded
	currentCount int

	hardBlocked      bool
	softLimitReached bool

	userLimit        int
	userCurrentCount int
	userHardBlocked  bool
}

// readBudgetState queries the ledger for today's platform-wide and per-user
// request counts. Ledger failures degrade to zero usage: availability takes
// priority over strict enforcement.
func (r *Router) readBudgetState(ctx context.Context, userID string) budgetState {
	limit := r.cfg.AI.PlatformDailyLimit
	userLimit := r.cfg.AI.UserDailyLimit
	startOfDay := startOfDayUTC(r.now())

	currentCount := 0
	if limit > 0 {
		n, err := r.ledger.CountPlatformUsageSince(ctx, startOfDay)
		if err != nil {
			log.Warn("failed to read platform budget usage", "err", err)
		} else {
			currentCount = n
		}
	}

	userCurrentCount := 0
	if n, err := r.ledger.CountUserPlatformUsageSince(ctx, userID, startOfDay); err != nil {
		log.Warn("failed to read user budget usage", "user", userID, "err", err)
	} else {
		userCurrentCount = n
	}

	state := budgetState{
		limit:            limit,
		currentCount:     currentCount,
		userLimit:        userLimit,
		userCurrentCount: userCurrentCount,
		userHardBlocked:  userCurrentCount >= userLimit,
	}
	if limit > 0 {
		softLimit := int(float64(limit) * r.cfg.AI.SoftLimitRatio)
		state.hardBlocked = currentCount >= limit
		state.softLimitReached = currentCount >= softLimit
	}
	return state
}

func startOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
