package billing

import (
	"math"
	"time"

	"github.com/voltchat/battery-plane/pkg/models"
)

// ComputeProration returns the battery units to grant when a user moves to
// a bigger plan mid-period. Remaining and total days both round up, the
// final grant rounds down, so a full-period upgrade grants exactly the
// plan delta and an expired period grants nothing. Downgrades return 0;
// credit is never revoked.
func ComputeProration(oldPlan, newPlan models.Plan, periodStart, periodEnd, now time.Time) int64 {
	delta := newPlan.TotalBatteryPerMonth - oldPlan.TotalBatteryPerMonth
	if delta <= 0 {
		return 0
	}

	totalDays := ceilDays(periodEnd.Sub(periodStart))
	if totalDays <= 0 {
		return 0
	}

	remainingDays := ceilDays(periodEnd.Sub(now))
	if remainingDays <= 0 {
		return 0
	}
	if remainingDays > totalDays {
		remainingDays = totalDays
	}

	return delta * remainingDays / totalDays
}

func ceilDays(d time.Duration) int64 {
	return int64(math.Ceil(d.Hours() / 24))
}
