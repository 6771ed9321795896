package icron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

type TriggerInfo struct {
	Next       time.Time `json:"next"`
	Last       time.Time `json:"last"`
	Expression string    `json:"expression"`

	TimeSinceLast time.Duration `json:"time_since_last"`
	TimeUntilNext time.Duration `json:"time_until_next"`
}

// GetTriggerInfo reports the activations of a standard five-field cron
// expression around refTime. Last is searched up to one year back.
func GetTriggerInfo(cronExpr string, refTime time.Time) (*TriggerInfo, error) {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	nextTime := schedule.Next(refTime)

	var prevTime time.Time
	for _, step := range []time.Duration{time.Minute, time.Hour} {
		searchStart := refTime.Add(-step)
		for i := range 366 * 24 {
			candidate := schedule.Next(searchStart.Add(-time.Duration(i) * step))
			if !candidate.After(refTime) {
				// walk forward to the latest activation not after refTime
				for {
					following := schedule.Next(candidate)
					if following.After(refTime) {
						break
					}
					candidate = following
				}
				prevTime = candidate
				break
			}
		}
		if !prevTime.IsZero() {
			break
		}
	}

	info := &TriggerInfo{
		Expression: cronExpr,
		Next:       nextTime,
		Last:       prevTime,
	}
	if !prevTime.IsZero() {
		info.TimeSinceLast = refTime.Sub(prevTime)
	}
	info.TimeUntilNext = nextTime.Sub(refTime)

	return info, nil
}
