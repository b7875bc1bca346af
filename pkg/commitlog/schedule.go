package commitlog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/downfa11-org/go-broker/util"
)

// ScheduleTopic is the reserved topic delayed records are parked under until
// their deliver timestamp.
const ScheduleTopic = "SCHEDULE_TOPIC_XXXX"

// ScheduleService resolves delay levels for scheduled delivery. The delivery
// machinery itself lives outside the log; the log only rewrites topics and
// computes deliver timestamps.
type ScheduleService interface {
	ScheduleTopic() string
	MaxDelayLevel() int32
	DelayLevel2QueueID(level int32) int32
	ComputeDeliverTimestamp(level int32, storeTimestamp int64) int64
}

// DelayLevelTable is the default ScheduleService: a fixed ladder of delay
// durations parsed from a config string like "1s 5s 10s 30s 1m 2m ... 2h".
type DelayLevelTable struct {
	delays []int64 // ms, index 0 is level 1
}

const DefaultDelayLevels = "1s 5s 10s 30s 1m 2m 3m 4m 5m 6m 7m 8m 9m 10m 20m 30m 1h 2h"

var delayUnits = map[string]int64{
	"s": 1000,
	"m": 1000 * 60,
	"h": 1000 * 60 * 60,
	"d": 1000 * 60 * 60 * 24,
}

// NewDelayLevelTable parses the level ladder; an empty string selects the
// default ladder.
func NewDelayLevelTable(levels string) (*DelayLevelTable, error) {
	if levels == "" {
		levels = DefaultDelayLevels
	}

	var delays []int64
	for _, item := range strings.Fields(levels) {
		unit := item[len(item)-1:]
		factor, ok := delayUnits[unit]
		if !ok {
			return nil, fmt.Errorf("delay level %q has unknown unit %q", item, unit)
		}
		n, err := strconv.ParseInt(item[:len(item)-1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("delay level %q: %w", item, err)
		}
		delays = append(delays, n*factor)
	}
	if len(delays) == 0 {
		return nil, fmt.Errorf("empty delay level table")
	}

	util.Debug("delay level table: %d levels, max %dms", len(delays), delays[len(delays)-1])
	return &DelayLevelTable{delays: delays}, nil
}

func (t *DelayLevelTable) ScheduleTopic() string { return ScheduleTopic }

func (t *DelayLevelTable) MaxDelayLevel() int32 { return int32(len(t.delays)) }

// DelayLevel2QueueID maps level N to queue N-1 of the schedule topic.
func (t *DelayLevelTable) DelayLevel2QueueID(level int32) int32 { return level - 1 }

func (t *DelayLevelTable) ComputeDeliverTimestamp(level int32, storeTimestamp int64) int64 {
	if level < 1 {
		return storeTimestamp
	}
	if level > int32(len(t.delays)) {
		level = int32(len(t.delays))
	}
	return storeTimestamp + t.delays[level-1]
}
