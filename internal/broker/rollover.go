package broker

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pyr33x/goqttd/internal/domain"
)

// RolloverState tracks the last-seen day/month ordinal across restarts in a
// small file under root, so the per-domain day/month message counters roll
// exactly once per observed transition. Check is meant to be invoked
// periodically (e.g. once a minute) by cmd/goqttd's ticker.
type RolloverState struct {
	path      string
	lastDay   int
	lastMonth int
}

// NewRolloverState loads (or initializes) the rollover marker file at
// <root>/.rollover.
func NewRolloverState(root string) (*RolloverState, error) {
	path := filepath.Join(root, ".rollover")
	r := &RolloverState{path: path}

	body, err := os.ReadFile(path)
	if err == nil {
		parts := strings.SplitN(strings.TrimSpace(string(body)), " ", 2)
		if len(parts) == 2 {
			r.lastDay, _ = strconv.Atoi(parts[0])
			r.lastMonth, _ = strconv.Atoi(parts[1])
		}
	}
	return r, nil
}

func (r *RolloverState) save() error {
	body := strconv.Itoa(r.lastDay) + " " + strconv.Itoa(r.lastMonth)
	return os.WriteFile(r.path, []byte(body), 0o644)
}

// Check compares now against the last-seen day/month ordinals and, when
// either has moved forward, rolls every domain's counters and persists the
// new ordinals. A clock set backward leaves the counters and ordinals as
// they are.
func (r *RolloverState) Check(now time.Time, domains *domain.Registry) error {
	day := now.YearDay() + now.Year()*1000
	month := int(now.Month()) + now.Year()*100

	changed := false
	if day > r.lastDay {
		for _, d := range domains.All() {
			d.RollDay()
		}
		r.lastDay = day
		changed = true
	}
	if month > r.lastMonth {
		for _, d := range domains.All() {
			d.RollMonth()
		}
		r.lastMonth = month
		changed = true
	}
	if changed {
		return r.save()
	}
	return nil
}
