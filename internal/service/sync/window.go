package sync

import (
	"fmt"
	"time"

	"github.com/speedelog/prepflow/internal/config"
	"github.com/speedelog/prepflow/internal/entity"
	"github.com/speedelog/prepflow/pkg/errorbank"
)

// Mode selects how far back a run fetches. Modes are persisted verbatim as
// the SyncRun job type.
type Mode string

// Run modes.
const (
	ModeFull        Mode = entity.JobTypeFull
	ModeIncremental Mode = entity.JobTypeIncremental
	ModeCustom      Mode = entity.JobTypeCustom
)

// ParseMode validates a caller-supplied mode string.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeFull, ModeIncremental, ModeCustom:
		return Mode(raw), nil
	default:
		return "", errorbank.BadRequest(fmt.Sprintf("unknown sync mode %q", raw))
	}
}

// window computes the fetch lower bound for a run. Custom runs require a
// caller-supplied start in the past.
func window(mode Mode, start time.Time, now time.Time, cfg config.Sync) (time.Time, error) {
	switch mode {
	case ModeFull:
		return now.Add(-cfg.FullWindow), nil
	case ModeIncremental:
		return now.Add(-cfg.IncrementalWindow), nil
	case ModeCustom:
		if start.IsZero() {
			return time.Time{}, errorbank.BadRequest("custom sync requires a start date")
		}
		if start.After(now) {
			return time.Time{}, errorbank.BadRequest("custom sync start must be in the past")
		}
		return start, nil
	default:
		return time.Time{}, errorbank.BadRequest(fmt.Sprintf("unknown sync mode %q", mode))
	}
}
