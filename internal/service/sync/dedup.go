package sync

import (
	"github.com/speedelog/prepflow/internal/entity"
	"github.com/speedelog/prepflow/internal/status"
	"github.com/speedelog/prepflow/internal/upstream"
)

// dedupReport counts what the dedup step excluded.
type dedupReport struct {
	matched  int
	terminal int
}

// filterNew drops candidates that match a persisted order by external id or
// business number. Orders already in a terminal status still block re-import
// of the same candidate; they are counted separately for the run metadata.
func filterNew(candidates []upstream.Order, existing []*entity.Order) ([]upstream.Order, dedupReport) {
	byExternalID := make(map[string]*entity.Order, len(existing))
	byNumber := make(map[string]*entity.Order, len(existing))
	for _, o := range existing {
		if o.ExternalID != "" {
			byExternalID[o.ExternalID] = o
		}
		if o.Number != "" {
			byNumber[o.Number] = o
		}
	}

	var report dedupReport
	fresh := make([]upstream.Order, 0, len(candidates))
	for _, c := range candidates {
		match, ok := byExternalID[c.ExternalID]
		if !ok {
			match, ok = byNumber[c.Number]
		}
		if !ok {
			fresh = append(fresh, c)
			continue
		}
		report.matched++
		if status.TerminalForSync(match.Status) {
			report.terminal++
		}
	}
	return fresh, report
}
