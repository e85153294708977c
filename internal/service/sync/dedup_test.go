package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedelog/prepflow/internal/entity"
	"github.com/speedelog/prepflow/internal/status"
	"github.com/speedelog/prepflow/internal/upstream"
)

func TestFilterNew(t *testing.T) {
	existing := []*entity.Order{
		{ID: 1, ExternalID: "E1", Number: "ORD-1", Status: status.EnPicking},
		{ID: 2, ExternalID: "E2", Number: "ORD-2", Status: status.Livre},
		{ID: 3, Number: "ORD-3", Status: status.Annule},
	}
	candidates := []upstream.Order{
		{ExternalID: "E1", Number: "X"},     // matched by external id, active
		{ExternalID: "E2", Number: "Y"},     // matched by external id, terminal
		{ExternalID: "E9", Number: "ORD-3"}, // matched by number, terminal
		{ExternalID: "E4", Number: "ORD-4"}, // new
	}

	fresh, report := filterNew(candidates, existing)

	require.Len(t, fresh, 1)
	assert.Equal(t, "E4", fresh[0].ExternalID)
	assert.Equal(t, 3, report.matched)
	assert.Equal(t, 2, report.terminal)
}

func TestFilterNewNoExisting(t *testing.T) {
	candidates := []upstream.Order{{ExternalID: "E1"}, {ExternalID: "E2"}}

	fresh, report := filterNew(candidates, nil)

	assert.Len(t, fresh, 2)
	assert.Zero(t, report.matched)
}
