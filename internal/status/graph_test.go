package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKnown(t *testing.T) {
	assert.True(t, Known(EnAttenteReappro))
	assert.True(t, Known(Archive))
	assert.False(t, Known(Status("livree")))
	assert.False(t, Known(Status("")))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(EnAttenteReappro, StockReserve))
	assert.True(t, CanTransition(Erreur, EnPreparation))
	assert.False(t, CanTransition(EnAttenteReappro, Expedie))
	assert.False(t, CanTransition(Annule, EnAttenteReappro), "annule is terminal")
	assert.False(t, CanTransition(Livre, Livre), "self loops are not edges")
}

func TestSuccessorsIsACopy(t *testing.T) {
	first := Successors(PickingTermine)
	first[0] = Archive

	assert.NotContains(t, Successors(PickingTermine), Archive)
}

func TestTerminalForSync(t *testing.T) {
	for _, s := range []Status{Livre, Annule, Archive} {
		assert.True(t, TerminalForSync(s), s.String())
	}
	for _, s := range []Status{EnAttenteReappro, Expedie, Erreur} {
		assert.False(t, TerminalForSync(s), s.String())
	}
}
