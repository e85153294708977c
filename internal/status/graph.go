// Package status defines the order status vocabulary and the fixed
// transition graph the engine validates against.
package status

// Status is a lifecycle state of an order.
type Status string

// Order statuses, in rough lifecycle order.
const (
	EnAttenteReappro Status = "en_attente_reappro"
	StockReserve     Status = "stock_reserve"
	EnPicking        Status = "en_picking"
	PickingTermine   Status = "picking_termine"
	EnPreparation    Status = "en_preparation"
	PretExpedition   Status = "pret_expedition"
	EtiquetteGeneree Status = "etiquette_generee"
	Expedie          Status = "expedie"
	Livre            Status = "livre"
	Erreur           Status = "erreur"
	Annule           Status = "annule"
	Archive          Status = "archive"
)

// graph maps each status to its allowed successors. Annule is terminal.
var graph = map[Status][]Status{
	EnAttenteReappro: {StockReserve, Annule, Erreur},
	StockReserve:     {EnPicking, EnPreparation, Annule, Erreur},
	EnPicking:        {PickingTermine, EnAttenteReappro, Erreur, Annule},
	PickingTermine:   {EnPreparation, EnPicking, Annule},
	EnPreparation:    {PretExpedition, PickingTermine, Erreur, Annule},
	PretExpedition:   {EtiquetteGeneree, Expedie, EnPreparation, Annule},
	EtiquetteGeneree: {Expedie, PretExpedition, Annule},
	Expedie:          {Livre, Erreur},
	Livre:            {Erreur},
	Erreur:           {EnAttenteReappro, StockReserve, EnPicking, EnPreparation, PretExpedition, Annule},
	Annule:           {},
}

// Known reports whether s is part of the graph.
func Known(s Status) bool {
	_, ok := graph[s]
	return ok || s == Archive
}

// CanTransition reports whether target is an allowed successor of current.
func CanTransition(current, target Status) bool {
	for _, next := range graph[current] {
		if next == target {
			return true
		}
	}
	return false
}

// Successors returns the allowed successor set of s.
func Successors(s Status) []Status {
	next := graph[s]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// All returns every status in the graph.
func All() []Status {
	out := make([]Status, 0, len(graph))
	for s := range graph {
		out = append(out, s)
	}
	return out
}

// TerminalForSync reports whether a persisted order in this status is past
// the point where upstream candidates may touch it. Such orders still block
// re-import of the same external order.
func TerminalForSync(s Status) bool {
	switch s {
	case Livre, Annule, Archive:
		return true
	default:
		return false
	}
}

func (s Status) String() string { return string(s) }
