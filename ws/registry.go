package ws

import (
	"sort"

	"integrate_clickhouse/models"
)

// registry is the client's belief about what the server is streaming. It is
// updated after each frame is written, never on server confirmation. Guarded
// by Session.mu.
type registry struct {
	touchline map[models.SymbolKey]struct{}
	depth     map[models.SymbolKey]struct{}
	orders    bool
}

func newRegistry() *registry {
	r := &registry{}
	r.reset()
	return r
}

func (r *registry) reset() {
	r.touchline = make(map[models.SymbolKey]struct{})
	r.depth = make(map[models.SymbolKey]struct{})
	r.orders = false
}

func (r *registry) addTouchline(keys []models.SymbolKey)    { add(r.touchline, keys) }
func (r *registry) removeTouchline(keys []models.SymbolKey) { remove(r.touchline, keys) }
func (r *registry) addDepth(keys []models.SymbolKey)        { add(r.depth, keys) }
func (r *registry) removeDepth(keys []models.SymbolKey)     { remove(r.depth, keys) }

func (r *registry) snapshot() models.Subscription {
	return models.Subscription{
		Touchline:    sorted(r.touchline),
		Depth:        sorted(r.depth),
		OrderUpdates: r.orders,
	}
}

func add(set map[models.SymbolKey]struct{}, keys []models.SymbolKey) {
	for _, k := range keys {
		set[k] = struct{}{}
	}
}

func remove(set map[models.SymbolKey]struct{}, keys []models.SymbolKey) {
	for _, k := range keys {
		delete(set, k)
	}
}

func sorted(set map[models.SymbolKey]struct{}) []models.SymbolKey {
	out := make([]models.SymbolKey, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
