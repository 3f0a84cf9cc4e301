package roster

import (
	"github.com/elliotchance/orderedmap"

	"github.com/yapchat/yap/pkg/types"
)

// Roster is the server's participant list in broadcast order.
type Roster struct {
	entries *orderedmap.OrderedMap
}

func New() *Roster {
	return &Roster{entries: orderedmap.NewOrderedMap()}
}

// Replace swaps the whole roster for users. When an id repeats, the last
// entry wins and keeps the position of the first.
func (r *Roster) Replace(users []types.RosterEntry) {
	m := orderedmap.NewOrderedMap()
	for _, u := range users {
		m.Set(u.ID, u)
	}
	r.entries = m
}

func (r *Roster) Get(id types.ParticipantID) (types.RosterEntry, bool) {
	v, ok := r.entries.Get(id)
	if !ok {
		return types.RosterEntry{}, false
	}
	return v.(types.RosterEntry), true
}

func (r *Roster) Len() int {
	return r.entries.Len()
}

// Entries returns the roster in order.
func (r *Roster) Entries() []types.RosterEntry {
	out := make([]types.RosterEntry, 0, r.entries.Len())
	for _, k := range r.entries.Keys() {
		v, _ := r.entries.Get(k)
		out = append(out, v.(types.RosterEntry))
	}
	return out
}
