package core

import (
	"reflect"

	"github.com/peersend/overlay/state"
)

// AddCost saturates instead of wrapping; INF absorbs everything.
func AddCost(a, b uint32) uint32 {
	if a == state.INF || b == state.INF {
		return state.INF
	}
	s := uint64(a) + uint64(b)
	if s >= uint64(state.INF) {
		return state.INF - 1
	}
	return uint32(s)
}

func Get[T state.OvModule](s *state.State) T {
	t := reflect.TypeOf((*T)(nil)).Elem()
	return s.Modules[t.String()].(T)
}
