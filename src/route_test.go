package patty

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_route_find_exact_and_default(t *testing.T) {
	rt := NewRouteTable()

	iface1 := &Interface{Name: "kiss0"}
	iface2 := &Interface{Name: "kiss1"}

	def, err := NewDefaultRoute(iface1)
	assert.NoError(t, err)
	assert.NoError(t, rt.Add(def))

	station := mustAddr(t, "N0CALL-5")
	specific, err := NewRoute(iface2, station)
	assert.NoError(t, err)
	assert.NoError(t, rt.Add(specific))

	found, ok := rt.Find(station)
	assert.True(t, ok)
	assert.Same(t, iface2, found.Iface)

	other := mustAddr(t, "UNKNOWN-0")
	found, ok = rt.Find(other)
	assert.True(t, ok)
	assert.Same(t, iface1, found.Iface)
}

func Test_route_add_duplicate_rejected(t *testing.T) {
	rt := NewRouteTable()
	station := mustAddr(t, "N0CALL-5")

	r, _ := NewRoute(&Interface{}, station)
	assert.NoError(t, rt.Add(r))
	assert.ErrorIs(t, rt.Add(r), ErrDuplicate)
}

func Test_route_no_default_not_found(t *testing.T) {
	rt := NewRouteTable()
	_, ok := rt.Find(mustAddr(t, "N0CALL"))
	assert.False(t, ok)
}
