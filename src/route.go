package patty

/*------------------------------------------------------------------
 *
 * Purpose:	Destination -> interface routing table, keyed by the
 *		32-bit hash of the destination address. The default
 *		route is stored under the hash of the zero address.
 *
 *---------------------------------------------------------------*/

import "fmt"

// Route binds a destination address to an outbound interface and an
// optional fixed repeater path.
type Route struct {
	Iface     *Interface
	Dest      Addr
	Repeaters []Addr
}

// RouteTable is a hash map from destination-address hash to Route.
type RouteTable struct {
	routes map[Hash]Route
}

func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[Hash]Route)}
}

func NewDefaultRoute(iface *Interface, repeaters ...Addr) (Route, error) {
	if len(repeaters) > 8 {
		return Route{}, fmt.Errorf("%w: route repeater path", ErrOverflow)
	}

	return Route{Iface: iface, Dest: zeroAddr(), Repeaters: repeaters}, nil
}

func NewRoute(iface *Interface, dest Addr, repeaters ...Addr) (Route, error) {
	if len(repeaters) > 8 {
		return Route{}, fmt.Errorf("%w: route repeater path", ErrOverflow)
	}

	return Route{Iface: iface, Dest: dest, Repeaters: repeaters}, nil
}

// Add inserts a route, failing if one already exists for this destination.
func (rt *RouteTable) Add(r Route) error {
	key := r.Dest.Hash()

	if _, ok := rt.routes[key]; ok {
		return fmt.Errorf("%w: route for %s", ErrDuplicate, r.Dest)
	}

	rt.routes[key] = r

	return nil
}

// Delete removes the route for dest, if any.
func (rt *RouteTable) Delete(dest Addr) {
	delete(rt.routes, dest.Hash())
}

// Find returns the route matching dest, falling back to the default route
// (keyed under the zero address) when no specific route exists. The second
// return value is false when neither is present.
func (rt *RouteTable) Find(dest Addr) (Route, bool) {
	if r, ok := rt.routes[dest.Hash()]; ok {
		return r, true
	}

	r, ok := rt.routes[zeroAddr().Hash()]

	return r, ok
}

// zeroAddr is the blank-callsign address the default route is keyed under.
func zeroAddr() Addr {
	var a Addr
	copy(a.Call[:], "      ")

	return a
}

// Each calls fn for every route in the table. Iteration order is
// unspecified.
func (rt *RouteTable) Each(fn func(Route)) {
	for _, r := range rt.routes {
		fn(r)
	}
}
