package ble

// Filter decides whether an advertisement belongs to a peripheral this
// system controls.
type Filter interface {
	Match(p Peripheral) bool
}

// NameFilter matches advertisements whose local name equals Name exactly.
type NameFilter struct {
	Name string
}

// Match reports whether p advertised exactly f.Name.
func (f NameFilter) Match(p Peripheral) bool {
	return f.Name != "" && p.Name == f.Name
}
