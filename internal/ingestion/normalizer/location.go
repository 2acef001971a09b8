package normalizer

import "strings"

// address walks the candidate fields in priority order. It only ever
// assembles what the source provided; it never invents an address.
func address(p *payload) string {
	if a := firstNonEmpty(p.Address, p.StreetAddress, p.FullAddress); a != "" {
		return a
	}
	street := p.StreetName.String()
	if street == "" {
		return ""
	}
	if num := firstNonEmpty(p.HouseNumber, p.BuildingNumber); num != "" {
		return strings.TrimSpace(street + " " + num)
	}
	return street
}

// coordinates returns both values or neither. A pair outside the configured
// bounds is treated as absent.
func (n *Normalizer) coordinates(p *payload) (*float64, *float64) {
	lat := parseFloat(p.Lat.String(), 0)
	lng := parseFloat(p.Lng.String(), 0)
	if p.Lat.String() == "" || p.Lng.String() == "" {
		return nil, nil
	}
	if lat == 0 && lng == 0 {
		return nil, nil
	}
	if !n.cfg.CoordinateBounds.Contains(lat, lng) {
		return nil, nil
	}
	return &lat, &lng
}
