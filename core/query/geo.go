package query

import (
	"fmt"
	"regexp"
	"strings"
)

var pointLiteral = regexp.MustCompile(`^\s*(-?[0-9]+(?:\.[0-9]+)?)\s*,\s*(-?[0-9]+(?:\.[0-9]+)?)\s*$`)

// the geometry types WKT literals may start with
var wktPrefixes = []string{
	"POINT", "LINESTRING", "POLYGON",
	"MULTIPOINT", "MULTILINESTRING", "MULTIPOLYGON", "GEOMETRYCOLLECTION",
}

// GeoWKT normalizes a geometry operand. A bare "x,y" pair becomes a POINT;
// anything else must be a WKT literal. Coordinates are interpreted in the
// coordinate reference system of the request.
func GeoWKT(raw string) (string, error) {
	if m := pointLiteral.FindStringSubmatch(raw); m != nil {
		return fmt.Sprintf("POINT(%s %s)", m[1], m[2]), nil
	}
	trimmed := strings.TrimSpace(raw)
	upper := strings.ToUpper(trimmed)
	for _, prefix := range wktPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return trimmed, nil
		}
	}
	return "", fmt.Errorf("'%s' is neither a coordinate pair nor WKT", raw)
}
