package core

import (
	"strings"
	"unicode"

	"github.com/goccy/go-json"

	"fmt"
)

// Operation represents a read operation served by the backend, one of List, Read, Reload.
type Operation string

// all supported operations
const (
	OperationList   Operation = "list"
	OperationRead   Operation = "read"
	OperationReload Operation = "reload"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Operation(s)
	switch *o {
	case OperationList, OperationRead, OperationReload:
		return nil
	default:
		return fmt.Errorf("%s is not valid Operation", s)
	}
}

// CRS identifies a coordinate reference system by its EPSG code.
type CRS string

// the coordinate reference systems the backend negotiates
const (
	// CRSDefault is RD New, the projection the storage layer keeps geometries in
	CRSDefault CRS = "EPSG:28992"
	CRSWGS84   CRS = "EPSG:4326"
)

// SRID returns the numeric spatial reference identifier for the CRS,
// or 0 if the CRS is not one of the supported systems.
func (c CRS) SRID() int {
	switch c {
	case CRSDefault:
		return 28992
	case CRSWGS84:
		return 4326
	}
	return 0
}

// ParseCRS parses an Accept-Crs header value. The empty string yields the default CRS.
func ParseCRS(s string) (CRS, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return CRSDefault, nil
	case string(CRSDefault):
		return CRSDefault, nil
	case string(CRSWGS84):
		return CRSWGS84, nil
	}
	return "", fmt.Errorf("unsupported coordinate reference system '%s'", s)
}

// SnakeCase converts a schema identifier in camelCase to its storage
// representation in lower snake case. Example: "ligtInWijk" becomes
// "ligt_in_wijk". Runs of upper case letters stay together: "heeftBAGId"
// becomes "heeft_bag_id".
//
// This is the algorithm used to derive storage table and column names.
func SnakeCase(camel string) string {
	var b strings.Builder
	runes := []rune(camel)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevLower := i > 0 && unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if i > 0 && (prevLower || (nextLower && !prevIsSeparator(runes, i))) {
				b.WriteRune('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if r == '-' || r == ' ' {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func prevIsSeparator(runes []rune, i int) bool {
	return i > 0 && (runes[i-1] == '_' || runes[i-1] == '-')
}

// CamelCase converts a storage identifier in snake case back to the schema
// representation in camelCase. Example: "ligt_in_wijk" becomes "ligtInWijk".
func CamelCase(snake string) string {
	parts := strings.Split(snake, "_")
	for i := 1; i < len(parts); i++ {
		if len(parts[i]) == 0 {
			continue
		}
		runes := []rune(parts[i])
		runes[0] = unicode.ToUpper(runes[0])
		parts[i] = string(runes)
	}
	return strings.Join(parts, "")
}
