package query

import (
	"strings"
)

// FieldSelection is the parsed _fields directive: per nesting level either
// an inclusion list or an exclusion list, never both. A nested exclusion
// implies the parent is still included.
type FieldSelection struct {
	include map[string]bool
	exclude map[string]bool
	nested  map[string]*FieldSelection
}

func newFieldSelection() *FieldSelection {
	return &FieldSelection{
		include: make(map[string]bool),
		exclude: make(map[string]bool),
		nested:  make(map[string]*FieldSelection),
	}
}

// Selects reports whether the named field is part of the selection, and
// returns the nested selection applying within it. Identifier fields are
// always selected, links must stay constructible. A nil selection selects
// everything.
func (s *FieldSelection) Selects(name string, identifier bool) (*FieldSelection, bool) {
	if s == nil {
		return nil, true
	}
	sub := s.nested[name]
	if identifier {
		return sub, true
	}
	if len(s.include) > 0 {
		return sub, s.include[name] || sub != nil
	}
	return sub, !s.exclude[name]
}

// parseFields builds the selection tree. Every path must resolve to a
// visible field; inclusion and exclusion cannot mix at one nesting level.
func (b *builder) parseFields(arg string) (*FieldSelection, error) {
	root := newFieldSelection()
	for _, token := range strings.Split(arg, ",") {
		token = strings.TrimSpace(token)
		negative := strings.HasPrefix(token, "-")
		path := strings.TrimPrefix(token, "-")
		if path == "" {
			return nil, validationErrorf("%s contains an empty field", paramFields)
		}
		if _, err := b.resolvePath(path); err != nil {
			return nil, err
		}

		segments := strings.Split(path, ".")
		cur := root
		for i, name := range segments {
			if i == len(segments)-1 {
				if negative {
					cur.exclude[name] = true
				} else {
					cur.include[name] = true
				}
				break
			}
			sub := cur.nested[name]
			if sub == nil {
				sub = newFieldSelection()
				cur.nested[name] = sub
			}
			cur = sub
		}
	}
	if err := root.checkExclusive(); err != nil {
		return nil, err
	}
	return root, nil
}

func (s *FieldSelection) checkExclusive() error {
	if len(s.include) > 0 && len(s.exclude) > 0 {
		return validationErrorf("%s cannot mix inclusion and exclusion at one level", paramFields)
	}
	for name := range s.exclude {
		if s.nested[name] != nil {
			return validationErrorf("%s cannot both exclude %s and select within it", paramFields, name)
		}
	}
	for _, sub := range s.nested {
		if err := sub.checkExclusive(); err != nil {
			return err
		}
	}
	return nil
}
