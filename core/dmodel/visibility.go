package dmodel

import (
	"github.com/datastelsel/datapi/core/access"
)

// TableVisible reports whether the table may be seen with the given
// authorization. The dataset scopes and the table scopes both apply.
func (md *ModelDescriptor) TableVisible(auth *access.Authorization) bool {
	return auth.Satisfies(md.Dataset.Auth) && auth.Satisfies(md.Table.Auth)
}

// VisibleFields returns the fields the authorization may see, in schema
// order. Identifier fields are always retained, links must stay
// constructible. The result grows monotonically with the granted scopes.
func (md *ModelDescriptor) VisibleFields(auth *access.Authorization) []FieldDescriptor {
	visible := make([]FieldDescriptor, 0, len(md.Fields))
	for _, f := range md.Fields {
		if f.Identifier || auth.Satisfies(f.Auth) {
			visible = append(visible, f)
		}
	}
	return visible
}

// VisibleField returns the named field if the authorization may see it.
// Used to validate filter and sort input; an invisible field must behave
// exactly like a nonexistent one, so filtering cannot leak values.
func (md *ModelDescriptor) VisibleField(name string, auth *access.Authorization) (*FieldDescriptor, bool) {
	f, ok := md.Field(name)
	if !ok {
		return nil, false
	}
	if !f.Identifier && !auth.Satisfies(f.Auth) {
		return nil, false
	}
	return f, true
}
