package entity

import (
	"fmt"
	"strconv"
	"strings"
)

// Entity is a persisted domain object identified by its type name and identity.
// Only these two values ever cross a process boundary.
type Entity interface {
	EntityType() string
	EntityID() int64
}

// Ref is a detached reference to an entity. It carries no field data.
type Ref struct {
	Type string
	ID   int64
}

// RefOf returns the plain reference for any entity.
func RefOf(e Entity) Ref {
	if r, ok := e.(Ref); ok {
		return r
	}
	return Ref{Type: e.EntityType(), ID: e.EntityID()}
}

func (r Ref) EntityType() string { return r.Type }
func (r Ref) EntityID() int64    { return r.ID }

// String returns the reconstructable "<type>,<id>" form.
func (r Ref) String() string {
	return r.Type + "," + strconv.FormatInt(r.ID, 10)
}

// ParseRef parses the "<type>,<id>" form produced by Ref.String.
// Type names may contain dots but never commas, so the last comma splits the pair.
func ParseRef(s string) (Ref, error) {
	i := strings.LastIndexByte(s, ',')
	if i <= 0 || i == len(s)-1 {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	id, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %q: %w", ErrInvalidRef, s, err)
	}
	return Ref{Type: s[:i], ID: id}, nil
}
