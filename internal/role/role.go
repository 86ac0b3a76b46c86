// Package role defines the closed set of account roles.
package role

import (
	"fmt"
	"strings"
)

type Role string

const (
	Student Role = "student"
	Teacher Role = "teacher"
	Admin   Role = "admin"
)

// Default is assigned to cloud user documents that carry no role.
const Default = Student

var aliases = map[string]Role{
	"student":       Student,
	"ученик":        Student,
	"teacher":       Teacher,
	"учитель":       Teacher,
	"admin":         Admin,
	"administrator": Admin,
	"администратор": Admin,
}

// Parse maps a stored role tag (canonical or legacy, any case) to a Role.
func Parse(s string) (Role, error) {
	if r, ok := aliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Normalize is Parse with a fallback to Default for unknown or empty tags.
func Normalize(s string) Role {
	r, err := Parse(s)
	if err != nil {
		return Default
	}
	return r
}

func (r Role) Valid() bool {
	return r == Student || r == Teacher || r == Admin
}

func (r Role) String() string { return string(r) }
