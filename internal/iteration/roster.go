package iteration

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
)

// Role is one team member definition.
type Role struct {
	Name         string `yaml:"name" json:"name"`
	Description  string `yaml:"description,omitempty" json:"description,omitempty"`
	Mandatory    bool   `yaml:"mandatory,omitempty" json:"mandatory,omitempty"`
	Instructions string `yaml:"instructions,omitempty" json:"instructions,omitempty"`
}

// Roster is the editable set of team roles. The feedback role is never a
// member; it is appended when the flow is built.
type Roster struct {
	Roles []Role `yaml:"roles" json:"roles"`
}

var mandatoryRoles = []Role{
	{Name: "UX", Description: "Defines screen requirements and layout.", Mandatory: true},
	{Name: "Developer", Description: "Implements the screen.", Mandatory: true},
}

// DefaultRoster returns the built-in roster of mandatory roles.
func DefaultRoster() *Roster {
	return &Roster{Roles: append([]Role(nil), mandatoryRoles...)}
}

// LoadRoster reads a YAML roster from path. An empty path yields the default.
func LoadRoster(path string) (*Roster, error) {
	if path == "" {
		return DefaultRoster(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("roster: read %s: %w", path, err)
	}
	r, err := ParseRoster(raw)
	if err != nil {
		return nil, fmt.Errorf("roster: %s: %w", path, err)
	}
	return r, nil
}

// ParseRoster decodes a YAML roster and normalises it: the feedback role and
// duplicates are dropped and missing mandatory roles are prepended.
func ParseRoster(data []byte) (*Roster, error) {
	var in Roster
	if err := yaml.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	out := &Roster{}
	for _, m := range mandatoryRoles {
		if _, ok := in.Find(m.Name); !ok {
			out.Roles = append(out.Roles, m)
		}
	}
	for _, r := range in.Roles {
		r.Name = strings.TrimSpace(r.Name)
		if r.Name == "" || isFeedbackRole(r.Name) {
			continue
		}
		if _, dup := out.Find(r.Name); dup {
			continue
		}
		if isMandatory(r.Name) {
			r.Mandatory = true
		}
		out.Roles = append(out.Roles, r)
	}
	return out, nil
}

func isMandatory(name string) bool {
	for _, m := range mandatoryRoles {
		if strings.EqualFold(m.Name, name) {
			return true
		}
	}
	return false
}

// Find looks a role up by case-insensitive name.
func (r *Roster) Find(name string) (Role, bool) {
	for _, role := range r.Roles {
		if strings.EqualFold(role.Name, strings.TrimSpace(name)) {
			return role, true
		}
	}
	return Role{}, false
}

// Names returns role names in roster order.
func (r *Roster) Names() []string {
	names := make([]string, len(r.Roles))
	for i, role := range r.Roles {
		names[i] = role.Name
	}
	return names
}

// Flow returns the team flow for this roster.
func (r *Roster) Flow() []string { return BuildTeamFlow(r.Names()) }

// Instructions maps role names to their extra prompt instructions.
func (r *Roster) Instructions() map[string]string {
	m := make(map[string]string)
	for _, role := range r.Roles {
		if role.Instructions != "" {
			m[role.Name] = role.Instructions
		}
	}
	return m
}

// Add appends a role. The feedback role is reserved.
func (r *Roster) Add(role Role) error {
	role.Name = strings.TrimSpace(role.Name)
	if role.Name == "" {
		return fmt.Errorf("%w: role name is empty", perrors.ErrInvalidInput)
	}
	if isFeedbackRole(role.Name) {
		return fmt.Errorf("%w: %q is reserved", perrors.ErrInvalidInput, FeedbackRole)
	}
	if _, ok := r.Find(role.Name); ok {
		return fmt.Errorf("%w: role %q already exists", perrors.ErrInvalidInput, role.Name)
	}
	r.Roles = append(r.Roles, role)
	return nil
}

// Remove deletes a role by name. Mandatory roles cannot be removed.
func (r *Roster) Remove(name string) error {
	for i, role := range r.Roles {
		if !strings.EqualFold(role.Name, strings.TrimSpace(name)) {
			continue
		}
		if role.Mandatory || isMandatory(role.Name) {
			return fmt.Errorf("%w: %s", perrors.ErrMandatoryRole, role.Name)
		}
		r.Roles = append(r.Roles[:i], r.Roles[i+1:]...)
		return nil
	}
	return fmt.Errorf("%w: role %q", perrors.ErrNotFound, name)
}
