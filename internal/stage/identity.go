package stage

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
)

var slugRe = regexp.MustCompile(`[^a-z0-9-]+`)

// reservedSlugs cannot be used as project ids.
var reservedSlugs = map[string]bool{
	"new": true, "projects": true, "settings": true, "help": true,
	"api": true, "building": true,
}

const maxSlugLen = 50

// GenerateSlug converts a title into a sanitized project id.
func GenerateSlug(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = strings.Join(strings.Fields(s), "-")
	s = strings.ReplaceAll(s, "_", "-")
	s = slugRe.ReplaceAllString(s, "")
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLen {
		s = strings.TrimRight(s[:maxSlugLen], "-")
	}
	return s
}

// IsReservedSlug reports whether slug is reserved.
func IsReservedSlug(slug string) bool {
	return reservedSlugs[slug]
}

// ProjectIndex knows which project ids are taken and records new ones.
type ProjectIndex interface {
	Exists(id string) (bool, error)
	Register(p Project) error
}

// ValidateID checks a candidate id against the slug rules and the index.
func ValidateID(id string, idx ProjectIndex) error {
	if id == "" {
		return fmt.Errorf("%w: title produces an empty id", perrors.ErrInvalidProject)
	}
	if id != GenerateSlug(id) {
		return fmt.Errorf("%w: %q is not a valid id", perrors.ErrInvalidProject, id)
	}
	if IsReservedSlug(id) {
		return fmt.Errorf("%w: %q is a reserved word", perrors.ErrInvalidProject, id)
	}
	if idx == nil {
		return nil
	}
	taken, err := idx.Exists(id)
	if err != nil {
		return fmt.Errorf("checking project id: %w", err)
	}
	if taken {
		return fmt.Errorf("project %q: %w", id, perrors.ErrDuplicateProject)
	}
	return nil
}

// MemoryIndex is an in-process ProjectIndex.
type MemoryIndex struct {
	mu  sync.RWMutex
	ids map[string]Project
}

// NewMemoryIndex returns an index seeded with ids.
func NewMemoryIndex(ids ...string) *MemoryIndex {
	m := &MemoryIndex{ids: make(map[string]Project)}
	for _, id := range ids {
		m.ids[id] = Project{ID: id}
	}
	return m
}

func (m *MemoryIndex) Exists(id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ids[id]
	return ok, nil
}

func (m *MemoryIndex) Register(p Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ids[p.ID]; ok {
		return fmt.Errorf("project %q: %w", p.ID, perrors.ErrDuplicateProject)
	}
	m.ids[p.ID] = p
	return nil
}
