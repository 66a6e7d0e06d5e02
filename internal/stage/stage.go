// Package stage implements the ordered planning pipeline: per-stage
// completion records, navigation gating and project identity.
package stage

import (
	"encoding/json"
	"time"
)

// Name identifies a stage.
type Name string

const (
	Idea     Name = "idea"
	Users    Name = "users"
	Features Name = "features"
	Team     Name = "team"
	Stories  Name = "stories"
	Design   Name = "design"
	// Building is the build-loop stage. It is gated on Design but is not
	// part of the completion pipeline.
	Building Name = "building"
)

// Order is the fixed planning pipeline.
var Order = []Name{Idea, Users, Features, Team, Stories, Design}

// Parse validates a stage name, including Building.
func Parse(s string) (Name, bool) {
	n := Name(s)
	if n == Building {
		return n, true
	}
	return n, n.Index() >= 0
}

// Index returns the position of n in Order, or -1.
func (n Name) Index() int {
	for i, s := range Order {
		if s == n {
			return i
		}
	}
	return -1
}

// Next returns the stage after n, or Building after the last stage.
func (n Name) Next() Name {
	i := n.Index()
	if i < 0 || i == len(Order)-1 {
		return Building
	}
	return Order[i+1]
}

// Completion maps stages to their completed flag.
type Completion map[Name]bool

// CanNavigateTo reports whether s is the first stage or the stage before it
// is complete. Building requires Design. Unknown stages are never navigable.
func CanNavigateTo(s Name, c Completion) bool {
	if s == Building {
		return c[Design]
	}
	i := s.Index()
	switch {
	case i < 0:
		return false
	case i == 0:
		return true
	default:
		return c[Order[i-1]]
	}
}

// DeriveCurrentStage returns the first incomplete stage, or the last stage
// when every stage is complete.
func DeriveCurrentStage(c Completion) Name {
	for _, s := range Order {
		if !c[s] {
			return s
		}
	}
	return Order[len(Order)-1]
}

// Record is the durable state of one stage.
type Record struct {
	Stage     Name            `json:"stage"`
	Completed bool            `json:"completed"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Project is the identity established by the first idea save.
type Project struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}
