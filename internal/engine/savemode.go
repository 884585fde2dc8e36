package engine

import (
	"fmt"
	"strings"
)

// SaveMode selects the persistence strategy.
type SaveMode int

const (
	// SaveDefault resolves to SaveTwoPhases.
	SaveDefault SaveMode = iota
	SaveItem
	SaveBatch
	SaveTwoPhases
)

func (m SaveMode) String() string {
	switch m {
	case SaveItem:
		return "item"
	case SaveBatch:
		return "batch"
	case SaveTwoPhases:
		return "twophases"
	default:
		return "default"
	}
}

func (m SaveMode) resolve() SaveMode {
	if m == SaveDefault {
		return SaveTwoPhases
	}
	return m
}

// ParseSaveMode accepts the names printed by String, case-insensitively.
func ParseSaveMode(s string) (SaveMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return SaveDefault, nil
	case "item":
		return SaveItem, nil
	case "batch":
		return SaveBatch, nil
	case "twophases", "two-phases", "twophase":
		return SaveTwoPhases, nil
	default:
		return SaveDefault, fmt.Errorf("unknown save mode %q", s)
	}
}
