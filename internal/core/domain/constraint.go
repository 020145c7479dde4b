package domain

import (
	"fmt"
	"time"
)

type ConstraintType string

const (
	ConstraintMutuallyExclusive ConstraintType = "MUTUALLY_EXCLUSIVE"
	ConstraintRequires          ConstraintType = "REQUIRES"
)

// Constraint is a compatibility rule between two catalog entries. REQUIRES is
// directional: the target requires the related entry.
type Constraint struct {
	ID          string         `json:"id"`
	TargetID    string         `json:"target_item_id"`
	TargetType  ItemType       `json:"target_item_type"`
	RelatedID   string         `json:"related_item_id"`
	RelatedType ItemType       `json:"related_item_type"`
	Type        ConstraintType `json:"constraint_type"`
	Message     string         `json:"message,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (c Constraint) DefaultMessage() string {
	switch c.Type {
	case ConstraintMutuallyExclusive:
		return fmt.Sprintf("%s %s cannot be combined with %s %s",
			c.TargetType.label(), c.TargetID, c.RelatedType.label(), c.RelatedID)
	case ConstraintRequires:
		return fmt.Sprintf("%s %s requires %s %s",
			c.TargetType.label(), c.TargetID, c.RelatedType.label(), c.RelatedID)
	default:
		return fmt.Sprintf("%s %s conflicts with %s %s",
			c.TargetType.label(), c.TargetID, c.RelatedType.label(), c.RelatedID)
	}
}

// ViolationMessage prefers the custom message.
func (c Constraint) ViolationMessage() string {
	if c.Message != "" {
		return c.Message
	}
	return c.DefaultMessage()
}

func (t ItemType) label() string {
	switch t {
	case ItemTypeProduct:
		return "product"
	case ItemTypeAdditional:
		return "additional"
	default:
		return "item"
	}
}

type ValidationResult struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations"`
}
