package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/rl1809/bom-stock/internal/core/domain"
	"github.com/rl1809/bom-stock/internal/platform/observability"
	"github.com/rl1809/bom-stock/internal/port"
)

type itemKey struct {
	id       string
	itemType domain.ItemType
}

// cartItems is the typed presence set of a cart.
type cartItems map[itemKey]struct{}

func flattenCart(lines []domain.CartLine) cartItems {
	present := make(cartItems)
	for _, l := range lines {
		if l.ProductID != "" {
			present[itemKey{l.ProductID, domain.ItemTypeProduct}] = struct{}{}
		}
		for _, id := range l.AdditionalIDs() {
			present[itemKey{id, domain.ItemTypeAdditional}] = struct{}{}
		}
	}
	return present
}

func (c cartItems) has(id string, t domain.ItemType) bool {
	_, ok := c[itemKey{id, t}]
	return ok
}

func (c cartItems) ids() []string {
	seen := make(map[string]struct{}, len(c))
	out := make([]string, 0, len(c))
	for k := range c {
		if _, ok := seen[k.id]; ok {
			continue
		}
		seen[k.id] = struct{}{}
		out = append(out, k.id)
	}
	return out
}

// Violated reports whether constraint c is broken by the present set.
func violated(c domain.Constraint, present cartItems) bool {
	target := present.has(c.TargetID, c.TargetType)
	related := present.has(c.RelatedID, c.RelatedType)
	switch c.Type {
	case domain.ConstraintMutuallyExclusive:
		return target && related
	case domain.ConstraintRequires:
		return target && !related
	default:
		return false
	}
}

// Validator checks cart composition against the constraint registry. It never
// mutates anything.
type Validator struct {
	repo   port.ConstraintRepository
	logger *zap.Logger
	tracer observability.Tracer
}

func NewValidator(repo port.ConstraintRepository, logger *zap.Logger, tracer observability.Tracer) *Validator {
	return &Validator{repo: repo, logger: logger, tracer: tracer}
}

func (v *Validator) Validate(ctx context.Context, lines []domain.CartLine) (domain.ValidationResult, error) {
	ctx, span := v.tracer.Start(ctx, "cart.validate")
	defer span.End()

	present := flattenCart(lines)
	result := domain.ValidationResult{Valid: true, Violations: []string{}}
	if len(present) == 0 {
		return result, nil
	}

	constraints, err := v.repo.ListConstraintsByItems(ctx, present.ids())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "constraint lookup failed")
		return domain.ValidationResult{}, fmt.Errorf("load constraints: %w", err)
	}

	for _, c := range constraints {
		if violated(c, present) {
			result.Violations = append(result.Violations, c.ViolationMessage())
		}
	}
	result.Valid = len(result.Violations) == 0

	span.SetAttributes(
		attribute.Int("cart.items", len(present)),
		attribute.Int("cart.constraints", len(constraints)),
		attribute.Int("cart.violations", len(result.Violations)),
	)
	if !result.Valid {
		v.logger.Info("cart rejected by constraints", zap.Strings("violations", result.Violations))
	}
	return result, nil
}

// Check is Validate returning a *domain.ConstraintViolationError for an invalid cart.
func (v *Validator) Check(ctx context.Context, lines []domain.CartLine) error {
	result, err := v.Validate(ctx, lines)
	if err != nil {
		return err
	}
	if !result.Valid {
		return &domain.ConstraintViolationError{Violations: result.Violations}
	}
	return nil
}
