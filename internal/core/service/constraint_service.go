package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/bom-stock/internal/core/domain"
	"github.com/rl1809/bom-stock/internal/port"
)

type ConstraintService struct {
	repo   port.ConstraintRepository
	logger *zap.Logger
}

func NewConstraintService(repo port.ConstraintRepository, logger *zap.Logger) *ConstraintService {
	return &ConstraintService{repo: repo, logger: logger}
}

func validateConstraint(c domain.Constraint) error {
	if c.TargetID == "" {
		return domain.NewValidationError("target_item_id", "is required")
	}
	if c.RelatedID == "" {
		return domain.NewValidationError("related_item_id", "is required")
	}
	if !c.TargetType.Valid() {
		return domain.NewValidationError("target_item_type", "unknown type %q", c.TargetType)
	}
	if !c.RelatedType.Valid() {
		return domain.NewValidationError("related_item_type", "unknown type %q", c.RelatedType)
	}
	if c.Type == "" {
		return domain.NewValidationError("constraint_type", "is required")
	}
	if c.TargetID == c.RelatedID && c.TargetType == c.RelatedType {
		return domain.NewValidationError("related_item_id", "must differ from the target")
	}
	return nil
}

// Create stores a new constraint. Unrecognized constraint types are accepted
// and stay inert during validation.
func (s *ConstraintService) Create(ctx context.Context, c domain.Constraint) (*domain.Constraint, error) {
	if err := validateConstraint(c); err != nil {
		return nil, err
	}

	now := time.Now()
	c.ID = uuid.NewString()
	c.CreatedAt = now
	c.UpdatedAt = now

	if err := s.repo.CreateConstraint(ctx, c); err != nil {
		return nil, fmt.Errorf("create constraint: %w", err)
	}
	s.logger.Info("constraint created",
		zap.String("constraint_id", c.ID),
		zap.String("type", string(c.Type)),
		zap.String("target_id", c.TargetID),
		zap.String("related_id", c.RelatedID),
	)
	return &c, nil
}

func (s *ConstraintService) Get(ctx context.Context, id string) (*domain.Constraint, error) {
	c, err := s.repo.GetConstraint(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get constraint: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("constraint %s: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

// ListByItem returns the constraints in which itemID is the target or the related item.
func (s *ConstraintService) ListByItem(ctx context.Context, itemID string) ([]domain.Constraint, error) {
	cs, err := s.repo.ListConstraintsByItems(ctx, []string{itemID})
	if err != nil {
		return nil, fmt.Errorf("list constraints by item: %w", err)
	}
	return cs, nil
}

func (s *ConstraintService) List(ctx context.Context) ([]domain.Constraint, error) {
	cs, err := s.repo.ListConstraints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list constraints: %w", err)
	}
	return cs, nil
}

func (s *ConstraintService) Update(ctx context.Context, c domain.Constraint) (*domain.Constraint, error) {
	if c.ID == "" {
		return nil, domain.NewValidationError("id", "is required")
	}
	if err := validateConstraint(c); err != nil {
		return nil, err
	}

	existing, err := s.Get(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now()

	if err := s.repo.UpdateConstraint(ctx, c); err != nil {
		return nil, fmt.Errorf("update constraint: %w", err)
	}
	s.logger.Info("constraint updated", zap.String("constraint_id", c.ID))
	return &c, nil
}

func (s *ConstraintService) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeleteConstraint(ctx, id); err != nil {
		return fmt.Errorf("delete constraint: %w", err)
	}
	s.logger.Info("constraint deleted", zap.String("constraint_id", id))
	return nil
}
