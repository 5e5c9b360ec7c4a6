package scheduler

import (
	"context"

	"github.com/aristath/yieldrouter/internal/domain"
)

// OrchestratorInterface defines the contract for producing recommendations
// Used by the controller to enable testing with mocks
type OrchestratorInterface interface {
	FindOpportunities(ctx context.Context, positions []domain.Position) ([]domain.RebalanceRecommendation, error)
	StrategyName() string
}

// ExecutorInterface defines the contract for running one recommendation
// Used by the controller to enable testing with mocks
type ExecutorInterface interface {
	Execute(ctx context.Context, rec domain.RebalanceRecommendation) *domain.RebalanceExecution
}
