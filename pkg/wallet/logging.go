package wallet

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing wallet operation.
type OperationLog struct {
	Operation string
	UserID    UserID
	Reference string
	Amount    int64
	Reason    string
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithStartingBonus overrides the coin bonus granted at profile creation.
func WithStartingBonus(coins int64) ServiceOption {
	return func(service *Service) {
		service.startingBonusCoins = coins
	}
}

// WithDebitPolicy selects how over-debits are handled.
func WithDebitPolicy(policy DebitPolicy) ServiceOption {
	return func(service *Service) {
		service.debitPolicy = policy
	}
}
