package wallet

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the wallet service.
var (
	ErrAccountNotFound          = errors.New("account not found")
	ErrAccountExists            = errors.New("account already exists")
	ErrTransactionNotFound      = errors.New("transaction not found")
	ErrTransactionExists        = errors.New("transaction already exists")
	ErrTransactionClosed        = errors.New("transaction closed")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidEmail             = errors.New("invalid email")
	ErrInvalidMerchantReference = errors.New("invalid merchant reference")
	ErrInvalidCoinAmount        = errors.New("invalid coin amount")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrInvalidReconcileOutcome  = errors.New("invalid reconcile outcome")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrInvalidBalance           = errors.New("invalid balance")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
