// Package calls gates media session tokens on wallet balance and charges
// finished calls by duration.
package calls

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/streampay/internal/media"
	"github.com/MarkoPoloResearchLab/streampay/pkg/wallet"
)

var (
	ErrForbidden               = errors.New("calls: identity mismatch")
	ErrInsufficientBalance     = errors.New("calls: balance below per-minute rate")
	ErrInvalidDuration         = errors.New("calls: duration must not be negative")
	ErrInvalidAuthorizerConfig = errors.New("calls: invalid authorizer configuration")
)

// DefaultCostPerMinute is the coin price of one connected call minute.
const DefaultCostPerMinute int64 = 50

// ChargeResult reports what a duration charge actually debited.
type ChargeResult struct {
	BilledMinutes  int64
	RequestedCoins int64
	DebitedCoins   int64
	RemainingCoins int64
}

// Authorizer mints call tokens for funded accounts and settles call time.
type Authorizer struct {
	wallet        *wallet.Service
	minter        media.TokenMinter
	costPerMinute int64
}

// AuthorizerOption customizes an Authorizer.
type AuthorizerOption func(*Authorizer)

// WithCostPerMinute overrides the per-minute coin rate.
func WithCostPerMinute(costPerMinute int64) AuthorizerOption {
	return func(authorizer *Authorizer) {
		authorizer.costPerMinute = costPerMinute
	}
}

// NewAuthorizer wires the wallet service and the media token minter.
func NewAuthorizer(walletService *wallet.Service, minter media.TokenMinter, options ...AuthorizerOption) (*Authorizer, error) {
	if walletService == nil {
		return nil, fmt.Errorf("%w: wallet service is required", ErrInvalidAuthorizerConfig)
	}
	if minter == nil {
		return nil, fmt.Errorf("%w: token minter is required", ErrInvalidAuthorizerConfig)
	}
	authorizer := &Authorizer{
		wallet:        walletService,
		minter:        minter,
		costPerMinute: DefaultCostPerMinute,
	}
	for _, option := range options {
		option(authorizer)
	}
	if authorizer.costPerMinute <= 0 {
		return nil, fmt.Errorf("%w: cost per minute must be positive", ErrInvalidAuthorizerConfig)
	}
	return authorizer, nil
}

// SessionToken mints a room token for the caller. The caller may only request
// a token for their own identity, and must hold at least one minute of coins.
func (authorizer *Authorizer) SessionToken(ctx context.Context, caller wallet.UserID, participantIdentity string, roomName string) (string, error) {
	if participantIdentity != caller.String() {
		return "", fmt.Errorf("%w: token requested for %q", ErrForbidden, participantIdentity)
	}
	balance, err := authorizer.wallet.Balance(ctx, caller)
	if err != nil {
		return "", err
	}
	if balance < authorizer.costPerMinute {
		return "", fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, balance, authorizer.costPerMinute)
	}
	return authorizer.minter.MintToken(participantIdentity, roomName)
}

// ChargeDuration debits the caller for a finished call. Partial minutes are
// billed as whole minutes, and the debit clamps per the wallet policy.
func (authorizer *Authorizer) ChargeDuration(ctx context.Context, caller wallet.UserID, durationSeconds int64) (ChargeResult, error) {
	if durationSeconds < 0 {
		return ChargeResult{}, fmt.Errorf("%w: got %d seconds", ErrInvalidDuration, durationSeconds)
	}
	if durationSeconds == 0 {
		balance, err := authorizer.wallet.Balance(ctx, caller)
		if err != nil {
			return ChargeResult{}, err
		}
		return ChargeResult{RemainingCoins: balance}, nil
	}
	billedMinutes := (durationSeconds + 59) / 60
	cost, err := wallet.NewCoinAmount(billedMinutes * authorizer.costPerMinute)
	if err != nil {
		return ChargeResult{}, err
	}
	metadata, err := wallet.NewMetadataJSON(fmt.Sprintf(`{"duration_seconds":%d,"billed_minutes":%d}`, durationSeconds, billedMinutes))
	if err != nil {
		return ChargeResult{}, err
	}
	debit, err := authorizer.wallet.Debit(ctx, caller, cost, wallet.EntryReasonCallCharge, metadata)
	if err != nil {
		return ChargeResult{}, err
	}
	return ChargeResult{
		BilledMinutes:  billedMinutes,
		RequestedCoins: debit.RequestedCoins,
		DebitedCoins:   debit.DebitedCoins,
		RemainingCoins: debit.RemainingCoins,
	}, nil
}
