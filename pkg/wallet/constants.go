package wallet

const (
	operationBootstrap = "bootstrap"
	operationCredit    = "credit"
	operationDebit     = "debit"
	operationReconcile = "reconcile"
	operationSetLive   = "set_live"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	defaultUsername = "New User"
)

// Entry reasons recorded on coin entries.
const (
	EntryReasonBootstrap  = "bootstrap"
	EntryReasonRecharge   = "recharge"
	EntryReasonCallCharge = "call_charge"
	EntryReasonAdReward   = "ad_reward"
)

// DefaultStartingBonusCoins is granted once at profile creation.
const DefaultStartingBonusCoins int64 = 550
