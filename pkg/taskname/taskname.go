package taskname

const (
	// Trust tasks
	TrustAwardSignal = "trust:award:signal"
	TrustFraudFlag   = "trust:fraud:flag"
	TrustDecaySweep  = "trust:decay:sweep"

	// Referral tasks
	ReferralEarningRecorded = "referral:earning:recorded"

	// Redemption tasks
	RedemptionProcessPayout = "redemption:payout:process"

	// Outbox drain sweep
	OutboxDrain = "outbox:drain"
)
