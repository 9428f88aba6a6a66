package trading

// Solana cost constants, in lamports.
const (
	// BaseTxFeeLamports is the flat per-signature fee.
	BaseTxFeeLamports = 5_000

	// ATARentLamports is the rent-exempt deposit for a new associated
	// token account. Recovered when the account closes, but it is real
	// money out the door at buy time.
	ATARentLamports = 2_039_280

	// swapComputeBudget is the compute-unit budget swap transactions
	// request. Refined estimates scale the priority spend by actual
	// consumption against this ceiling.
	swapComputeBudget = 1_400_000
)

// FeeEstimate is the projected cost of landing one swap transaction.
type FeeEstimate struct {
	BaseLamports     uint64
	PriorityLamports uint64
	RentLamports     uint64

	// Accurate is set once the estimate has been refined against a
	// simulation instead of assuming worst-case compute.
	Accurate bool
}

// Total returns the all-in lamport cost.
func (f FeeEstimate) Total() uint64 {
	return f.BaseLamports + f.PriorityLamports + f.RentLamports
}

// PctOf expresses the total as a percentage of a lamport spend.
func (f FeeEstimate) PctOf(spendLamports uint64) float64 {
	if spendLamports == 0 {
		return 0
	}
	return float64(f.Total()) / float64(spendLamports) * 100
}

// EstimateFee projects the worst-case cost of one swap. Rent applies
// only when the buy opens a token account the wallet does not hold yet.
func EstimateFee(priorityLamports uint64, newAccount bool) FeeEstimate {
	est := FeeEstimate{
		BaseLamports:     BaseTxFeeLamports,
		PriorityLamports: priorityLamports,
	}
	if newAccount {
		est.RentLamports = ATARentLamports
	}
	return est
}

// RefineFee scales the priority component down by the compute units a
// simulation actually consumed. Priority fees are paid per requested
// unit price across consumed units, so simulated consumption gives a
// much tighter number than the full budget.
func RefineFee(est FeeEstimate, unitsConsumed uint64) FeeEstimate {
	if unitsConsumed == 0 || unitsConsumed >= swapComputeBudget {
		return est
	}
	est.PriorityLamports = est.PriorityLamports * unitsConsumed / swapComputeBudget
	est.Accurate = true
	return est
}

// AdaptiveMaxFeePct relaxes the configured fee ceiling for small
// trades, where the fixed base fee and rent dominate and a flat
// percentage would veto everything: the raw ceiling from 0.5 SOL up,
// double from 0.1 SOL, triple below that.
func AdaptiveMaxFeePct(spendLamports uint64, basePct float64) float64 {
	switch {
	case spendLamports >= 500_000_000:
		return basePct
	case spendLamports >= 100_000_000:
		return basePct * 2
	default:
		return basePct * 3
	}
}
