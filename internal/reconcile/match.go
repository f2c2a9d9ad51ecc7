package reconcile

import (
	"github.com/pkg/errors"

	"settlement-service/internal/model"
)

// MatchOrphan picks the payment an orphaned payout pays out. Only RELEASED
// payments of the same worker, in the same currency, with a worker share
// equal to the payout amount qualify. More than one qualifying payment is
// ambiguous and returns the candidates alongside ErrReconciliationAmbiguity.
func MatchOrphan(orphan *model.Payout, payments []*model.Payment) (*model.Payment, []*model.Payment, error) {
	var candidates []*model.Payment
	for _, p := range payments {
		if p.Status != model.PaymentReleased || p.WorkerID != orphan.WorkerID || p.Currency != orphan.Currency {
			continue
		}
		if !p.WorkerAmount.Equal(orphan.Amount) {
			continue
		}
		candidates = append(candidates, p)
	}

	switch len(candidates) {
	case 0:
		return nil, nil, errors.Wrapf(model.ErrNotFound, "no matching payment for payout %d", orphan.ID)
	case 1:
		return candidates[0], candidates, nil
	default:
		return nil, candidates, errors.Wrapf(model.ErrReconciliationAmbiguity,
			"%d payments match payout %d", len(candidates), orphan.ID)
	}
}

func paymentIDs(payments []*model.Payment) []int64 {
	ids := make([]int64, 0, len(payments))
	for _, p := range payments {
		ids = append(ids, p.ID)
	}
	return ids
}
