package engine

// transitionsStatusesOfInvoice lists the allowed forward moves. Terminal
// statuses have no entry. PartiallyPaid loops on itself so repeated partial
// payments can accumulate; everything else is strictly forward. Created may
// jump straight to any later status because some providers collapse
// created/pending or confirm synchronously.
var transitionsStatusesOfInvoice = InvoicesStatusTransitionChart{
	CREATED_I:        {PENDING_I, PARTIALLY_PAID_I, SETTLED_I, EXPIRED_I, FAILED_I},
	PENDING_I:        {PARTIALLY_PAID_I, SETTLED_I, EXPIRED_I, FAILED_I},
	PARTIALLY_PAID_I: {PARTIALLY_PAID_I, SETTLED_I, EXPIRED_I, FAILED_I},
}

type InvoicesStatusTransitionChart map[InvoiceStatus][]InvoiceStatus

func (s InvoicesStatusTransitionChart) Allowed(from, to InvoiceStatus) bool {
	list, exists := s[from]
	if !exists {
		return false
	}
	for _, status := range list {
		if status.Match(to) {
			return true
		}
	}
	return false
}
