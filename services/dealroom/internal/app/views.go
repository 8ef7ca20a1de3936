package app

import "dealroom/pkg/domain"

// ActiveDeals keeps deals that are neither completed nor cancelled, in order.
func ActiveDeals(deals []domain.Deal) []domain.Deal {
	out := make([]domain.Deal, 0, len(deals))
	for _, d := range deals {
		if !d.Status.Closed() {
			out = append(out, d)
		}
	}
	return out
}

// MessagesForDeal filters messages by deal id, preserving order.
func MessagesForDeal(messages []domain.Message, dealID string) []domain.Message {
	out := make([]domain.Message, 0)
	for _, m := range messages {
		if m.DealID == dealID {
			out = append(out, m)
		}
	}
	return out
}

// UnreadCount counts notifications not yet read.
func UnreadCount(notifications []domain.Notification) int {
	n := 0
	for _, item := range notifications {
		if !item.Read {
			n++
		}
	}
	return n
}

// DealsByStatus keeps deals in the given status, in order.
func DealsByStatus(deals []domain.Deal, status domain.DealStatus) []domain.Deal {
	out := make([]domain.Deal, 0)
	for _, d := range deals {
		if d.Status == status {
			out = append(out, d)
		}
	}
	return out
}

// DealsForUser keeps deals where userID is the buyer or the seller.
func DealsForUser(deals []domain.Deal, userID string) []domain.Deal {
	out := make([]domain.Deal, 0)
	for _, d := range deals {
		if d.BuyerID == userID || (d.SellerID != "" && d.SellerID == userID) {
			out = append(out, d)
		}
	}
	return out
}
