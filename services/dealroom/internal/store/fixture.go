package store

import (
	"context"
	"time"

	"dealroom/pkg/domain"
)

// Demo credentials recognised by the default authenticator.
const (
	DemoEmail    = "john@example.com"
	DemoPassword = "password"
)

// FixtureSource serves the built-in sample workspace. Every call returns fresh
// copies, so stores may mutate what they receive.
type FixtureSource struct{}

func NewFixtureSource() FixtureSource { return FixtureSource{} }

func (FixtureSource) LoadDeals(context.Context, domain.User) ([]domain.Deal, error) {
	return FixtureDeals(), nil
}

func (FixtureSource) LoadMessages(context.Context, domain.User) ([]domain.Message, error) {
	return FixtureMessages(), nil
}

func (FixtureSource) LoadNotifications(context.Context, domain.User) ([]domain.Notification, error) {
	return FixtureNotifications(), nil
}

func ts(raw string) time.Time {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		panic(err)
	}
	return t
}

// FixtureUsers returns the sample identities. The first one is the demo login.
func FixtureUsers() []domain.User {
	return []domain.User{
		{ID: "user-1", Name: "John Buyer", Email: "john@example.com", Role: domain.RoleBuyer, AvatarURL: "https://i.pravatar.cc/150?img=1"},
		{ID: "user-2", Name: "Sarah Seller", Email: "sarah@example.com", Role: domain.RoleSeller, AvatarURL: "https://i.pravatar.cc/150?img=2"},
		{ID: "user-3", Name: "Michael Buyer", Email: "michael@example.com", Role: domain.RoleBuyer, AvatarURL: "https://i.pravatar.cc/150?img=3"},
		{ID: "user-4", Name: "Emma Seller", Email: "emma@example.com", Role: domain.RoleSeller, AvatarURL: "https://i.pravatar.cc/150?img=4"},
	}
}

// FixtureUser looks up a sample identity by id.
func FixtureUser(id string) (domain.User, bool) {
	for _, u := range FixtureUsers() {
		if u.ID == id {
			return u, true
		}
	}
	return domain.User{}, false
}

func fixtureUserRef(id string) *domain.User {
	u, ok := FixtureUser(id)
	if !ok {
		return nil
	}
	return &u
}

func FixtureDeals() []domain.Deal {
	pdf := func(id, name, at, by, deal string) domain.Document {
		return domain.Document{ID: id, Name: name, URL: "#", Type: "application/pdf", UploadedAt: ts(at), UploadedBy: by, DealID: deal}
	}
	deals := []domain.Deal{
		{
			ID:           "deal-1",
			Title:        "Software Licensing Agreement",
			Description:  "Annual enterprise license for CRM software with support and maintenance.",
			InitialPrice: 50000,
			CurrentPrice: 47500,
			Status:       domain.StatusInProgress,
			CreatedAt:    ts("2023-11-15T10:30:00Z"),
			UpdatedAt:    ts("2023-11-20T14:20:00Z"),
			BuyerID:      "user-1",
			SellerID:     "user-2",
			Documents: []domain.Document{
				pdf("doc-1", "License Agreement.pdf", "2023-11-16T09:15:00Z", "user-2", "deal-1"),
				pdf("doc-2", "Terms and Conditions.pdf", "2023-11-17T11:30:00Z", "user-2", "deal-1"),
			},
		},
		{
			ID:           "deal-2",
			Title:        "Hardware Purchase Agreement",
			Description:  "Procurement of 50 laptop computers with 3-year warranty.",
			InitialPrice: 75000,
			CurrentPrice: 72000,
			Status:       domain.StatusPending,
			CreatedAt:    ts("2023-11-18T09:45:00Z"),
			UpdatedAt:    ts("2023-11-18T09:45:00Z"),
			BuyerID:      "user-3",
			Documents:    []domain.Document{},
		},
		{
			ID:           "deal-3",
			Title:        "Consulting Services Contract",
			Description:  "Six-month IT infrastructure assessment and recommendations.",
			InitialPrice: 30000,
			CurrentPrice: 30000,
			Status:       domain.StatusCompleted,
			CreatedAt:    ts("2023-10-20T13:15:00Z"),
			UpdatedAt:    ts("2023-11-10T17:30:00Z"),
			BuyerID:      "user-1",
			SellerID:     "user-4",
			Documents: []domain.Document{
				pdf("doc-3", "Final Report.pdf", "2023-11-08T14:45:00Z", "user-4", "deal-3"),
			},
		},
		{
			ID:           "deal-4",
			Title:        "Office Space Lease",
			Description:  "5-year lease for 5,000 sq ft office space in downtown.",
			InitialPrice: 12000,
			CurrentPrice: 11500,
			Status:       domain.StatusCancelled,
			CreatedAt:    ts("2023-11-01T10:00:00Z"),
			UpdatedAt:    ts("2023-11-05T16:30:00Z"),
			BuyerID:      "user-3",
			SellerID:     "user-4",
			Documents:    []domain.Document{},
		},
	}
	for i := range deals {
		d := &deals[i]
		d.Buyer = *fixtureUserRef(d.BuyerID)
		if d.SellerID != "" {
			d.Seller = fixtureUserRef(d.SellerID)
		}
	}
	return deals
}

func FixtureMessages() []domain.Message {
	msg := func(id, content, at, sender string, read bool) domain.Message {
		return domain.Message{
			ID:       id,
			Content:  content,
			SentAt:   ts(at),
			SenderID: sender,
			DealID:   "deal-1",
			Read:     read,
			Sender:   *fixtureUserRef(sender),
		}
	}
	return []domain.Message{
		msg("msg-1", "Hi Sarah, I'm interested in negotiating the price for the software licensing. Can we discuss?", "2023-11-16T13:30:00Z", "user-1", true),
		msg("msg-2", "Hello John, absolutely. What price point are you thinking?", "2023-11-16T13:35:00Z", "user-2", true),
		msg("msg-3", "I was thinking $47,500 for the first year, with an option to renew.", "2023-11-16T13:38:00Z", "user-1", true),
		msg("msg-4", "That works for us. I'll update the contract and send it over shortly.", "2023-11-16T13:42:00Z", "user-2", true),
		msg("msg-5", "Great! Looking forward to receiving it.", "2023-11-16T13:45:00Z", "user-1", false),
	}
}

func FixtureNotifications() []domain.Notification {
	return []domain.Notification{
		{ID: "notif-1", Title: "New Message", Message: "You have a new message in 'Software Licensing Agreement'", CreatedAt: ts("2023-11-16T13:45:00Z"), Type: domain.NotificationMessage, DealID: "deal-1"},
		{ID: "notif-2", Title: "Deal Status Updated", Message: "Software Licensing Agreement is now In Progress", CreatedAt: ts("2023-11-20T14:20:00Z"), Type: domain.NotificationStatus, DealID: "deal-1"},
		{ID: "notif-3", Title: "New Document Uploaded", Message: "New document uploaded to Software Licensing Agreement", CreatedAt: ts("2023-11-17T11:30:00Z"), Read: true, Type: domain.NotificationDocument, DealID: "deal-1"},
		{ID: "notif-4", Title: "New Deal Created", Message: "Hardware Purchase Agreement has been created", CreatedAt: ts("2023-11-18T09:45:00Z"), Read: true, Type: domain.NotificationDeal, DealID: "deal-2"},
	}
}
