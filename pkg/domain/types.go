package domain

import "time"

type UserRole string

const (
	RoleBuyer  UserRole = "buyer"
	RoleSeller UserRole = "seller"
)

// Valid reports whether r is a known role.
func (r UserRole) Valid() bool {
	return r == RoleBuyer || r == RoleSeller
}

type DealStatus string

const (
	StatusPending    DealStatus = "pending"
	StatusInProgress DealStatus = "in_progress"
	StatusCompleted  DealStatus = "completed"
	StatusCancelled  DealStatus = "cancelled"
)

// Valid reports whether s is a known deal status.
func (s DealStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Closed reports whether the deal no longer takes part in negotiation.
func (s DealStatus) Closed() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type NotificationType string

const (
	NotificationDeal     NotificationType = "deal"
	NotificationMessage  NotificationType = "message"
	NotificationDocument NotificationType = "document"
	NotificationStatus   NotificationType = "status"
)

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationDeal, NotificationMessage, NotificationDocument, NotificationStatus:
		return true
	default:
		return false
	}
}

type User struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Email     string   `json:"email"`
	Role      UserRole `json:"role"`
	AvatarURL string   `json:"avatarUrl,omitempty"`
}

type Deal struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	InitialPrice float64    `json:"initialPrice"`
	CurrentPrice float64    `json:"currentPrice"`
	Status       DealStatus `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	BuyerID      string     `json:"buyerId"`
	SellerID     string     `json:"sellerId,omitempty"`
	Buyer        User       `json:"buyer"`
	Seller       *User      `json:"seller,omitempty"`
	Documents    []Document `json:"documents"`
}

// Clone returns a copy that shares no mutable state with d.
func (d Deal) Clone() Deal {
	out := d
	if d.Seller != nil {
		seller := *d.Seller
		out.Seller = &seller
	}
	out.Documents = make([]Document, len(d.Documents))
	copy(out.Documents, d.Documents)
	return out
}

type Document struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	Type       string    `json:"type"`
	Size       int64     `json:"size,omitempty"`
	UploadedAt time.Time `json:"uploadedAt"`
	UploadedBy string    `json:"uploadedBy"`
	DealID     string    `json:"dealId"`
}

type Message struct {
	ID       string    `json:"id"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sentAt"`
	SenderID string    `json:"senderId"`
	DealID   string    `json:"dealId"`
	Read     bool      `json:"read"`
	Sender   User      `json:"sender"`
}

type Notification struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	CreatedAt time.Time        `json:"createdAt"`
	Read      bool             `json:"read"`
	Type      NotificationType `json:"type"`
	DealID    string           `json:"dealId,omitempty"`
}

type EventType string

const (
	EventSessionChanged    EventType = "session.changed"
	EventDealCreated       EventType = "deal.created"
	EventDealStatus        EventType = "deal.status"
	EventDealPrice         EventType = "deal.price"
	EventDocumentUploaded  EventType = "deal.document"
	EventMessageSent       EventType = "message.sent"
	EventNotificationsRead EventType = "notifications.read"
	EventNotificationAdded EventType = "notification.added"
)

// Event tells mirrors of store state that they must re-query.
type Event struct {
	Type    EventType `json:"type"`
	DealID  string    `json:"dealId,omitempty"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}
