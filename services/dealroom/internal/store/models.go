package store

import (
	"time"

	"gorm.io/datatypes"

	"dealroom/pkg/domain"
)

// GORM models used by GormSource.
type UserModel struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	Email     string `gorm:"not null;index"`
	Role      string `gorm:"not null"`
	AvatarURL string
}

type DealModel struct {
	ID           string  `gorm:"primaryKey"`
	Title        string  `gorm:"not null"`
	Description  string  `gorm:"not null"`
	InitialPrice float64 `gorm:"not null"`
	CurrentPrice float64 `gorm:"not null"`
	Status       string  `gorm:"not null;index"`
	BuyerID      string  `gorm:"not null;index"`
	SellerID     string  `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Documents    []DocumentModel `gorm:"foreignKey:DealID"`
}

type DocumentModel struct {
	ID         string    `gorm:"primaryKey"`
	DealID     string    `gorm:"not null;index"`
	Name       string    `gorm:"not null"`
	URL        string    `gorm:"not null"`
	Type       string    `gorm:"not null"`
	SizeBytes  int64     `gorm:"not null"`
	UploadedBy string    `gorm:"not null"`
	UploadedAt time.Time `gorm:"not null;index"`
}

type MessageModel struct {
	ID       string                         `gorm:"primaryKey"`
	DealID   string                         `gorm:"not null;index"`
	SenderID string                         `gorm:"not null"`
	Content  string                         `gorm:"not null"`
	Read     bool                           `gorm:"not null"`
	Sender   datatypes.JSONType[domain.User] `gorm:"not null"`
	SentAt   time.Time                      `gorm:"not null;index"`
}

// NotificationModel is keyed per recipient so the same fixture notification can
// be seeded for several users.
type NotificationModel struct {
	UserID    string    `gorm:"primaryKey"`
	ID        string    `gorm:"primaryKey"`
	Title     string    `gorm:"not null"`
	Message   string    `gorm:"not null"`
	Type      string    `gorm:"not null"`
	DealID    string    `gorm:"index"`
	Read      bool      `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;index"`
}

func userToModel(u domain.User) UserModel {
	return UserModel{ID: u.ID, Name: u.Name, Email: u.Email, Role: string(u.Role), AvatarURL: u.AvatarURL}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{ID: m.ID, Name: m.Name, Email: m.Email, Role: domain.UserRole(m.Role), AvatarURL: m.AvatarURL}
}

func dealToModel(d domain.Deal) DealModel {
	docs := make([]DocumentModel, 0, len(d.Documents))
	for _, doc := range d.Documents {
		docs = append(docs, documentToModel(doc))
	}
	return DealModel{
		ID:           d.ID,
		Title:        d.Title,
		Description:  d.Description,
		InitialPrice: d.InitialPrice,
		CurrentPrice: d.CurrentPrice,
		Status:       string(d.Status),
		BuyerID:      d.BuyerID,
		SellerID:     d.SellerID,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		Documents:    docs,
	}
}

// dealFromModel resolves buyer and seller through users; unknown ids keep only the id.
func dealFromModel(m DealModel, users map[string]domain.User) domain.Deal {
	d := domain.Deal{
		ID:           m.ID,
		Title:        m.Title,
		Description:  m.Description,
		InitialPrice: m.InitialPrice,
		CurrentPrice: m.CurrentPrice,
		Status:       domain.DealStatus(m.Status),
		CreatedAt:    m.CreatedAt.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
		BuyerID:      m.BuyerID,
		SellerID:     m.SellerID,
		Documents:    make([]domain.Document, 0, len(m.Documents)),
	}
	d.Buyer = users[m.BuyerID]
	d.Buyer.ID = m.BuyerID
	if m.SellerID != "" {
		seller := users[m.SellerID]
		seller.ID = m.SellerID
		d.Seller = &seller
	}
	for _, doc := range m.Documents {
		d.Documents = append(d.Documents, documentFromModel(doc))
	}
	return d
}

func documentToModel(d domain.Document) DocumentModel {
	return DocumentModel{
		ID:         d.ID,
		DealID:     d.DealID,
		Name:       d.Name,
		URL:        d.URL,
		Type:       d.Type,
		SizeBytes:  d.Size,
		UploadedBy: d.UploadedBy,
		UploadedAt: d.UploadedAt,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	return domain.Document{
		ID:         m.ID,
		Name:       m.Name,
		URL:        m.URL,
		Type:       m.Type,
		Size:       m.SizeBytes,
		UploadedAt: m.UploadedAt.UTC(),
		UploadedBy: m.UploadedBy,
		DealID:     m.DealID,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:       msg.ID,
		DealID:   msg.DealID,
		SenderID: msg.SenderID,
		Content:  msg.Content,
		Read:     msg.Read,
		Sender:   datatypes.NewJSONType(msg.Sender),
		SentAt:   msg.SentAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:       m.ID,
		Content:  m.Content,
		SentAt:   m.SentAt.UTC(),
		SenderID: m.SenderID,
		DealID:   m.DealID,
		Read:     m.Read,
		Sender:   m.Sender.Data(),
	}
}

func notificationToModel(userID string, n domain.Notification) NotificationModel {
	return NotificationModel{
		UserID:    userID,
		ID:        n.ID,
		Title:     n.Title,
		Message:   n.Message,
		Type:      string(n.Type),
		DealID:    n.DealID,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
}

func notificationFromModel(m NotificationModel) domain.Notification {
	return domain.Notification{
		ID:        m.ID,
		Title:     m.Title,
		Message:   m.Message,
		CreatedAt: m.CreatedAt.UTC(),
		Read:      m.Read,
		Type:      domain.NotificationType(m.Type),
		DealID:    m.DealID,
	}
}
