package store

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dealroom/pkg/domain"
)

// GormSource is a Postgres-backed DataSource that also persists every mutation.
type GormSource struct {
	db *gorm.DB
}

// NewGormSource opens the DB and runs auto-migrations.
func NewGormSource(dsn string) (*GormSource, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return NewGormSourceFromDB(db)
}

// NewGormSourceFromDB wraps an already opened connection.
func NewGormSourceFromDB(db *gorm.DB) (*GormSource, error) {
	if err := db.AutoMigrate(&UserModel{}, &DealModel{}, &DocumentModel{}, &MessageModel{}, &NotificationModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormSource{db: db}, nil
}

func (s *GormSource) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormSource) LoadDeals(ctx context.Context, _ domain.User) ([]domain.Deal, error) {
	var models []DealModel
	err := s.db.WithContext(ctx).
		Preload("Documents", func(db *gorm.DB) *gorm.DB { return db.Order("uploaded_at ASC, id ASC") }).
		Order("created_at ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("load deals: %w", err)
	}
	users, err := s.usersFor(ctx, models)
	if err != nil {
		return nil, err
	}
	deals := make([]domain.Deal, 0, len(models))
	for _, m := range models {
		deals = append(deals, dealFromModel(m, users))
	}
	return deals, nil
}

func (s *GormSource) usersFor(ctx context.Context, deals []DealModel) (map[string]domain.User, error) {
	ids := make([]string, 0, len(deals)*2)
	for _, d := range deals {
		ids = append(ids, d.BuyerID)
		if d.SellerID != "" {
			ids = append(ids, d.SellerID)
		}
	}
	users := make(map[string]domain.User, len(ids))
	if len(ids) == 0 {
		return users, nil
	}
	var models []UserModel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	for _, m := range models {
		users[m.ID] = userFromModel(m)
	}
	return users, nil
}

func (s *GormSource) LoadMessages(ctx context.Context, _ domain.User) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).Order("sent_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	out := make([]domain.Message, 0, len(models))
	for _, m := range models {
		out = append(out, messageFromModel(m))
	}
	return out, nil
}

// LoadNotifications returns the user's notifications, newest first.
func (s *GormSource) LoadNotifications(ctx context.Context, user domain.User) ([]domain.Notification, error) {
	var models []NotificationModel
	err := s.db.WithContext(ctx).
		Where("user_id = ?", user.ID).
		Order("created_at DESC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("load notifications: %w", err)
	}
	out := make([]domain.Notification, 0, len(models))
	for _, m := range models {
		out = append(out, notificationFromModel(m))
	}
	return out, nil
}

// SaveUser registers or updates a user.
func (s *GormSource) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "email", "role", "avatar_url"}),
	}).Create(&model).Error
}

// SaveDeal upserts the deal row and inserts any documents not yet stored.
func (s *GormSource) SaveDeal(ctx context.Context, d domain.Deal) error {
	model := dealToModel(d)
	docs := model.Documents
	model.Documents = nil
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "description", "current_price", "status", "seller_id", "updated_at"}),
		}).Create(&model).Error
		if err != nil {
			return fmt.Errorf("save deal: %w", err)
		}
		if len(docs) == 0 {
			return nil
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&docs).Error; err != nil {
			return fmt.Errorf("save documents: %w", err)
		}
		return nil
	})
}

func (s *GormSource) AppendMessage(ctx context.Context, msg domain.Message) error {
	model := messageToModel(msg)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *GormSource) SaveNotification(ctx context.Context, userID string, n domain.Notification) error {
	model := notificationToModel(userID, n)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "message", "type", "deal_id", "read"}),
	}).Create(&model).Error
}

func (s *GormSource) MarkNotificationsRead(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("user_id = ? AND id IN ?", userID, ids).
		Update("read", true).Error
}

// Seed inserts the given collections, skipping rows that already exist. Each
// notification is seeded for every user in users.
func (s *GormSource) Seed(ctx context.Context, users []domain.User, deals []domain.Deal, messages []domain.Message, notifications []domain.Notification) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		skip := func(v any) error {
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(v).Error
		}
		for _, u := range users {
			m := userToModel(u)
			if err := skip(&m); err != nil {
				return fmt.Errorf("seed user %s: %w", u.ID, err)
			}
		}
		for _, d := range deals {
			m := dealToModel(d)
			docs := m.Documents
			m.Documents = nil
			if err := skip(&m); err != nil {
				return fmt.Errorf("seed deal %s: %w", d.ID, err)
			}
			if len(docs) > 0 {
				if err := skip(&docs); err != nil {
					return fmt.Errorf("seed documents of %s: %w", d.ID, err)
				}
			}
		}
		for _, msg := range messages {
			m := messageToModel(msg)
			if err := skip(&m); err != nil {
				return fmt.Errorf("seed message %s: %w", msg.ID, err)
			}
		}
		for _, u := range users {
			for _, n := range notifications {
				m := notificationToModel(u.ID, n)
				if err := skip(&m); err != nil {
					return fmt.Errorf("seed notification %s for %s: %w", n.ID, u.ID, err)
				}
			}
		}
		return nil
	})
}
