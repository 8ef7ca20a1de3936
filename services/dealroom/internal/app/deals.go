package app

import (
	"context"
	"fmt"
	"io"
	"math"
	"mime"
	"path"
	"strings"
	"sync"
	"time"

	"dealroom/internal/util"
	"dealroom/pkg/domain"
	"dealroom/services/dealroom/internal/store"
)

// Upload is a document handed to UploadDocument. Body may be nil when only
// metadata is recorded.
type Upload struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// PlaceholderLocator is the document URL used when no storage is configured.
const PlaceholderLocator = "#"

// DealStore owns the deal and message collections of the current identity.
type DealStore struct {
	source    store.DataSource
	persister store.Persister
	documents DocumentStorage
	latency   Latency
	publisher Publisher
	observer  Observer
	now       func() time.Time
	strict    bool

	mu       sync.RWMutex
	gen      uint64
	identity *domain.User
	deals    []domain.Deal
	messages []domain.Message
}

// IdentityChanged resets both collections and, for a non-nil user, reloads
// them from the data source. Records committed while the load is in flight
// are kept after the loaded ones. A load failure leaves only those records.
func (d *DealStore) IdentityChanged(ctx context.Context, user *domain.User) error {
	d.mu.Lock()
	d.gen++
	gen := d.gen
	d.identity = user
	d.deals, d.messages = nil, nil
	d.mu.Unlock()

	if user == nil {
		return nil
	}
	deals, err := d.source.LoadDeals(ctx, *user)
	if err != nil {
		return fmt.Errorf("load deals: %w", err)
	}
	messages, err := d.source.LoadMessages(ctx, *user)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen != gen {
		// superseded by a later identity change
		return nil
	}
	d.deals = mergeByID(deals, d.deals, func(deal domain.Deal) string { return deal.ID })
	d.messages = mergeByID(messages, d.messages, func(m domain.Message) string { return m.ID })
	return nil
}

// mergeByID appends recent to loaded. A recent record replaces the loaded one
// with the same id in place.
func mergeByID[T any](loaded, recent []T, id func(T) string) []T {
	if len(recent) == 0 {
		return loaded
	}
	pos := make(map[string]int, len(loaded))
	for i, item := range loaded {
		pos[id(item)] = i
	}
	for _, item := range recent {
		if i, ok := pos[id(item)]; ok {
			loaded[i] = item
			continue
		}
		pos[id(item)] = len(loaded)
		loaded = append(loaded, item)
	}
	return loaded
}

// Deals returns a snapshot of all deals in insertion order.
func (d *DealStore) Deals() []domain.Deal {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.Deal, 0, len(d.deals))
	for _, deal := range d.deals {
		out = append(out, deal.Clone())
	}
	return out
}

// GetDealByID looks a deal up without side effects.
func (d *DealStore) GetDealByID(id string) (domain.Deal, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i := d.indexOf(id)
	if i < 0 {
		return domain.Deal{}, false
	}
	return d.deals[i].Clone(), true
}

// GetMessagesForDeal returns the deal's messages in the order they were sent.
func (d *DealStore) GetMessagesForDeal(id string) []domain.Message {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return MessagesForDeal(d.messages, id)
}

func (d *DealStore) CreateDeal(ctx context.Context, title, description string, initialPrice float64) (deal domain.Deal, err error) {
	defer d.observe(OpCreateDeal, time.Now(), &err)
	if _, err := d.requireIdentity(); err != nil {
		return domain.Deal{}, err
	}
	if !finite(initialPrice) || initialPrice < 0 {
		return domain.Deal{}, fmt.Errorf("initial price %v: %w", initialPrice, ErrInvalidPrice)
	}
	if err := d.latency.Wait(ctx, OpCreateDeal); err != nil {
		return domain.Deal{}, err
	}

	err = d.commit(func() error {
		if d.identity == nil {
			return ErrUnauthenticated
		}
		now := d.now()
		deal = domain.Deal{
			ID:           util.NewID("deal"),
			Title:        title,
			Description:  description,
			InitialPrice: initialPrice,
			CurrentPrice: initialPrice,
			Status:       domain.StatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
			BuyerID:      d.identity.ID,
			Buyer:        *d.identity,
			Documents:    []domain.Document{},
		}
		if err := d.persistDeal(ctx, deal); err != nil {
			return err
		}
		d.deals = append(d.deals, deal)
		return nil
	})
	if err != nil {
		return domain.Deal{}, err
	}
	d.publish(domain.EventDealCreated, deal.ID, deal)
	return deal.Clone(), nil
}

// UpdateDealStatus replaces the deal's status. Any status may follow any other
// unless strict transitions are enabled.
func (d *DealStore) UpdateDealStatus(ctx context.Context, dealID string, status domain.DealStatus) (deal domain.Deal, err error) {
	defer d.observe(OpUpdateStatus, time.Now(), &err)
	if err := d.precheck(dealID); err != nil {
		return domain.Deal{}, err
	}
	if !status.Valid() {
		return domain.Deal{}, fmt.Errorf("status %q: %w", status, ErrInvalidStatus)
	}
	if err := d.latency.Wait(ctx, OpUpdateStatus); err != nil {
		return domain.Deal{}, err
	}

	err = d.mutateDeal(ctx, dealID, func(deal *domain.Deal) error {
		if d.strict && !transitionAllowed(deal.Status, status) {
			return fmt.Errorf("%s -> %s: %w", deal.Status, status, ErrInvalidTransition)
		}
		deal.Status = status
		return nil
	}, &deal)
	if err != nil {
		return domain.Deal{}, err
	}
	d.publish(domain.EventDealStatus, deal.ID, deal)
	return deal, nil
}

// UpdateDealPrice overwrites the current price; the initial price is never touched.
func (d *DealStore) UpdateDealPrice(ctx context.Context, dealID string, price float64) (deal domain.Deal, err error) {
	defer d.observe(OpUpdatePrice, time.Now(), &err)
	if err := d.precheck(dealID); err != nil {
		return domain.Deal{}, err
	}
	if !finite(price) || price <= 0 {
		return domain.Deal{}, fmt.Errorf("price %v: %w", price, ErrInvalidPrice)
	}
	if err := d.latency.Wait(ctx, OpUpdatePrice); err != nil {
		return domain.Deal{}, err
	}

	err = d.mutateDeal(ctx, dealID, func(deal *domain.Deal) error {
		deal.CurrentPrice = price
		return nil
	}, &deal)
	if err != nil {
		return domain.Deal{}, err
	}
	d.publish(domain.EventDealPrice, deal.ID, deal)
	return deal, nil
}

// SendMessage appends an unread message from the current identity.
func (d *DealStore) SendMessage(ctx context.Context, dealID, content string) (msg domain.Message, err error) {
	defer d.observe(OpSendMessage, time.Now(), &err)
	if _, err := d.requireIdentity(); err != nil {
		return domain.Message{}, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, ErrEmptyMessage
	}
	if err := d.precheck(dealID); err != nil {
		return domain.Message{}, err
	}
	if err := d.latency.Wait(ctx, OpSendMessage); err != nil {
		return domain.Message{}, err
	}

	err = d.commit(func() error {
		if d.identity == nil {
			return ErrUnauthenticated
		}
		if d.indexOf(dealID) < 0 {
			return fmt.Errorf("deal %s: %w", dealID, ErrNotFound)
		}
		msg = domain.Message{
			ID:       util.NewID("msg"),
			Content:  content,
			SentAt:   d.now(),
			SenderID: d.identity.ID,
			DealID:   dealID,
			Sender:   *d.identity,
		}
		if d.persister != nil {
			if err := d.persister.AppendMessage(ctx, msg); err != nil {
				return fmt.Errorf("append message: %w", err)
			}
		}
		d.messages = append(d.messages, msg)
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	d.publish(domain.EventMessageSent, dealID, msg)
	return msg, nil
}

// UploadDocument stores the bytes when document storage is configured and
// attaches the document to the deal.
func (d *DealStore) UploadDocument(ctx context.Context, dealID string, up Upload) (doc domain.Document, err error) {
	defer d.observe(OpUploadDocument, time.Now(), &err)
	if err := d.precheck(dealID); err != nil {
		return domain.Document{}, err
	}
	name := sanitizeFileName(up.Name)
	if name == "" {
		return domain.Document{}, fmt.Errorf("file name %q: %w", up.Name, ErrInvalidDocument)
	}
	if err := d.latency.Wait(ctx, OpUploadDocument); err != nil {
		return domain.Document{}, err
	}

	doc = domain.Document{
		ID:     util.NewID("doc"),
		Name:   name,
		URL:    PlaceholderLocator,
		Type:   contentTypeFor(name, up.ContentType),
		Size:   up.Size,
		DealID: dealID,
	}
	stored := ""
	if d.documents != nil && up.Body != nil {
		key := path.Join("deals", dealID, doc.ID, name)
		if err := d.documents.Put(ctx, key, up.Body, up.Size, doc.Type); err != nil {
			return domain.Document{}, fmt.Errorf("store document: %w", err)
		}
		stored = key
		doc.URL = key
	}

	var updated domain.Deal
	err = d.mutateDeal(ctx, dealID, func(deal *domain.Deal) error {
		doc.UploadedAt = d.now()
		doc.UploadedBy = d.identity.ID
		deal.Documents = append(deal.Documents, doc)
		return nil
	}, &updated)
	if err != nil {
		if stored != "" {
			if derr := d.documents.Delete(context.WithoutCancel(ctx), stored); derr != nil {
				util.LoggerFromContext(ctx).Warn("orphaned document cleanup failed", "key", stored, "err", derr)
			}
		}
		return domain.Document{}, err
	}
	d.publish(domain.EventDocumentUploaded, dealID, doc)
	return doc, nil
}

// mutateDeal applies fn to a copy of the deal, refreshes UpdatedAt, persists
// the copy and only then replaces the stored deal.
func (d *DealStore) mutateDeal(ctx context.Context, dealID string, fn func(*domain.Deal) error, out *domain.Deal) error {
	return d.commit(func() error {
		if d.identity == nil {
			return ErrUnauthenticated
		}
		i := d.indexOf(dealID)
		if i < 0 {
			return fmt.Errorf("deal %s: %w", dealID, ErrNotFound)
		}
		updated := d.deals[i].Clone()
		if err := fn(&updated); err != nil {
			return err
		}
		updated.UpdatedAt = d.touch(d.deals[i].UpdatedAt)
		if err := d.persistDeal(ctx, updated); err != nil {
			return err
		}
		d.deals[i] = updated
		*out = updated.Clone()
		return nil
	})
}

func (d *DealStore) commit(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn()
}

func (d *DealStore) persistDeal(ctx context.Context, deal domain.Deal) error {
	if d.persister == nil {
		return nil
	}
	if err := d.persister.SaveDeal(ctx, deal); err != nil {
		return fmt.Errorf("save deal: %w", err)
	}
	return nil
}

func (d *DealStore) requireIdentity() (domain.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.identity == nil {
		return domain.User{}, ErrUnauthenticated
	}
	return *d.identity, nil
}

// precheck fails fast, before any latency, on a missing identity or deal.
func (d *DealStore) precheck(dealID string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.identity == nil {
		return ErrUnauthenticated
	}
	if d.indexOf(dealID) < 0 {
		return fmt.Errorf("deal %s: %w", dealID, ErrNotFound)
	}
	return nil
}

// indexOf must be called with d.mu held.
func (d *DealStore) indexOf(id string) int {
	for i := range d.deals {
		if d.deals[i].ID == id {
			return i
		}
	}
	return -1
}

// touch returns the new UpdatedAt, which never moves backwards.
func (d *DealStore) touch(prev time.Time) time.Time {
	now := d.now()
	if now.Before(prev) {
		return prev
	}
	return now
}

func (d *DealStore) publish(t domain.EventType, dealID string, payload any) {
	d.publisher.Publish(domain.Event{Type: t, DealID: dealID, At: d.now(), Payload: payload})
}

func (d *DealStore) observe(op Op, start time.Time, errp *error) {
	d.observer.ObserveOp(op, *errp, time.Since(start))
}

var strictTransitions = map[domain.DealStatus][]domain.DealStatus{
	domain.StatusPending:    {domain.StatusInProgress, domain.StatusCancelled},
	domain.StatusInProgress: {domain.StatusCompleted, domain.StatusCancelled},
}

// transitionAllowed reports whether from -> to is legal under strict
// transitions. Re-applying the current status is always allowed.
func transitionAllowed(from, to domain.DealStatus) bool {
	if from == to {
		return true
	}
	for _, next := range strictTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func sanitizeFileName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	name = path.Base(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

func contentTypeFor(name, declared string) string {
	if declared = strings.TrimSpace(declared); declared != "" {
		return declared
	}
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
