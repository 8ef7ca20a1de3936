package app

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"dealroom/pkg/domain"
)

func TestCreateDealStartsPendingAtInitialPrice(t *testing.T) {
	ws := loggedInWorkspace(t, Config{})
	for _, price := range []float64{0, 1, 10000, 99999.99} {
		deal, err := ws.Deals.CreateDeal(context.Background(), "T", "D", price)
		if err != nil {
			t.Fatalf("create deal at %v: %v", price, err)
		}
		if deal.CurrentPrice != price || deal.InitialPrice != price {
			t.Fatalf("expected prices %v, got %v/%v", price, deal.InitialPrice, deal.CurrentPrice)
		}
		if deal.Status != domain.StatusPending {
			t.Fatalf("expected pending, got %q", deal.Status)
		}
		if deal.BuyerID != "user-1" || deal.Buyer.ID != "user-1" || deal.Seller != nil {
			t.Fatalf("unexpected participants: %+v", deal)
		}
		if !deal.CreatedAt.Equal(deal.UpdatedAt) || len(deal.Documents) != 0 {
			t.Fatalf("unexpected new deal shape: %+v", deal)
		}
	}
	deals := ws.Deals.Deals()
	if last := deals[len(deals)-1]; last.InitialPrice != 99999.99 {
		t.Fatalf("expected deals appended in order, last is %+v", last)
	}
}

func TestCreateDealRejectsInvalidInitialPrice(t *testing.T) {
	ws := loggedInWorkspace(t, Config{})
	for _, price := range []float64{-1, math.NaN(), math.Inf(1)} {
		if _, err := ws.Deals.CreateDeal(context.Background(), "T", "D", price); !errors.Is(err, ErrInvalidPrice) {
			t.Fatalf("create at %v: expected ErrInvalidPrice, got %v", price, err)
		}
	}
	if len(ws.Deals.Deals()) != 4 {
		t.Fatalf("expected no deal appended")
	}
}

func TestNegotiationScenario(t *testing.T) {
	ctx := context.Background()
	ws := loggedInWorkspace(t, Config{})

	deal, err := ws.Deals.CreateDeal(ctx, "Laptop Purchase", "50 units", 10000)
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	if deal.Status != domain.StatusPending || deal.CurrentPrice != 10000 {
		t.Fatalf("unexpected new deal: %+v", deal)
	}

	if _, err := ws.Deals.UpdateDealStatus(ctx, deal.ID, domain.StatusInProgress); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ := ws.Deals.GetDealByID(deal.ID)
	if got.Status != domain.StatusInProgress {
		t.Fatalf("expected in_progress, got %q", got.Status)
	}

	if _, err := ws.Deals.UpdateDealPrice(ctx, deal.ID, 9500); err != nil {
		t.Fatalf("update price: %v", err)
	}
	got, _ = ws.Deals.GetDealByID(deal.ID)
	if got.CurrentPrice != 9500 || got.InitialPrice != 10000 {
		t.Fatalf("unexpected prices after update: %v/%v", got.InitialPrice, got.CurrentPrice)
	}

	if _, err := ws.Deals.SendMessage(ctx, deal.ID, "Can we settle at 9000?"); err != nil {
		t.Fatalf("send message: %v", err)
	}
	msgs := ws.Deals.GetMessagesForDeal(deal.ID)
	if len(msgs) != 1 || msgs[0].Content != "Can we settle at 9000?" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if msgs[0].Read || msgs[0].SenderID != "user-1" || msgs[0].Sender.Name != "John Buyer" {
		t.Fatalf("unexpected message fields: %+v", msgs[0])
	}
}

func TestUpdateDealPriceRejectsInvalidPrices(t *testing.T) {
	ws := loggedInWorkspace(t, Config{})
	for _, price := range []float64{-5, math.NaN(), 0, math.Inf(1), math.Inf(-1)} {
		if _, err := ws.Deals.UpdateDealPrice(context.Background(), "deal-1", price); !errors.Is(err, ErrInvalidPrice) {
			t.Fatalf("price %v: expected ErrInvalidPrice, got %v", price, err)
		}
		got, _ := ws.Deals.GetDealByID("deal-1")
		if got.CurrentPrice != 47500 {
			t.Fatalf("price %v changed current price to %v", price, got.CurrentPrice)
		}
	}
}

func TestUpdateDealStatusValidation(t *testing.T) {
	ws := loggedInWorkspace(t, Config{})
	if _, err := ws.Deals.UpdateDealStatus(context.Background(), "deal-404", domain.StatusCompleted); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := ws.Deals.UpdateDealStatus(context.Background(), "deal-1", "archived"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	// Any-to-any by default, including reopening a cancelled deal.
	deal, err := ws.Deals.UpdateDealStatus(context.Background(), "deal-4", domain.StatusPending)
	if err != nil || deal.Status != domain.StatusPending {
		t.Fatalf("expected reopen to succeed, got %+v err=%v", deal, err)
	}
}

func TestStrictTransitions(t *testing.T) {
	ws := loggedInWorkspace(t, Config{StrictTransitions: true})
	ctx := context.Background()

	cases := []struct {
		dealID string
		to     domain.DealStatus
		ok     bool
	}{
		{"deal-2", domain.StatusCompleted, false}, // pending -> completed
		{"deal-2", domain.StatusInProgress, true},
		{"deal-2", domain.StatusPending, false},
		{"deal-2", domain.StatusCompleted, true},
		{"deal-3", domain.StatusInProgress, false}, // completed is terminal
		{"deal-4", domain.StatusPending, false},    // cancelled is terminal
		{"deal-1", domain.StatusCancelled, true},
	}
	for _, tc := range cases {
		_, err := ws.Deals.UpdateDealStatus(ctx, tc.dealID, tc.to)
		if tc.ok && err != nil {
			t.Fatalf("%s -> %s: unexpected error %v", tc.dealID, tc.to, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s -> %s: expected ErrInvalidTransition, got %v", tc.dealID, tc.to, err)
		}
	}
}

func TestUpdatedAtNeverMovesBackwards(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{times: []time.Time{
		base,                    // restore event
		base,                    // login event
		base.Add(time.Hour),     // create
		base.Add(time.Hour),     // create event
		base.Add(-time.Hour),    // status: clock went backwards
		base.Add(-time.Hour),    // status event
		base.Add(2 * time.Hour), // price
		base.Add(2 * time.Hour), // price event
		base.Add(3 * time.Hour), // upload doc timestamp
		base.Add(3 * time.Hour), // upload updatedAt
	}}
	ws := loggedInWorkspace(t, Config{Now: clock.Now})
	ctx := context.Background()

	deal, err := ws.Deals.CreateDeal(ctx, "T", "D", 10)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	prev := deal.UpdatedAt

	afterStatus, err := ws.Deals.UpdateDealStatus(ctx, deal.ID, domain.StatusInProgress)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if afterStatus.UpdatedAt.Before(prev) {
		t.Fatalf("updatedAt moved backwards: %v -> %v", prev, afterStatus.UpdatedAt)
	}
	prev = afterStatus.UpdatedAt

	afterPrice, err := ws.Deals.UpdateDealPrice(ctx, deal.ID, 20)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !afterPrice.UpdatedAt.After(prev) {
		t.Fatalf("expected updatedAt to advance: %v -> %v", prev, afterPrice.UpdatedAt)
	}
	prev = afterPrice.UpdatedAt

	if _, err := ws.Deals.UploadDocument(ctx, deal.ID, Upload{Name: "a.pdf"}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	got, _ := ws.Deals.GetDealByID(deal.ID)
	if got.UpdatedAt.Before(prev) {
		t.Fatalf("updatedAt moved backwards after upload: %v -> %v", prev, got.UpdatedAt)
	}
	if !got.CreatedAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("createdAt changed: %v", got.CreatedAt)
	}
}

func TestSendMessageValidation(t *testing.T) {
	ws := loggedInWorkspace(t, Config{})
	before := len(ws.Deals.GetMessagesForDeal("deal-1"))

	for _, content := range []string{"", "   ", "\n\t "} {
		if _, err := ws.Deals.SendMessage(context.Background(), "deal-1", content); !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("content %q: expected ErrEmptyMessage, got %v", content, err)
		}
	}
	if _, err := ws.Deals.SendMessage(context.Background(), "deal-404", "hi"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown deal, got %v", err)
	}
	if after := len(ws.Deals.GetMessagesForDeal("deal-1")); after != before {
		t.Fatalf("message count changed from %d to %d", before, after)
	}

	msg, err := ws.Deals.SendMessage(context.Background(), "deal-1", "  trimmed  ")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Content != "trimmed" {
		t.Fatalf("expected trimmed content, got %q", msg.Content)
	}
	msgs := ws.Deals.GetMessagesForDeal("deal-1")
	if len(msgs) != before+1 || msgs[len(msgs)-1].ID != msg.ID {
		t.Fatalf("expected message appended last")
	}
}

func TestUploadTwoDocumentsGetsUniqueIDs(t *testing.T) {
	ws := loggedInWorkspace(t, Config{})
	deal, _ := ws.Deals.CreateDeal(context.Background(), "T", "D", 10)

	a, err := ws.Deals.UploadDocument(context.Background(), deal.ID, Upload{Name: "nda.pdf"})
	if err != nil {
		t.Fatalf("upload a: %v", err)
	}
	b, err := ws.Deals.UploadDocument(context.Background(), deal.ID, Upload{Name: "terms.docx", ContentType: "application/custom"})
	if err != nil {
		t.Fatalf("upload b: %v", err)
	}
	got, _ := ws.Deals.GetDealByID(deal.ID)
	if len(got.Documents) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(got.Documents))
	}
	if a.ID == b.ID {
		t.Fatalf("expected unique document ids")
	}
	if a.URL != "#" || a.Type != "application/pdf" || a.UploadedBy != "user-1" || a.DealID != deal.ID {
		t.Fatalf("unexpected document a: %+v", a)
	}
	if b.Type != "application/custom" {
		t.Fatalf("expected declared content type kept, got %q", b.Type)
	}
}

func TestUploadDocumentRejectsBadNames(t *testing.T) {
	ws := loggedInWorkspace(t, Config{})
	for _, name := range []string{"", "   ", "..", "/"} {
		if _, err := ws.Deals.UploadDocument(context.Background(), "deal-1", Upload{Name: name}); !errors.Is(err, ErrInvalidDocument) {
			t.Fatalf("name %q: expected ErrInvalidDocument, got %v", name, err)
		}
	}
	doc, err := ws.Deals.UploadDocument(context.Background(), "deal-1", Upload{Name: `..\..\etc\passwd`})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if doc.Name != "passwd" {
		t.Fatalf("expected directory parts stripped, got %q", doc.Name)
	}
}

func TestUploadDocumentStoresBytes(t *testing.T) {
	docs := newMemoryDocuments()
	ws := loggedInWorkspace(t, Config{Documents: docs})

	doc, err := ws.Deals.UploadDocument(context.Background(), "deal-2", Upload{
		Name: "quote.txt",
		Size: 5,
		Body: strings.NewReader("hello"),
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	want := "deals/deal-2/" + doc.ID + "/quote.txt"
	if doc.URL != want {
		t.Fatalf("unexpected locator %q, want %q", doc.URL, want)
	}
	if string(docs.objects[want]) != "hello" {
		t.Fatalf("unexpected stored bytes: %q", docs.objects[want])
	}
	if doc.Size != 5 {
		t.Fatalf("unexpected size: %d", doc.Size)
	}
}

func TestUploadCleansUpWhenCommitFails(t *testing.T) {
	docs := newMemoryDocuments()
	p := &failingPersister{}
	ws := loggedInWorkspace(t, Config{Documents: docs, Persister: p})
	p.arm()

	_, err := ws.Deals.UploadDocument(context.Background(), "deal-1", Upload{Name: "x.pdf", Body: strings.NewReader("x")})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected persister error, got %v", err)
	}
	if len(docs.objects) != 0 || len(docs.deleted) != 1 {
		t.Fatalf("expected stored object removed, objects=%d deleted=%v", len(docs.objects), docs.deleted)
	}
	got, _ := ws.Deals.GetDealByID("deal-1")
	if len(got.Documents) != 2 {
		t.Fatalf("expected documents unchanged, got %d", len(got.Documents))
	}
}

func TestMutationsRequireIdentity(t *testing.T) {
	ws := newWorkspace(t, Config{})
	ctx := context.Background()

	ops := map[string]func() error{
		"create": func() error { _, err := ws.Deals.CreateDeal(ctx, "T", "D", 1); return err },
		"status": func() error { _, err := ws.Deals.UpdateDealStatus(ctx, "deal-1", domain.StatusCompleted); return err },
		"price":  func() error { _, err := ws.Deals.UpdateDealPrice(ctx, "deal-1", 1); return err },
		"send":   func() error { _, err := ws.Deals.SendMessage(ctx, "deal-1", "hi"); return err },
		"upload": func() error { _, err := ws.Deals.UploadDocument(ctx, "deal-1", Upload{Name: "a.pdf"}); return err },
		"push": func() error {
			_, err := ws.Notifications.Push(ctx, domain.Notification{Type: domain.NotificationDeal})
			return err
		},
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("%s: expected ErrUnauthenticated, got %v", name, err)
		}
	}
}

func TestPersisterFailureLeavesDealsUnchanged(t *testing.T) {
	p := &failingPersister{}
	ws := loggedInWorkspace(t, Config{Persister: p})
	ctx := context.Background()
	p.arm()

	if _, err := ws.Deals.CreateDeal(ctx, "T", "D", 1); !errors.Is(err, errBoom) {
		t.Fatalf("create: expected errBoom, got %v", err)
	}
	if _, err := ws.Deals.UpdateDealPrice(ctx, "deal-1", 1); !errors.Is(err, errBoom) {
		t.Fatalf("price: expected errBoom, got %v", err)
	}
	if _, err := ws.Deals.SendMessage(ctx, "deal-1", "hi"); !errors.Is(err, errBoom) {
		t.Fatalf("send: expected errBoom, got %v", err)
	}
	if len(ws.Deals.Deals()) != 4 {
		t.Fatalf("expected no deal appended")
	}
	got, _ := ws.Deals.GetDealByID("deal-1")
	if got.CurrentPrice != 47500 {
		t.Fatalf("expected price unchanged, got %v", got.CurrentPrice)
	}
	if len(ws.Deals.GetMessagesForDeal("deal-1")) != 5 {
		t.Fatalf("expected messages unchanged")
	}
}

func TestCancelledLatencyLeavesStateUnchanged(t *testing.T) {
	ws := loggedInWorkspace(t, Config{Latency: SimulatedLatency{OpUpdatePrice: time.Hour}})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := ws.Deals.UpdateDealPrice(ctx, "deal-1", 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	got, _ := ws.Deals.GetDealByID("deal-1")
	if got.CurrentPrice != 47500 {
		t.Fatalf("expected price unchanged, got %v", got.CurrentPrice)
	}
}

func TestGettersReturnCopies(t *testing.T) {
	ws := loggedInWorkspace(t, Config{})
	deal, _ := ws.Deals.GetDealByID("deal-1")
	deal.Documents[0].Name = "mutated"
	deal.Seller.Name = "mutated"
	deals := ws.Deals.Deals()
	deals[0].Title = "mutated"

	again, _ := ws.Deals.GetDealByID("deal-1")
	if again.Documents[0].Name == "mutated" || again.Seller.Name == "mutated" || again.Title == "mutated" {
		t.Fatalf("store state mutated through returned copy: %+v", again)
	}
}

func TestDealEventsPublished(t *testing.T) {
	pub := &recordingPublisher{}
	ws := loggedInWorkspace(t, Config{Publisher: pub})
	ctx := context.Background()
	deal, _ := ws.Deals.CreateDeal(ctx, "T", "D", 5)
	_, _ = ws.Deals.UpdateDealStatus(ctx, deal.ID, domain.StatusInProgress)
	_, _ = ws.Deals.UpdateDealPrice(ctx, deal.ID, 6)
	_, _ = ws.Deals.SendMessage(ctx, deal.ID, "hi")
	_, _ = ws.Deals.UploadDocument(ctx, deal.ID, Upload{Name: "a.pdf"})
	_, _ = ws.Deals.UpdateDealPrice(ctx, deal.ID, -1)

	want := []domain.EventType{
		domain.EventDealCreated,
		domain.EventDealStatus,
		domain.EventDealPrice,
		domain.EventMessageSent,
		domain.EventDocumentUploaded,
	}
	got := pub.types()
	got = got[len(got)-len(want):]
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %q want %q (all: %v)", i, got[i], want[i], pub.types())
		}
	}
}
