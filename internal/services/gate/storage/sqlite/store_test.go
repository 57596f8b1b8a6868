package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/verigate/verigate/internal/services/gate/domain"
	"github.com/verigate/verigate/internal/services/gate/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "gate.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func testOrder(id string, addr string, status domain.Status, createdAt time.Time) domain.Order {
	return domain.Order{
		ID:               id,
		Token:            "token-" + id,
		TenantID:         "tenant-1",
		Identity:         `{"name":"sample"}`,
		Total:            "99.00",
		Status:           status,
		Credential:       domain.Credential{Code: "4111111111111111", Expiry: "12/35", Secret: "123"},
		ClientAddr:       addr,
		ClientDescriptor: "test-agent",
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
}

func TestPutGetOrderRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	createdAt := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	order := testOrder("ord-1", "203.0.113.9", domain.StatusWaitingApproval, createdAt)
	order.SMSCode = "123456"
	order.PIN = "4321"
	if err := store.PutOrder(ctx, order); err != nil {
		t.Fatalf("put order: %v", err)
	}

	got, err := store.GetOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got != order {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, order)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetOrder(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutOrderUpdatesExisting(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	createdAt := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	order := testOrder("ord-1", "203.0.113.9", domain.StatusWaitingApproval, createdAt)
	if err := store.PutOrder(ctx, order); err != nil {
		t.Fatalf("put order: %v", err)
	}

	order.Status = domain.StatusApproved
	order.UpdatedAt = createdAt.Add(time.Minute)
	if err := store.PutOrder(ctx, order); err != nil {
		t.Fatalf("update order: %v", err)
	}

	got, err := store.GetOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != domain.StatusApproved {
		t.Fatalf("expected APPROVED, got %s", got.Status)
	}
	if got.UpdatedAt != order.UpdatedAt {
		t.Fatalf("expected updated timestamp, got %v", got.UpdatedAt)
	}
}

func TestPutOrderRejectsInvalidStatus(t *testing.T) {
	store := openTestStore(t)
	order := testOrder("ord-1", "203.0.113.9", domain.StatusWaitingApproval, time.Now())
	order.Status = domain.Status(99)
	if err := store.PutOrder(context.Background(), order); err == nil {
		t.Fatal("expected error for out-of-enum status")
	}
}

func TestFindActiveByAddressPicksNewestActive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	older := testOrder("ord-1", "203.0.113.9", domain.StatusWaitingApproval, base)
	newer := testOrder("ord-2", "203.0.113.9", domain.StatusApproved, base.Add(time.Minute))
	terminal := testOrder("ord-3", "203.0.113.9", domain.StatusCompleted, base.Add(2*time.Minute))
	other := testOrder("ord-4", "198.51.100.7", domain.StatusWaitingApproval, base.Add(3*time.Minute))

	for _, order := range []domain.Order{older, newer, terminal, other} {
		if err := store.PutOrder(ctx, order); err != nil {
			t.Fatalf("put %s: %v", order.ID, err)
		}
	}

	got, err := store.FindActiveByAddress(ctx, "203.0.113.9")
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if got.ID != "ord-2" {
		t.Fatalf("expected newest active ord-2, got %s", got.ID)
	}
}

func TestFindActiveByAddressSkipsTerminalStatuses(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	for i, status := range []domain.Status{domain.StatusCompleted, domain.StatusRejected, domain.StatusAutoRejected} {
		order := testOrder("ord-"+status.Label(), "203.0.113.9", status, base.Add(time.Duration(i)*time.Minute))
		if err := store.PutOrder(ctx, order); err != nil {
			t.Fatalf("put %s: %v", order.ID, err)
		}
	}

	if _, err := store.FindActiveByAddress(ctx, "203.0.113.9"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListRecentOrdersNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		order := testOrder(
			[]string{"ord-a", "ord-b", "ord-c"}[i],
			"203.0.113.9",
			domain.StatusWaitingApproval,
			base.Add(time.Duration(i)*time.Minute),
		)
		if err := store.PutOrder(ctx, order); err != nil {
			t.Fatalf("put order: %v", err)
		}
	}

	orders, err := store.ListRecentOrders(ctx, 2)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}
	if orders[0].ID != "ord-c" || orders[1].ID != "ord-b" {
		t.Fatalf("unexpected ordering: %s, %s", orders[0].ID, orders[1].ID)
	}
}

func TestCredentialAttemptHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	first := storage.CredentialAttempt{OrderID: "ord-1", Code: "4111111111111111", Expiry: "12/35", Secret: "123", CapturedAt: at}
	second := storage.CredentialAttempt{OrderID: "ord-1", Code: "5500005555555559", Expiry: "11/34", Secret: "456", CapturedAt: at.Add(time.Minute)}
	if err := store.AppendCredentialAttempt(ctx, first); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if err := store.AppendCredentialAttempt(ctx, second); err != nil {
		t.Fatalf("append second: %v", err)
	}

	attempts, err := store.ListCredentialAttempts(ctx, "ord-1")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0] != first || attempts[1] != second {
		t.Fatalf("unexpected attempts: %+v", attempts)
	}
}

func TestCodeAttemptHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	for i, code := range []string{"111111", "222222"} {
		attempt := storage.CodeAttempt{OrderID: "ord-1", Code: code, CapturedAt: at.Add(time.Duration(i) * time.Minute)}
		if err := store.AppendCodeAttempt(ctx, attempt); err != nil {
			t.Fatalf("append code attempt: %v", err)
		}
	}

	attempts, err := store.ListCodeAttempts(ctx, "ord-1")
	if err != nil {
		t.Fatalf("list code attempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].Code != "111111" || attempts[1].Code != "222222" {
		t.Fatalf("unexpected attempt order: %+v", attempts)
	}
}

func TestAppendRequiresPresence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AppendCredentialAttempt(ctx, storage.CredentialAttempt{Code: "4111111111111111"}); err == nil {
		t.Fatal("expected error for missing order id")
	}
	if err := store.AppendCredentialAttempt(ctx, storage.CredentialAttempt{OrderID: "ord-1"}); err == nil {
		t.Fatal("expected error for missing code")
	}
	if err := store.AppendCodeAttempt(ctx, storage.CodeAttempt{OrderID: "ord-1"}); err == nil {
		t.Fatal("expected error for missing code")
	}
}
