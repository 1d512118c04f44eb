package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/karollearning/karol-assistant/internal/student"
	"github.com/karollearning/karol-assistant/pkg/logging"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *AsaasClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewAsaasClient("key", srv.URL, time.Second, logging.Default())
	c.now = func() time.Time { return time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC) }
	return c
}

func paymentJSON(id string, value float64, due, status string) map[string]any {
	return map[string]any{
		"id": id, "value": value, "dueDate": due, "status": status,
		"invoiceUrl": "https://asaas.test/i/" + id, "bankSlipUrl": "https://asaas.test/b/" + id,
	}
}

func TestFindOpenChargePrefersTaxIDAndEarliestDueDate(t *testing.T) {
	var lookups []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/customers":
			lookups = append(lookups, r.URL.RawQuery)
			if r.URL.Query().Get("cpfCnpj") == "12345678900" {
				_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{map[string]any{"id": "cus_1"}}})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
		case "/payments":
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{
				paymentJSON("pay_late", 350, "2024-06-20", "PENDING"),
				paymentJSON("pay_settled", 350, "2024-04-01", "CONFIRMED"),
				paymentJSON("pay_next", 350, "2024-05-13", "PENDING"),
				paymentJSON("pay_overdue", 350, "2024-05-01", "PENDING"),
			}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	rec := &student.Record{TaxID: "123.456.789-00", Email: "ana@example.com"}
	charge, err := c.FindOpenCharge(context.Background(), rec)
	if err != nil {
		t.Fatalf("find open charge: %v", err)
	}
	if charge == nil {
		t.Fatal("expected an open charge")
	}
	if charge.ID != "pay_next" {
		t.Fatalf("expected earliest open charge, got %s", charge.ID)
	}
	if len(lookups) != 1 {
		t.Fatalf("expected a single customer lookup by cpf, got %v", lookups)
	}
}

func TestFindOpenChargeFallsBackToEmail(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/customers":
			if r.URL.Query().Get("email") == "ana@example.com" {
				_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{map[string]any{"id": "cus_2"}}})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
		case "/payments":
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{
				paymentJSON("pay_1", 420, "2024-05-13", "RECEIVED"),
			}})
		}
	})

	charge, err := c.FindOpenCharge(context.Background(), &student.Record{TaxID: "999", Email: "ana@example.com"})
	if err != nil {
		t.Fatalf("find open charge: %v", err)
	}
	if charge == nil || charge.ID != "pay_1" {
		t.Fatalf("expected email-resolved charge, got %+v", charge)
	}
}

func TestFindOpenChargeNoneOpen(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/customers":
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{map[string]any{"id": "cus_1"}}})
		case "/payments":
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{
				paymentJSON("pay_old", 350, "2024-01-01", "PENDING"),
			}})
		}
	})

	charge, err := c.FindOpenCharge(context.Background(), &student.Record{Email: "ana@example.com"})
	if err != nil {
		t.Fatalf("find open charge: %v", err)
	}
	if charge != nil {
		t.Fatalf("expected no open charge, got %+v", charge)
	}
}

func TestChargesByEmailUnknownCustomer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	})

	charges, err := c.ChargesByEmail(context.Background(), "ghost@example.com")
	if err != nil {
		t.Fatalf("charges by email: %v", err)
	}
	if charges != nil {
		t.Fatalf("expected nil charges, got %v", charges)
	}
}

func TestChargeOpen(t *testing.T) {
	today := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)
	cases := []struct {
		charge Charge
		want   bool
	}{
		{Charge{Status: StatusPending, DueDate: "2024-05-10"}, true},
		{Charge{Status: StatusPending, DueDate: "2024-05-09"}, false},
		{Charge{Status: StatusReceived, DueDate: "2024-06-01"}, true},
		{Charge{Status: "CONFIRMED", DueDate: "2024-06-01"}, false},
		{Charge{Status: StatusPending, DueDate: "not-a-date"}, false},
	}
	for _, tc := range cases {
		if got := tc.charge.Open(today); got != tc.want {
			t.Fatalf("Open(%+v) = %v, want %v", tc.charge, got, tc.want)
		}
	}
}

func TestChargeOpenUsesBrazilLocalDay(t *testing.T) {
	// Asaas due dates are São Paulo calendar dates. Shortly after UTC
	// midnight it is still the previous evening in Brazil, so a charge due
	// "yesterday" in UTC terms is still open.
	charge := Charge{Status: StatusPending, DueDate: "2024-05-10"}

	afterUTCMidnight := time.Date(2024, 5, 11, 1, 0, 0, 0, time.UTC) // 22:00 May 10 in São Paulo
	if !charge.Open(afterUTCMidnight) {
		t.Errorf("charge due today in São Paulo reported overdue")
	}

	afterLocalMidnight := time.Date(2024, 5, 11, 4, 0, 0, 0, time.UTC) // 01:00 May 11 in São Paulo
	if charge.Open(afterLocalMidnight) {
		t.Errorf("charge overdue in São Paulo reported open")
	}
}
