package messagelog

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestRecord(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec("INSERT INTO pipeline_runs").
		WithArgs(pgxmock.AnyArg(), "5511999990000", "text", "greeting", "dispatched", "Olá Ana!", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := NewStore(mock)
	err = store.Record(context.Background(), Run{
		Phone:        "5511999990000",
		InboundKind:  "text",
		Intent:       "greeting",
		State:        "dispatched",
		ReplyPreview: "Olá Ana!",
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecordTruncatesPreview(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	truncated := string(long[:replyPreviewLimit])

	mock.ExpectExec("INSERT INTO pipeline_runs").
		WithArgs(pgxmock.AnyArg(), "5511999990000", "text", "general", "dispatched", truncated, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := NewStore(mock)
	err = store.Record(context.Background(), Run{
		Phone:        "5511999990000",
		InboundKind:  "text",
		Intent:       "general",
		State:        "dispatched",
		ReplyPreview: string(long),
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecordTruncatesOnRuneBoundary(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	// 119 ASCII bytes followed by accented text: a byte-level cut at the
	// limit would land inside the two-byte "ç".
	preview := strings.Repeat("a", replyPreviewLimit-1) + "ção"
	want := strings.Repeat("a", replyPreviewLimit-1)

	mock.ExpectExec("INSERT INTO pipeline_runs").
		WithArgs(pgxmock.AnyArg(), "5511999990000", "text", "general", "dispatched", want, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := NewStore(mock)
	err = store.Record(context.Background(), Run{
		Phone:        "5511999990000",
		InboundKind:  "text",
		Intent:       "general",
		State:        "dispatched",
		ReplyPreview: preview,
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if !utf8.ValidString(want) {
		t.Errorf("truncated preview is not valid UTF-8")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTruncatePreview(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short untouched", "Olá Ana!", "Olá Ana!"},
		{"ascii cut at limit", strings.Repeat("x", 200), strings.Repeat("x", replyPreviewLimit)},
		{"emoji straddling limit", strings.Repeat("b", replyPreviewLimit-2) + "😊fim", strings.Repeat("b", replyPreviewLimit-2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncatePreview(tt.in)
			if got != tt.want {
				t.Errorf("truncatePreview: got %d bytes %q, want %q", len(got), got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("result is not valid UTF-8: %q", got)
			}
		})
	}
}

func TestRecent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{"id", "phone", "inbound_kind", "intent", "state", "reply_preview", "created_at"}).
		AddRow("r2", "5511999990000", "audio", "general", "dispatched", "Claro!", now).
		AddRow("r1", "5511999990000", "text", "greeting", "dispatched", "Olá Ana!", now.Add(-time.Minute))

	mock.ExpectQuery("SELECT id, phone, inbound_kind, intent, state, reply_preview, created_at").
		WithArgs("5511999990000", 10).
		WillReturnRows(rows)

	store := NewStore(mock)
	runs, err := store.Recent(context.Background(), "5511999990000", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "r2" || runs[0].InboundKind != "audio" {
		t.Errorf("unexpected first run %+v", runs[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
