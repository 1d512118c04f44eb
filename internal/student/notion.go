package student

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/karollearning/karol-assistant/pkg/logging"
)

var notionTracer = otel.Tracer("karol.internal.student.notion")

const notionVersion = "2022-06-28"

// NotionDirectory resolves students from a Notion database.
type NotionDirectory struct {
	apiKey     string
	databaseID string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewNotionDirectory builds a directory client with a bounded call timeout.
func NewNotionDirectory(apiKey, databaseID string, timeout time.Duration, logger *logging.Logger) *NotionDirectory {
	if logger == nil {
		logger = logging.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NotionDirectory{
		apiKey:     apiKey,
		databaseID: databaseID,
		baseURL:    "https://api.notion.com/v1",
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

var _ Directory = (*NotionDirectory)(nil)

// FindByPhone queries the directory for a student whose phone contains the
// digits of the given number. No match returns (nil, nil).
func (d *NotionDirectory) FindByPhone(ctx context.Context, phone string) (*Record, error) {
	normalized := NormalizePhone(phone)
	if normalized == "" {
		return nil, nil
	}
	filter := map[string]any{
		"filter": map[string]any{
			"property":  "Telefone",
			"rich_text": map[string]any{"contains": normalized},
		},
	}
	return d.query(ctx, filter, "phone", normalized)
}

// FindByEmail queries the directory for a student by exact email match.
func (d *NotionDirectory) FindByEmail(ctx context.Context, email string) (*Record, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, nil
	}
	filter := map[string]any{
		"filter": map[string]any{
			"property": "Email",
			"email":    map[string]any{"equals": email},
		},
	}
	return d.query(ctx, filter, "email", email)
}

func (d *NotionDirectory) query(ctx context.Context, filter map[string]any, lookupKind, lookupValue string) (*Record, error) {
	ctx, span := notionTracer.Start(ctx, "student.notion.query")
	defer span.End()
	span.SetAttributes(attribute.String("karol.lookup_kind", lookupKind))

	body, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("student: encode notion filter: %w", err)
	}

	endpoint := fmt.Sprintf("%s/databases/%s/query", d.baseURL, d.databaseID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("student: build notion request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Notion-Version", notionVersion)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("student: notion query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := fmt.Errorf("student: notion query returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		span.RecordError(err)
		return nil, err
	}

	var parsed notionQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("student: decode notion response: %w", err)
	}
	if len(parsed.Results) == 0 {
		d.logger.Debug("student not found in directory", lookupKind, lookupValue)
		return nil, nil
	}

	page := parsed.Results[0]
	record := &Record{
		ID:     page.ID,
		Name:   page.Properties.Name.titleText(),
		Email:  page.Properties.Email.Email,
		Phone:  page.Properties.Phone.richText(),
		TaxID:  page.Properties.TaxID.richText(),
		Plan:   page.Properties.Plan.selectName(),
		Status: page.Properties.Status.selectName(),
	}
	return record, nil
}

type notionQueryResponse struct {
	Results []notionPage `json:"results"`
}

type notionPage struct {
	ID         string `json:"id"`
	Properties struct {
		Name   notionProperty `json:"Nome"`
		Email  notionProperty `json:"Email"`
		Phone  notionProperty `json:"Telefone"`
		TaxID  notionProperty `json:"CPF"`
		Plan   notionProperty `json:"Plano"`
		Status notionProperty `json:"Status"`
	} `json:"properties"`
}

type notionProperty struct {
	Title    []notionRichText `json:"title"`
	RichText []notionRichText `json:"rich_text"`
	Email    string           `json:"email"`
	Select   struct {
		Name string `json:"name"`
	} `json:"select"`
}

type notionRichText struct {
	Text struct {
		Content string `json:"content"`
	} `json:"text"`
}

func (p notionProperty) titleText() string {
	if len(p.Title) == 0 {
		return ""
	}
	return p.Title[0].Text.Content
}

func (p notionProperty) richText() string {
	if len(p.RichText) == 0 {
		return ""
	}
	return p.RichText[0].Text.Content
}

func (p notionProperty) selectName() string {
	return p.Select.Name
}
