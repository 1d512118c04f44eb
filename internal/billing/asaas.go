package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/karollearning/karol-assistant/internal/student"
	"github.com/karollearning/karol-assistant/pkg/logging"
)

var asaasTracer = otel.Tracer("karol.internal.billing.asaas")

const (
	// Charge statuses as reported by Asaas.
	StatusPending  = "PENDING"
	StatusReceived = "RECEIVED"

	dueDateLayout = "2006-01-02"
)

// Charge is a billing charge as seen by the reply handlers.
type Charge struct {
	ID          string
	Amount      float64
	DueDate     string
	Status      string
	InvoiceURL  string
	BankSlipURL string
}

// businessTimeZone anchors due-date comparisons: Asaas due dates are
// Brazil-local calendar dates, so a charge flips from open to overdue at the
// São Paulo midnight, not the UTC one.
var businessTimeZone = func() *time.Location {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		return time.FixedZone("-03", -3*60*60)
	}
	return loc
}()

// Open reports whether the charge still awaits settlement at the reference
// instant.
func (c Charge) Open(today time.Time) bool {
	if c.Status != StatusPending && c.Status != StatusReceived {
		return false
	}
	if _, err := time.Parse(dueDateLayout, c.DueDate); err != nil {
		return false
	}
	// ISO dates compare correctly as strings.
	return c.DueDate >= today.In(businessTimeZone).Format(dueDateLayout)
}

// Client exposes the billing lookups the reply handlers need.
type Client interface {
	FindOpenCharge(ctx context.Context, rec *student.Record) (*Charge, error)
	ChargesByEmail(ctx context.Context, email string) ([]Charge, error)
}

// AsaasClient queries the Asaas billing API.
type AsaasClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
	now        func() time.Time
}

// NewAsaasClient builds a billing client with a bounded call timeout.
func NewAsaasClient(apiKey, baseURL string, timeout time.Duration, logger *logging.Logger) *AsaasClient {
	if logger == nil {
		logger = logging.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AsaasClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		now:        time.Now,
	}
}

var _ Client = (*AsaasClient)(nil)

// FindOpenCharge resolves the customer by tax id first, then by email, and
// returns the open charge with the earliest due date. No open charge returns
// (nil, nil).
func (c *AsaasClient) FindOpenCharge(ctx context.Context, rec *student.Record) (*Charge, error) {
	ctx, span := asaasTracer.Start(ctx, "billing.asaas.find_open_charge")
	defer span.End()

	customerID, err := c.findCustomer(ctx, rec)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if customerID == "" {
		return nil, nil
	}
	span.SetAttributes(attribute.String("karol.asaas_customer", customerID))

	charges, err := c.chargesByCustomer(ctx, customerID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	today := c.now()
	open := charges[:0]
	for _, ch := range charges {
		if ch.Open(today) {
			open = append(open, ch)
		}
	}
	if len(open) == 0 {
		return nil, nil
	}
	sort.Slice(open, func(i, j int) bool { return open[i].DueDate < open[j].DueDate })
	charge := open[0]
	return &charge, nil
}

// ChargesByEmail lists every charge for the customer matching the email.
// Used by the payment-receipt handler to match submitted proofs.
func (c *AsaasClient) ChargesByEmail(ctx context.Context, email string) ([]Charge, error) {
	ctx, span := asaasTracer.Start(ctx, "billing.asaas.charges_by_email")
	defer span.End()

	customerID, err := c.customerIDBy(ctx, "email", email)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if customerID == "" {
		return nil, nil
	}
	charges, err := c.chargesByCustomer(ctx, customerID)
	if err != nil {
		span.RecordError(err)
	}
	return charges, err
}

func (c *AsaasClient) findCustomer(ctx context.Context, rec *student.Record) (string, error) {
	if rec == nil {
		return "", nil
	}
	if taxID := student.NormalizePhone(rec.TaxID); taxID != "" {
		id, err := c.customerIDBy(ctx, "cpfCnpj", taxID)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	}
	if rec.Email != "" {
		return c.customerIDBy(ctx, "email", rec.Email)
	}
	return "", nil
}

func (c *AsaasClient) customerIDBy(ctx context.Context, field, value string) (string, error) {
	if strings.TrimSpace(value) == "" {
		return "", nil
	}
	endpoint := fmt.Sprintf("%s/customers?%s=%s", c.baseURL, field, url.QueryEscape(value))

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.get(ctx, endpoint, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Data) == 0 {
		return "", nil
	}
	return parsed.Data[0].ID, nil
}

func (c *AsaasClient) chargesByCustomer(ctx context.Context, customerID string) ([]Charge, error) {
	endpoint := fmt.Sprintf("%s/payments?customer=%s", c.baseURL, url.QueryEscape(customerID))

	var parsed struct {
		Data []struct {
			ID          string  `json:"id"`
			Value       float64 `json:"value"`
			DueDate     string  `json:"dueDate"`
			Status      string  `json:"status"`
			InvoiceURL  string  `json:"invoiceUrl"`
			BankSlipURL string  `json:"bankSlipUrl"`
		} `json:"data"`
	}
	if err := c.get(ctx, endpoint, &parsed); err != nil {
		return nil, err
	}

	charges := make([]Charge, 0, len(parsed.Data))
	for _, p := range parsed.Data {
		charges = append(charges, Charge{
			ID:          p.ID,
			Amount:      p.Value,
			DueDate:     p.DueDate,
			Status:      p.Status,
			InvoiceURL:  p.InvoiceURL,
			BankSlipURL: p.BankSlipURL,
		})
	}
	return charges, nil
}

func (c *AsaasClient) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("billing: build asaas request: %w", err)
	}
	req.Header.Set("access_token", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("billing: asaas request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("billing: asaas returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("billing: decode asaas response: %w", err)
	}
	return nil
}
