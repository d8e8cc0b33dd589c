/**
 * @description
 * Client for the ledger service that owns dues invoices and GL posting.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/verenigingen/sepa-service/internal/domain"
)

// ErrInvoiceNotFound is returned when the ledger does not know an invoice reference.
var ErrInvoiceNotFound = errors.New("ledger invoice not found")

// Client is a client for the ledger service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new ledger service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type createInvoicePayload struct {
	MemberID    string `json:"member_id"`
	ScheduleID  string `json:"schedule_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	PostingDate string `json:"posting_date"`
	DueDate     string `json:"due_date"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
	Description string `json:"description"`
}

// CreateInvoice asks the ledger to create a dues invoice and returns its
// reference. The idempotency key is sent as a header so a repeated request
// returns the invoice created the first time.
func (c *Client) CreateInvoice(ctx context.Context, req domain.LedgerInvoiceRequest) (string, error) {
	if req.IdempotencyKey == "" {
		return "", fmt.Errorf("idempotency key is required")
	}
	payload := createInvoicePayload{
		MemberID:    req.MemberID,
		ScheduleID:  req.ScheduleID,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		PostingDate: req.PostingDate.Format(time.DateOnly),
		DueDate:     req.DueDate.Format(time.DateOnly),
		PeriodStart: req.PeriodStart.Format(time.DateOnly),
		PeriodEnd:   req.PeriodEnd.Format(time.DateOnly),
		Description: req.Description,
	}

	var response struct {
		Ref string `json:"ref"`
	}
	headers := map[string]string{"Idempotency-Key": req.IdempotencyKey}
	if err := c.do(ctx, http.MethodPost, "/invoices", payload, headers, &response); err != nil {
		return "", err
	}
	if response.Ref == "" {
		return "", fmt.Errorf("ledger returned an empty invoice reference")
	}
	return response.Ref, nil
}

// MarkPaid records a collected amount against a ledger invoice.
func (c *Client) MarkPaid(ctx context.Context, invoiceRef string, amountCents int64) error {
	if invoiceRef == "" {
		return fmt.Errorf("invoice reference is required")
	}
	path := "/invoices/" + url.PathEscape(invoiceRef) + "/payments"
	payload := map[string]interface{}{"amount_cents": amountCents, "method": "sepa_direct_debit"}
	return c.do(ctx, http.MethodPost, path, payload, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}, headers map[string]string, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrInvoiceNotFound
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ledger service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse ledger response: %w", err)
	}
	return nil
}
