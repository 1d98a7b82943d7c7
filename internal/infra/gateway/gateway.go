// Package gateway is the only component that talks to the authoritative
// finance backend. Bodies are thin; the contract is the error
// classification: transport failures and 5xx surface as transient,
// remote validation rejections as permanent, conditional-update
// conflicts as precondition failures.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldledger/fieldledger/internal/domain"
)

// Config configures the backend client.
type Config struct {
	BaseURL string        // e.g. https://finance.example.com
	Token   string        // bearer session token
	Timeout time.Duration // per-request timeout (default 15s)
}

// Client implements domain.Gateway over HTTP.
type Client struct {
	base  string
	token string
	http  *http.Client
	log   zerolog.Logger
}

var _ domain.Gateway = (*Client)(nil)

// New creates a backend client.
func New(cfg Config, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		base:  cfg.BaseURL,
		token: cfg.Token,
		http:  &http.Client{Timeout: timeout},
		log:   log.With().Str("component", "gateway").Logger(),
	}
}

// ─── Expense Operations ─────────────────────────────────────────────────────

// CreateExpense creates the remote expense record and returns its id.
func (c *Client) CreateExpense(ctx context.Context, exp domain.Expense) (string, error) {
	body := map[string]any{
		"client_ref":   exp.LocalID, // lets the remote dedupe re-delivered pushes
		"amount_minor": exp.AmountMinor,
		"category":     string(exp.Category),
		"vendor":       exp.Vendor,
		"description":  exp.Description,
		"expense_date": exp.ExpenseDate.Format(time.DateOnly),
		"job_ref":      exp.JobRef,
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/expenses", body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", domain.E(domain.KindUnknown, "backend returned empty expense id")
	}
	return out.ID, nil
}

// UpdateExpenseStatus performs the server-side conditional status
// update. A conflict on the expected status comes back as
// KindPreconditionFailed.
func (c *Client) UpdateExpenseStatus(ctx context.Context, remoteID string, expected domain.ApprovalStatus, update domain.StatusUpdate) error {
	body := map[string]any{
		"expected_status": string(expected),
		"status":          string(update.NewStatus),
	}
	if update.SubmittedBy != nil {
		body["submitted_by"] = *update.SubmittedBy
	}
	if update.SubmittedAt != nil {
		body["submitted_at"] = update.SubmittedAt.UTC().Format(time.RFC3339)
	}
	if update.ApprovedBy != nil {
		body["approved_by"] = *update.ApprovedBy
	}
	if update.ApprovedAt != nil {
		body["approved_at"] = update.ApprovedAt.UTC().Format(time.RFC3339)
	}
	if update.RejectionReason != nil {
		body["rejection_reason"] = *update.RejectionReason
	}
	if update.DisbursementID != nil {
		body["disbursement_id"] = *update.DisbursementID
	}
	if update.DisbursementNo != nil {
		body["disbursement_no"] = *update.DisbursementNo
	}

	path := "/api/v1/expenses/" + url.PathEscape(remoteID) + "/status"
	return c.doJSON(ctx, http.MethodPatch, path, body, nil)
}

// ─── Disbursements ──────────────────────────────────────────────────────────

// CreateDisbursement creates the authoritative disbursement document.
func (c *Client) CreateDisbursement(ctx context.Context, req domain.DisbursementRequest) (domain.Disbursement, error) {
	body := map[string]any{
		"expense_id":   req.ExpenseRemoteID,
		"amount_minor": req.AmountMinor,
		"description":  req.Description,
		"vendor":       req.Vendor,
		"job_ref":      req.JobRef,
		"receipt_path": req.ReceiptPath,
		"date":         req.Date.Format(time.DateOnly),
		"category":     string(req.Category),
	}

	var out domain.Disbursement
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/disbursements", body, &out); err != nil {
		return domain.Disbursement{}, err
	}
	if out.RecordNumber == "" {
		return domain.Disbursement{}, domain.E(domain.KindUnknown, "backend returned empty disbursement record number")
	}
	return out, nil
}

// MarkDisbursementApproved propagates approval to a disbursement record.
func (c *Client) MarkDisbursementApproved(ctx context.Context, disbursementID, approvedBy string) error {
	path := "/api/v1/disbursements/" + url.PathEscape(disbursementID) + "/approve"
	return c.doJSON(ctx, http.MethodPost, path, map[string]any{"approved_by": approvedBy}, nil)
}

// ─── Receipts ───────────────────────────────────────────────────────────────

// UploadReceipt stores receipt bytes at the destination path.
func (c *Client) UploadReceipt(ctx context.Context, data []byte, contentType, destPath string) error {
	u := c.base + "/api/v1/receipts/" + destPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
	if err != nil {
		return domain.Wrap(domain.KindUnknown, err, "build upload request")
	}
	req.Header.Set("Content-Type", contentType)
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Wrap(domain.KindTransient, err, "receipt upload failed")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, "upload receipt")
	}
	return nil
}

// ─── Jobs & Session ─────────────────────────────────────────────────────────

// ListActiveJobs returns the full active job order list.
func (c *Client) ListActiveJobs(ctx context.Context) ([]domain.CachedJob, error) {
	var out struct {
		Jobs []struct {
			ID          string `json:"id"`
			JobNumber   string `json:"job_number"`
			Customer    string `json:"customer"`
			Origin      string `json:"origin"`
			Destination string `json:"destination"`
		} `json:"jobs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/jobs?status=active", nil, &out); err != nil {
		return nil, err
	}

	now := time.Now()
	jobs := make([]domain.CachedJob, 0, len(out.Jobs))
	for _, j := range out.Jobs {
		jobs = append(jobs, domain.CachedJob{
			ID:          j.ID,
			JobNumber:   j.JobNumber,
			Customer:    j.Customer,
			Origin:      j.Origin,
			Destination: j.Destination,
			FetchedAt:   now,
		})
	}
	return jobs, nil
}

// ExpenseJobRefs returns the user's most recently referenced job ids,
// most recent first.
func (c *Client) ExpenseJobRefs(ctx context.Context, userID string, limit int) ([]string, error) {
	path := "/api/v1/expenses/job-refs?user_id=" + url.QueryEscape(userID) +
		"&limit=" + strconv.Itoa(limit)
	var out struct {
		JobRefs []string `json:"job_refs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.JobRefs, nil
}

// CurrentUserRole resolves the session's role.
func (c *Client) CurrentUserRole(ctx context.Context) (domain.Role, error) {
	var out struct {
		Role string `json:"role"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/me", nil, &out); err != nil {
		return "", err
	}
	return domain.Role(out.Role), nil
}

// Online probes backend reachability.
func (c *Client) Online(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 500
}

// ─── Transport Helpers ──────────────────────────────────────────────────────

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// doJSON performs a JSON request and decodes the response into out
// (skipped when out is nil).
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return domain.Wrap(domain.KindUnknown, err, "encode request")
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return domain.Wrap(domain.KindUnknown, err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		// Network / timeout — retriable by the sync engine.
		return domain.Wrap(domain.KindTransient, err, method+" "+path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg := readErrorMessage(resp.Body)
		c.log.Debug().Int("status", resp.StatusCode).Str("path", path).Str("msg", msg).Msg("backend rejected request")
		return classifyStatus(resp.StatusCode, msg)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.Wrap(domain.KindUnknown, err, "decode response")
	}
	return nil
}

// classifyStatus maps an HTTP status to the domain error taxonomy.
func classifyStatus(status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized:
		return domain.E(domain.KindUnauthorized, "%s", msg)
	case status == http.StatusForbidden:
		return domain.E(domain.KindForbidden, "%s", msg)
	case status == http.StatusNotFound:
		return domain.E(domain.KindNotFound, "%s", msg)
	case status == http.StatusConflict:
		return domain.E(domain.KindPreconditionFailed, "%s", msg)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return domain.E(domain.KindValidationFailed, "%s", msg)
	case status == http.StatusTooManyRequests || status >= 500:
		return domain.E(domain.KindTransient, "backend unavailable (%d): %s", status, msg)
	default:
		return domain.E(domain.KindUnknown, "unexpected status %d: %s", status, msg)
	}
}

// readErrorMessage extracts {"error": {"message": ...}} or {"error": ...}
// bodies, falling back to raw text.
func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}

	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &nested) == nil && nested.Error.Message != "" {
		return nested.Error.Message
	}

	var flat struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &flat) == nil && flat.Error != "" {
		return flat.Error
	}
	return fmt.Sprintf("%.200s", string(data))
}
