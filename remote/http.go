/*
http.go - HTTP clients for the membership, catalog and ledger services

PURPOSE:
  The engine owns none of the data it decides on. These clients fetch it over
  JSON/HTTP, authenticated with OAuth2 client credentials.

ERROR MAPPING:
  transport error, timeout            -> DependencyError{Retryable: true}
  408, 429, 5xx                       -> DependencyError{Retryable: true}
  404                                 -> "absent" for lookups (nil / false),
                                         ErrContentNotFound / ErrSubsidyNotFound
                                         for required records
  any other 4xx                       -> DependencyError{Retryable: false}

SEE ALSO:
  - cached.go: read-through caching decorators
  - memory.go: in-process implementations for dev mode and tests
*/
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/warp/learner-credit/credit"
)

// DefaultTimeout bounds every remote call.
const DefaultTimeout = 10 * time.Second

// ClientConfig configures one remote service client.
type ClientConfig struct {
	BaseURL      string
	TokenURL     string // empty disables OAuth2
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
}

// Client issues JSON requests against one service.
type Client struct {
	service string
	baseURL string
	http    *http.Client
}

// NewClient builds a client for service. With a TokenURL, requests carry a
// bearer token obtained and refreshed through the client credentials grant.
func NewClient(service string, cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	httpClient := &http.Client{Timeout: timeout}
	if cfg.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		// Token fetches use the bounded client too.
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: timeout})
		httpClient = cc.Client(ctx)
		httpClient.Timeout = timeout
	}

	return &Client{
		service: service,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
	}
}

// errNotFound marks a 404 so callers can decide what absence means.
var errNotFound = errors.New("remote record not found")

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &credit.DependencyError{Service: c.service, Operation: op, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &credit.DependencyError{
			Service:    c.service,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(msg))),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &credit.DependencyError{
			Service: c.service, Operation: op, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("failed to decode response: %w", err),
		}
	}
	return nil
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// =============================================================================
// MEMBERSHIP
// =============================================================================

type HTTPMembership struct {
	c *Client
}

func NewHTTPMembership(cfg ClientConfig) *HTTPMembership {
	return &HTTPMembership{c: NewClient("membership", cfg)}
}

type membershipResponse struct {
	EnterpriseCustomerUUID string `json:"enterprise_customer_uuid"`
	LMSUserID              int64  `json:"lms_user_id"`
	Email                  string `json:"email"`
	Active                 bool   `json:"active"`
}

func (m *HTTPMembership) GetEnterpriseMembership(ctx context.Context, learnerID credit.LearnerID, enterpriseID credit.EnterpriseID) (*credit.Membership, error) {
	var resp membershipResponse
	path := fmt.Sprintf("/enterprise-customers/%s/learners/%d", url.PathEscape(string(enterpriseID)), learnerID)
	err := m.c.do(ctx, OpGetEnterpriseMembership, http.MethodGet, path, nil, nil, &resp)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &credit.Membership{
		EnterpriseID: credit.EnterpriseID(resp.EnterpriseCustomerUUID),
		LearnerID:    credit.LearnerID(resp.LMSUserID),
		Email:        resp.Email,
		Active:       resp.Active,
	}, nil
}

func (m *HTTPMembership) GroupContainsLearner(ctx context.Context, groupID credit.GroupID, learnerID credit.LearnerID) (bool, error) {
	path := fmt.Sprintf("/groups/%s/learners/%d", url.PathEscape(string(groupID)), learnerID)
	err := m.c.do(ctx, OpGroupContainsLearner, http.MethodGet, path, nil, nil, nil)
	if errors.Is(err, errNotFound) {
		return false, nil
	}
	return err == nil, err
}

// =============================================================================
// CATALOG
// =============================================================================

type HTTPCatalog struct {
	c *Client
}

func NewHTTPCatalog(cfg ClientConfig) *HTTPCatalog {
	return &HTTPCatalog{c: NewClient("catalog", cfg)}
}

type containsResponse struct {
	ContainsContentItems bool `json:"contains_content_items"`
}

type contentResponse struct {
	ContentKey         string     `json:"content_key"`
	ParentContentKey   string     `json:"parent_content_key"`
	Title              string     `json:"title"`
	StartDate          *time.Time `json:"start_date"`
	EnrollmentDeadline *time.Time `json:"enrollment_deadline"`
	PriceCents         int64      `json:"price_cents"`
}

func (c *HTTPCatalog) CatalogContainsContent(ctx context.Context, catalogID credit.CatalogID, contentKey string) (bool, error) {
	var resp containsResponse
	path := fmt.Sprintf("/catalogs/%s/contains-content", url.PathEscape(string(catalogID)))
	err := c.c.do(ctx, OpCatalogContainsContent, http.MethodGet, path, url.Values{"content_key": {contentKey}}, nil, &resp)
	if errors.Is(err, errNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resp.ContainsContentItems, nil
}

func (c *HTTPCatalog) content(ctx context.Context, op, contentKey string) (*credit.ContentMetadata, error) {
	var resp contentResponse
	err := c.c.do(ctx, op, http.MethodGet, "/content/"+url.PathEscape(contentKey), nil, nil, &resp)
	if errors.Is(err, errNotFound) {
		return nil, fmt.Errorf("%w: %s", credit.ErrContentNotFound, contentKey)
	}
	if err != nil {
		return nil, err
	}
	return &credit.ContentMetadata{
		ContentKey:         resp.ContentKey,
		ParentContentKey:   resp.ParentContentKey,
		Title:              resp.Title,
		StartDate:          resp.StartDate,
		EnrollmentDeadline: resp.EnrollmentDeadline,
		Price:              credit.Cents(resp.PriceCents),
	}, nil
}

func (c *HTTPCatalog) GetContentPrice(ctx context.Context, contentKey string) (credit.Cents, error) {
	meta, err := c.content(ctx, OpGetContentPrice, contentKey)
	if err != nil {
		return 0, err
	}
	return meta.Price, nil
}

func (c *HTTPCatalog) GetContentMetadata(ctx context.Context, contentKey string) (*credit.ContentMetadata, error) {
	return c.content(ctx, OpGetContentMetadata, contentKey)
}

// =============================================================================
// LEDGER
// =============================================================================

type HTTPLedger struct {
	c *Client
}

func NewHTTPLedger(cfg ClientConfig) *HTTPLedger {
	return &HTTPLedger{c: NewClient("ledger", cfg)}
}

type subsidyResponse struct {
	UUID                 string    `json:"uuid"`
	EnterpriseCustomerID string    `json:"enterprise_customer_uuid"`
	Title                string    `json:"title"`
	CurrentBalanceCents  int64     `json:"current_balance"`
	TotalDepositsCents   int64     `json:"total_deposits"`
	ActiveDatetime       time.Time `json:"active_datetime"`
	ExpirationDatetime   time.Time `json:"expiration_datetime"`
	IsSoftDeleted        bool      `json:"is_soft_deleted"`
}

type transactionRequest struct {
	SubsidyUUID    string         `json:"subsidy_uuid"`
	PolicyUUID     string         `json:"subsidy_access_policy_uuid"`
	LMSUserID      int64          `json:"lms_user_id"`
	ContentKey     string         `json:"content_key"`
	Quantity       int64          `json:"quantity"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type transactionResponse struct {
	UUID       string    `json:"uuid"`
	SubsidyID  string    `json:"subsidy_uuid"`
	PolicyUUID string    `json:"subsidy_access_policy_uuid"`
	LMSUserID  int64     `json:"lms_user_id"`
	ContentKey string    `json:"content_key"`
	Quantity   int64     `json:"quantity"`
	State      string    `json:"state"`
	Error      string    `json:"error"`
	Created    time.Time `json:"created"`
	Reversal   *struct {
		UUID string `json:"uuid"`
	} `json:"reversal"`
}

func (r transactionResponse) toTransaction() *credit.Transaction {
	return &credit.Transaction{
		ID:         credit.TransactionID(r.UUID),
		SubsidyID:  credit.SubsidyID(r.SubsidyID),
		PolicyID:   credit.PolicyID(r.PolicyUUID),
		LearnerID:  credit.LearnerID(r.LMSUserID),
		ContentKey: r.ContentKey,
		Quantity:   credit.Cents(r.Quantity),
		State:      credit.TransactionState(r.State),
		Error:      r.Error,
		Reversed:   r.Reversal != nil,
		CreatedAt:  r.Created,
	}
}

type transactionListResponse struct {
	Results []transactionResponse `json:"results"`
}

type aggregateResponse struct {
	Count         int   `json:"count"`
	TotalQuantity int64 `json:"total_quantity"`
}

func (l *HTTPLedger) subsidy(ctx context.Context, op string, id credit.SubsidyID) (*credit.Subsidy, error) {
	var resp subsidyResponse
	err := l.c.do(ctx, op, http.MethodGet, "/subsidies/"+url.PathEscape(string(id)), nil, nil, &resp)
	if errors.Is(err, errNotFound) {
		return nil, fmt.Errorf("%w: %s", credit.ErrSubsidyNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &credit.Subsidy{
		ID:               credit.SubsidyID(resp.UUID),
		EnterpriseID:     credit.EnterpriseID(resp.EnterpriseCustomerID),
		Title:            resp.Title,
		RemainingBalance: credit.Cents(resp.CurrentBalanceCents),
		TotalDeposits:    credit.Cents(resp.TotalDepositsCents),
		ActiveAt:         resp.ActiveDatetime,
		ExpiresAt:        resp.ExpirationDatetime,
		IsSoftDeleted:    resp.IsSoftDeleted,
	}, nil
}

func (l *HTTPLedger) GetSubsidy(ctx context.Context, id credit.SubsidyID) (*credit.Subsidy, error) {
	return l.subsidy(ctx, OpGetSubsidy, id)
}

func (l *HTTPLedger) GetRemainingBalance(ctx context.Context, id credit.SubsidyID) (credit.Cents, error) {
	s, err := l.subsidy(ctx, OpGetRemainingBalance, id)
	if err != nil {
		return 0, err
	}
	return s.RemainingBalance, nil
}

func (l *HTTPLedger) CreateTransaction(ctx context.Context, req credit.TransactionRequest) (*credit.Transaction, error) {
	body := transactionRequest{
		SubsidyUUID:    string(req.SubsidyID),
		PolicyUUID:     string(req.PolicyID),
		LMSUserID:      int64(req.LearnerID),
		ContentKey:     req.ContentKey,
		Quantity:       int64(req.Quantity),
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	}
	var resp transactionResponse
	err := l.c.do(ctx, OpCreateTransaction, http.MethodPost, "/transactions", nil, body, &resp)
	if errors.Is(err, errNotFound) {
		return nil, &credit.DependencyError{
			Service: "ledger", Operation: OpCreateTransaction, StatusCode: http.StatusNotFound,
			Err: fmt.Errorf("%w: %s", credit.ErrSubsidyNotFound, req.SubsidyID),
		}
	}
	if err != nil {
		return nil, err
	}
	return resp.toTransaction(), nil
}

func (l *HTTPLedger) ListTransactions(ctx context.Context, q credit.TransactionQuery) ([]credit.Transaction, error) {
	query := url.Values{
		"subsidy_uuid": {string(q.SubsidyID)},
		"lms_user_id":  {strconv.FormatInt(int64(q.LearnerID), 10)},
	}
	if q.PolicyID != "" {
		query.Set("subsidy_access_policy_uuid", string(q.PolicyID))
	}
	if q.ContentKey != "" {
		query.Set("content_key", q.ContentKey)
	}

	var resp transactionListResponse
	err := l.c.do(ctx, OpListTransactions, http.MethodGet, "/transactions", query, nil, &resp)
	if errors.Is(err, errNotFound) {
		return nil, fmt.Errorf("%w: %s", credit.ErrSubsidyNotFound, q.SubsidyID)
	}
	if err != nil {
		return nil, err
	}
	out := make([]credit.Transaction, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, *r.toTransaction())
	}
	return out, nil
}

func (l *HTTPLedger) GetAggregateSpend(ctx context.Context, q credit.AggregateQuery) (credit.Aggregate, error) {
	query := url.Values{"subsidy_uuid": {string(q.SubsidyID)}}
	if q.PolicyID != "" {
		query.Set("subsidy_access_policy_uuid", string(q.PolicyID))
	}
	if q.LearnerID != nil {
		query.Set("lms_user_id", strconv.FormatInt(int64(*q.LearnerID), 10))
	}

	var resp aggregateResponse
	err := l.c.do(ctx, OpGetAggregateSpend, http.MethodGet, "/transactions/aggregates", query, nil, &resp)
	if errors.Is(err, errNotFound) {
		return credit.Aggregate{}, fmt.Errorf("%w: %s", credit.ErrSubsidyNotFound, q.SubsidyID)
	}
	if err != nil {
		return credit.Aggregate{}, err
	}
	return credit.Aggregate{Count: resp.Count, Spend: credit.Cents(resp.TotalQuantity)}, nil
}
