// Package node talks to the host P2P node: the HTTP fetch/post API and the
// trx-id push feed.
package node

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MarcoPoloResearchLab/shelfsync/internal/activity"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBytes   = 64 << 20
)

var (
	errMissingBaseURL = errors.New("node base url is required")

	// ErrUnexpectedStatus reports a non-success HTTP status from the node.
	ErrUnexpectedStatus = errors.New("node: unexpected status")
)

// ClientConfig wires the node HTTP client.
type ClientConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// Limiter throttles targeted FetchOne calls. Nil disables throttling.
	Limiter *rate.Limiter
	Logger  *zap.Logger
}

// Client is the HTTP side of the node collaborator.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// GroupInfo describes a group the local user has joined on the node.
type GroupInfo struct {
	GroupID     string
	GroupName   string
	AppKey      string
	UserAddress string
}

func NewClient(cfg ClientConfig) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if trimmed == "" {
		return nil, errMissingBaseURL
	}
	base, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse node base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    base,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		limiter:    cfg.Limiter,
		logger:     logger,
	}, nil
}

// BaseURL returns the configured node endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

type groupsResponse struct {
	Groups []struct {
		GroupID     string `json:"group_id"`
		GroupName   string `json:"group_name"`
		AppKey      string `json:"app_key"`
		UserEthAddr string `json:"user_eth_addr"`
	} `json:"groups"`
}

// ListGroups returns the groups joined on the node.
func (c *Client) ListGroups(ctx context.Context) ([]GroupInfo, error) {
	var decoded groupsResponse
	if _, err := c.getJSON(ctx, "/api/v1/groups", nil, &decoded); err != nil {
		return nil, err
	}
	groups := make([]GroupInfo, 0, len(decoded.Groups))
	for _, group := range decoded.Groups {
		if strings.TrimSpace(group.GroupID) == "" {
			continue
		}
		groups = append(groups, GroupInfo{
			GroupID:     group.GroupID,
			GroupName:   group.GroupName,
			AppKey:      group.AppKey,
			UserAddress: NormalizeAddress(group.UserEthAddr),
		})
	}
	return groups, nil
}

// Page is one fetched slice of a group feed. Transactions holds the decodable
// entries; RawCount and LastTrxID describe the node's response as sent, so a
// page of malformed entries still moves the cursor and never reads as short.
type Page struct {
	Transactions []activity.Transaction
	// LastTrxID is the id of the last entry in node order, malformed or not.
	LastTrxID string
	RawCount  int
	Malformed int
}

// FetchPage returns up to limit transactions after startTrx, ascending by
// timestamp and deduplicated by trxId. An empty startTrx reads from the start
// of the group.
func (c *Client) FetchPage(ctx context.Context, groupID, startTrx string, limit int) (Page, error) {
	query := url.Values{}
	query.Set("num", strconv.Itoa(limit))
	query.Set("reverse", "false")
	if startTrx != "" {
		query.Set("start_trx", startTrx)
	}
	var decoded []wireTransaction
	if _, err := c.getJSON(ctx, "/api/v1/groups/"+url.PathEscape(groupID)+"/content", query, &decoded); err != nil {
		return Page{}, err
	}

	page := Page{RawCount: len(decoded)}
	seen := make(map[string]struct{}, len(decoded))
	transactions := make([]activity.Transaction, 0, len(decoded))
	for _, wire := range decoded {
		if id := strings.TrimSpace(wire.TrxID); id != "" {
			page.LastTrxID = id
		}
		trx, err := c.toTransaction(groupID, wire)
		if err != nil {
			page.Malformed++
			c.logger.Warn("skipping malformed transaction",
				zap.String("group_id", groupID),
				zap.String("trx_id", wire.TrxID),
				zap.Error(err))
			continue
		}
		if _, duplicate := seen[trx.TrxID]; duplicate {
			continue
		}
		seen[trx.TrxID] = struct{}{}
		transactions = append(transactions, trx)
	}
	sort.SliceStable(transactions, func(i, j int) bool {
		return transactions[i].TimestampNanos < transactions[j].TimestampNanos
	})
	page.Transactions = transactions
	return page, nil
}

// FetchOne re-fetches a single transaction. A transaction unknown to the node
// yields nil without error.
func (c *Client) FetchOne(ctx context.Context, groupID, trxID string) (*activity.Transaction, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	var wire wireTransaction
	status, err := c.getJSON(ctx, "/api/v1/trx/"+url.PathEscape(groupID)+"/"+url.PathEscape(trxID), nil, &wire)
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	trx, err := c.toTransaction(groupID, wire)
	if err != nil {
		return nil, err
	}
	return &trx, nil
}

type postRequest struct {
	Data json.RawMessage `json:"data"`
}

type postResponse struct {
	TrxID string `json:"trx_id"`
}

// PostActivity submits an encoded activity and returns the node's trxId.
func (c *Client) PostActivity(ctx context.Context, groupID string, payload []byte) (string, error) {
	if !json.Valid(payload) {
		return "", errors.New("node: activity payload is not valid json")
	}
	body, err := json.Marshal(postRequest{Data: payload})
	if err != nil {
		return "", fmt.Errorf("encode post body: %w", err)
	}
	request, err := c.newRequest(ctx, http.MethodPost, "/api/v1/groups/"+url.PathEscape(groupID)+"/content", nil, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", "application/json")

	var decoded postResponse
	if _, err := c.do(request, &decoded); err != nil {
		return "", err
	}
	if strings.TrimSpace(decoded.TrxID) == "" {
		return "", errors.New("node: post response missing trx_id")
	}
	return decoded.TrxID, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, target any) (int, error) {
	request, err := c.newRequest(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return 0, err
	}
	return c.do(request, target)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path
	endpoint.RawPath = ""
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build node request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
	return request, nil
}

func (c *Client) do(request *http.Request, target any) (int, error) {
	response, err := c.httpClient.Do(request)
	if err != nil {
		return 0, fmt.Errorf("node request %s %s: %w", request.Method, request.URL.Path, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return response.StatusCode, fmt.Errorf("read node response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return response.StatusCode, fmt.Errorf("%w: %s %s returned %d", ErrUnexpectedStatus, request.Method, request.URL.Path, response.StatusCode)
	}
	if target == nil {
		return response.StatusCode, nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return response.StatusCode, fmt.Errorf("decode node response: %w", err)
	}
	return response.StatusCode, nil
}

type wireTransaction struct {
	TrxID        string          `json:"trx_id"`
	GroupID      string          `json:"group_id"`
	SenderPubKey string          `json:"sender_pubkey"`
	Timestamp    json.RawMessage `json:"timestamp"`
	Data         json.RawMessage `json:"data"`
}

func (c *Client) toTransaction(groupID string, wire wireTransaction) (activity.Transaction, error) {
	if strings.TrimSpace(wire.TrxID) == "" {
		return activity.Transaction{}, errors.New("missing trx_id")
	}
	timestamp, err := parseTimestamp(wire.Timestamp)
	if err != nil {
		return activity.Transaction{}, err
	}
	payload, err := decodeData(wire.Data)
	if err != nil {
		return activity.Transaction{}, err
	}
	if wire.GroupID != "" {
		groupID = wire.GroupID
	}
	trx := activity.Transaction{
		TrxID:          wire.TrxID,
		GroupID:        groupID,
		SenderPubKey:   wire.SenderPubKey,
		TimestampNanos: timestamp,
		Payload:        payload,
	}
	if wire.SenderPubKey != "" {
		address, err := AddressFromPubKey(wire.SenderPubKey)
		if err != nil {
			c.logger.Debug("sender address unavailable",
				zap.String("trx_id", wire.TrxID),
				zap.Error(err))
		} else {
			trx.SenderAddress = address
		}
	}
	return trx, nil
}

// parseTimestamp accepts nanoseconds as a JSON number or a quoted decimal.
func parseTimestamp(raw json.RawMessage) (int64, error) {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if text == "" || text == "null" {
		return 0, errors.New("missing timestamp")
	}
	value, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", text, err)
	}
	return value, nil
}

// decodeData accepts base64 text or an inline JSON object. Missing data is an
// empty payload.
func decodeData(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '{' {
		return append([]byte(nil), trimmed...), nil
	}
	var encoded string
	if err := json.Unmarshal(trimmed, &encoded); err != nil {
		return nil, fmt.Errorf("invalid data field: %w", err)
	}
	if strings.TrimSpace(encoded) == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 data: %w", err)
	}
	return decoded, nil
}
