// Package proxmox implements the authenticated, retrying REST client for the
// hypervisor API. It exposes typed read operations and migration dispatch;
// unit normalization happens one layer up in the inventory.
package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/proxbal/proxbal/internal/config"
	"github.com/proxbal/proxbal/internal/domain"
)

// Client talks to one hypervisor API endpoint, selected at Connect time from
// the configured list. It is safe for concurrent reads; migration dispatch
// may also run concurrently, the API serializes per-node workers itself.
type Client struct {
	cfg    config.APIConfig
	http   *http.Client
	logger *zap.Logger

	endpoint Endpoint
	baseURL  string

	// Token auth sends a static header; password auth holds a ticket
	// cookie plus CSRF token obtained at Connect.
	authHeader string
	ticket     string
	csrfToken  string
}

// NewClient builds an unconnected client from the API configuration.
func NewClient(cfg config.APIConfig, logger *zap.Logger) *Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.SSLVerification},
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "proxmox")),
		http: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Timeout) * time.Second,
		},
	}
}

// Connect probes the configured endpoints in order, picks the first one that
// answers a version request, and authenticates against it. The selected
// endpoint stays active for the lifetime of the client (one cycle).
func (c *Client) Connect(ctx context.Context) error {
	endpoints, err := ParseEndpoints(c.cfg.Hosts)
	if err != nil {
		return &domain.ConfigError{Field: "proxmox_api.hosts", Reason: err.Error()}
	}

	if c.cfg.HasToken() {
		if c.cfg.Pass != "" {
			c.logger.Warn("Both token and password configured, using token")
		}
		c.authHeader = fmt.Sprintf("PVEAPIToken=%s!%s=%s", c.cfg.User, c.cfg.TokenID, c.cfg.TokenSecret)
	}

	var lastErr error
	for _, ep := range endpoints {
		c.endpoint = ep
		c.baseURL = ep.BaseURL()

		if err := c.probe(ctx); err != nil {
			c.logger.Warn("Endpoint unreachable, trying next",
				zap.String("endpoint", ep.Addr()),
				zap.Error(err),
			)
			lastErr = err
			continue
		}

		if c.authHeader == "" {
			if err := c.login(ctx); err != nil {
				return err
			}
		}

		c.logger.Info("API connection established", zap.String("endpoint", ep.Addr()))
		return nil
	}

	return &domain.TransportError{Endpoint: strings.Join(c.cfg.Hosts, ","), Op: "connect", Err: lastErr}
}

// Endpoint returns the active endpoint after a successful Connect.
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

func (c *Client) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/version", nil)
	if err != nil {
		return err
	}
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		// The endpoint answered; credential problems surface on first use.
		return nil
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return nil
}

// login performs ticket authentication for password-configured clients.
func (c *Client) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.cfg.User)
	form.Set("password", c.cfg.Pass)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/access/ticket", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.TransportError{Endpoint: c.endpoint.Addr(), Op: "login", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &domain.AuthError{Endpoint: c.endpoint.Addr(), Err: fmt.Errorf("ticket request returned %s", resp.Status)}
	}
	if resp.StatusCode != http.StatusOK {
		return &domain.TransportError{Endpoint: c.endpoint.Addr(), Op: "login",
			Err: fmt.Errorf("ticket request returned %s", resp.Status)}
	}

	var envelope struct {
		Data struct {
			Ticket    string `json:"ticket"`
			CSRFToken string `json:"CSRFPreventionToken"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return &domain.TransportError{Endpoint: c.endpoint.Addr(), Op: "login", Err: err}
	}
	c.ticket = envelope.Data.Ticket
	c.csrfToken = envelope.Data.CSRFToken
	return nil
}

// do performs one API call with the configured retry policy and decodes the
// response's data envelope into out (when out is non-nil).
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var lastErr error
	attempts := c.cfg.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.logger.Debug("Retrying API call",
				zap.String("path", path),
				zap.Int("attempt", attempt+1),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(c.cfg.WaitTime) * time.Second):
			}
		}

		err := c.doOnce(ctx, method, path, form, out)
		if err == nil {
			return nil
		}
		var authErr *domain.AuthError
		if errors.As(err, &authErr) {
			return err
		}
		lastErr = err
	}
	return &domain.TransportError{Endpoint: c.endpoint.Addr(), Op: method + " " + path, Err: lastErr}
}

func (c *Client) doOnce(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil && method != http.MethodGet {
		body = strings.NewReader(form.Encode())
	}
	reqURL := c.baseURL + path
	if form != nil && method == http.MethodGet {
		reqURL += "?" + form.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	switch {
	case c.authHeader != "":
		req.Header.Set("Authorization", c.authHeader)
	case c.ticket != "":
		req.AddCookie(&http.Cookie{Name: "PVEAuthCookie", Value: c.ticket})
		if method != http.MethodGet {
			req.Header.Set("CSRFPreventionToken", c.csrfToken)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &domain.AuthError{Endpoint: c.endpoint.Addr(),
			Err: fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(raw)))}
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s %s returned %s: %s", method, path, resp.Status, strings.TrimSpace(string(raw)))
	}

	if out == nil {
		return nil
	}
	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decoding %s data: %w", path, err)
	}
	return nil
}

// Version returns the version of the active endpoint.
func (c *Client) Version(ctx context.Context) (VersionInfo, error) {
	var v VersionInfo
	err := c.do(ctx, http.MethodGet, "/version", nil, &v)
	return v, err
}

// NodeVersion returns the hypervisor version of one node.
func (c *Client) NodeVersion(ctx context.Context, node string) (VersionInfo, error) {
	var v VersionInfo
	err := c.do(ctx, http.MethodGet, "/nodes/"+url.PathEscape(node)+"/version", nil, &v)
	return v, err
}

// ListNodes returns the cluster node listing.
func (c *Client) ListNodes(ctx context.Context) ([]NodeStatus, error) {
	var nodes []NodeStatus
	err := c.do(ctx, http.MethodGet, "/nodes", nil, &nodes)
	return nodes, err
}

// ListGuests returns the guests of the given kind on one node.
func (c *Client) ListGuests(ctx context.Context, node string, kind domain.GuestKind) ([]GuestStatus, error) {
	var guests []GuestStatus
	err := c.do(ctx, http.MethodGet, guestPath(node, kind, 0), nil, &guests)
	return guests, err
}

// GuestConfig returns one guest's configuration.
func (c *Client) GuestConfig(ctx context.Context, node string, kind domain.GuestKind, id int) (GuestConfig, error) {
	var cfg GuestConfig
	err := c.do(ctx, http.MethodGet, guestPath(node, kind, id)+"/config", nil, &cfg)
	return cfg, err
}

// GuestRRD returns a guest's hour-window rrddata series under the given
// consolidation function (AVERAGE or MAX).
func (c *Client) GuestRRD(ctx context.Context, node string, kind domain.GuestKind, id int, cf string) ([]RRDSample, error) {
	form := url.Values{}
	form.Set("timeframe", "hour")
	form.Set("cf", cf)
	var samples []RRDSample
	err := c.do(ctx, http.MethodGet, guestPath(node, kind, id)+"/rrddata", form, &samples)
	return samples, err
}

// NodeRRD returns a node's hour-window rrddata series under the given
// consolidation function.
func (c *Client) NodeRRD(ctx context.Context, node, cf string) ([]RRDSample, error) {
	form := url.Values{}
	form.Set("timeframe", "hour")
	form.Set("cf", cf)
	var samples []RRDSample
	err := c.do(ctx, http.MethodGet, "/nodes/"+url.PathEscape(node)+"/rrddata", form, &samples)
	return samples, err
}

// HAStatus returns the HA manager's current resource and node states.
func (c *Client) HAStatus(ctx context.Context) ([]HAResource, error) {
	var status []HAResource
	err := c.do(ctx, http.MethodGet, "/cluster/ha/status/current", nil, &status)
	return status, err
}

// HARules returns the cluster HA placement rules. Only meaningful on
// clusters with hypervisor major >= 9.
func (c *Client) HARules(ctx context.Context) ([]HARule, error) {
	var rules []HARule
	err := c.do(ctx, http.MethodGet, "/cluster/ha/rules", nil, &rules)
	return rules, err
}

// ListPools returns all resource pools with their member guest ids.
func (c *Client) ListPools(ctx context.Context) ([]Pool, error) {
	var listing []struct {
		PoolID string `json:"poolid"`
	}
	if err := c.do(ctx, http.MethodGet, "/pools", nil, &listing); err != nil {
		return nil, err
	}

	pools := make([]Pool, 0, len(listing))
	for _, entry := range listing {
		var detail struct {
			Members []struct {
				VMID Int64  `json:"vmid"`
				Type string `json:"type"`
			} `json:"members"`
		}
		if err := c.do(ctx, http.MethodGet, "/pools/"+url.PathEscape(entry.PoolID), nil, &detail); err != nil {
			return nil, err
		}
		pool := Pool{ID: entry.PoolID}
		for _, m := range detail.Members {
			if m.Type == "qemu" || m.Type == "lxc" {
				pool.Members = append(pool.Members, int(m.VMID))
			}
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

// MigrateRequest describes one migration dispatch.
type MigrateRequest struct {
	Kind               domain.GuestKind
	ID                 int
	Node               string
	Target             string
	Online             bool
	WithLocalDisks     bool
	WithConntrackState bool
}

// Migrate dispatches one migration and returns the task handle. Containers
// always use restart migration; the hypervisor performs the
// shutdown-move-start sequence itself.
func (c *Client) Migrate(ctx context.Context, req MigrateRequest) (domain.JobHandle, error) {
	form := url.Values{}
	form.Set("target", req.Target)
	if req.Kind == domain.GuestVM {
		form.Set("online", boolFlag(req.Online))
		if req.WithLocalDisks {
			form.Set("with-local-disks", "1")
		}
		if req.WithConntrackState {
			form.Set("with-conntrack-state", "1")
		}
	} else {
		form.Set("restart", "1")
	}

	var upid string
	err := c.do(ctx, http.MethodPost, guestPath(req.Node, req.Kind, req.ID)+"/migrate", form, &upid)
	if err != nil {
		return domain.JobHandle{}, err
	}
	return domain.JobHandle{Node: req.Node, UPID: upid}, nil
}

// TaskStatus returns the state of a task on its node.
func (c *Client) TaskStatus(ctx context.Context, node, upid string) (TaskStatus, error) {
	var status TaskStatus
	err := c.do(ctx, http.MethodGet, "/nodes/"+url.PathEscape(node)+"/tasks/"+url.PathEscape(upid)+"/status", nil, &status)
	return status, err
}

// TaskChildren lists a node's recent tasks for one guest id; the executor
// uses it to resolve the worker task behind an HA-wrapped migration.
func (c *Client) TaskChildren(ctx context.Context, node string, vmid int) ([]TaskRef, error) {
	form := url.Values{}
	form.Set("vmid", strconv.Itoa(vmid))
	var tasks []TaskRef
	err := c.do(ctx, http.MethodGet, "/nodes/"+url.PathEscape(node)+"/tasks", form, &tasks)
	return tasks, err
}

func guestPath(node string, kind domain.GuestKind, id int) string {
	api := "qemu"
	if kind == domain.GuestCT {
		api = "lxc"
	}
	path := "/nodes/" + url.PathEscape(node) + "/" + api
	if id > 0 {
		path += "/" + strconv.Itoa(id)
	}
	return path
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
