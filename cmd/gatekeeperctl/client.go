package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
)

// approvalView mirrors cmd/gatekeeperd's wire shape for a pending approval.
type approvalView struct {
	ID          string `json:"id"`
	CommandText string `json:"commandText"`
	Host        string `json:"host"`
	Cwd         string `json:"cwd"`
	AgentID     string `json:"agentId"`
	SessionKey  string `json:"sessionKey"`
	CreatedAtMs int64  `json:"createdAtMs"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
}

type resolveRequest struct {
	Decision   string   `json:"decision"`
	ResolvedBy string   `json:"resolvedBy"`
	Scopes     []string `json:"scopes"`
}

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{baseURL: baseURL, http: http.DefaultClient}
}

func (c *client) listApprovals() ([]approvalView, error) {
	resp, err := c.http.Get(c.baseURL + "/v1/approvals")
	if err != nil {
		return nil, fmt.Errorf("gatekeeperctl: list approvals: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gatekeeperctl: list approvals: unexpected status %s", resp.Status)
	}

	var views []approvalView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		return nil, fmt.Errorf("gatekeeperctl: decode approvals: %w", err)
	}
	return views, nil
}

func (c *client) resolveApproval(id, decision, resolvedBy string, scopes []string) error {
	body, err := json.Marshal(resolveRequest{Decision: decision, ResolvedBy: resolvedBy, Scopes: scopes})
	if err != nil {
		return fmt.Errorf("gatekeeperctl: encode resolve request: %w", err)
	}

	resp, err := c.http.Post(c.baseURL+"/v1/approvals/"+id+"/resolve", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gatekeeperctl: resolve approval: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("gatekeeperctl: resolve approval: unexpected status %s", resp.Status)
	}
	return nil
}
