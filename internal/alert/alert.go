package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Manager posts integrity incidents to a configured webhook. Disabled
// managers swallow sends; alerting never blocks or fails an operation.
type Manager struct {
	enabled    bool
	webhook    string
	httpClient HTTPClient
}

type message struct {
	Text        string       `json:"text"`
	Attachments []attachment `json:"attachments,omitempty"`
}

type attachment struct {
	Color  string  `json:"color"`
	Title  string  `json:"title"`
	Fields []field `json:"fields"`
	Footer string  `json:"footer"`
	Ts     int64   `json:"ts"`
}

type field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewManager(enabled bool, webhook string) *Manager {
	return &Manager{
		enabled:    enabled,
		webhook:    webhook,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func NewManagerWithClient(enabled bool, webhook string, client HTTPClient) *Manager {
	return &Manager{
		enabled:    enabled,
		webhook:    webhook,
		httpClient: client,
	}
}

// SendChainBrokenAlert reports a ledger hash-chain integrity violation.
func (m *Manager) SendChainBrokenAlert(partition string, index int, expectedHash, actualHash string) error {
	if !m.enabled || m.webhook == "" {
		return nil
	}

	msg := message{
		Text: "🚨 *LEDGER CHAIN INTEGRITY VIOLATION*",
		Attachments: []attachment{
			{
				Color: "danger",
				Title: "Hash Chain Broken",
				Fields: []field{
					{Title: "Partition", Value: partition, Short: true},
					{Title: "Index", Value: fmt.Sprintf("%d", index), Short: true},
					{Title: "Expected Hash", Value: expectedHash, Short: false},
					{Title: "Actual Hash", Value: actualHash, Short: false},
				},
				Footer: "pakt integrity monitor",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.send(msg)
}

// SendOwnershipConflictAlert reports a rejected ownership claim.
func (m *Manager) SendOwnershipConflictAlert(path, currentOwner, incomingOwner string) error {
	if !m.enabled || m.webhook == "" {
		return nil
	}

	msg := message{
		Text: "🚨 *OWNERSHIP CONFLICT*",
		Attachments: []attachment{
			{
				Color: "danger",
				Title: "Undeclared Ownership Claim Rejected",
				Fields: []field{
					{Title: "Path", Value: path, Short: false},
					{Title: "Current Owner", Value: currentOwner, Short: true},
					{Title: "Incoming Owner", Value: incomingOwner, Short: true},
				},
				Footer: "pakt integrity monitor",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.send(msg)
}

// SendGateFailureAlert reports a failed gate during a mutating operation.
func (m *Manager) SendGateFailureAlert(packageID, gateName, detail string) error {
	if !m.enabled || m.webhook == "" {
		return nil
	}

	msg := message{
		Text: "⚠️ *GATE FAILURE*",
		Attachments: []attachment{
			{
				Color: "warning",
				Title: "Install Gate Failed",
				Fields: []field{
					{Title: "Package", Value: packageID, Short: true},
					{Title: "Gate", Value: gateName, Short: true},
					{Title: "Detail", Value: detail, Short: false},
				},
				Footer: "pakt integrity monitor",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.send(msg)
}

func (m *Manager) send(msg message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal alert message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.webhook, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook returned non-200 status: %d", resp.StatusCode)
	}

	return nil
}
