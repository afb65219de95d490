/**
 * @description
 * This package provides a client for the bank directory provider used to
 * verify external destination accounts. It resolves an account number at a
 * bank to the registered account name and lists supported banks.
 *
 * @dependencies
 * - context, encoding/json, fmt, io, log, net/http, net/url, time: Standard Go libraries.
 */
package bankdirectory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

// Client is a client for the bank directory API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new bank directory client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ResolveResponse is the expected response from the account resolution endpoint.
type ResolveResponse struct {
	Data struct {
		AccountNumber string `json:"accountNumber"`
		AccountName   string `json:"accountName"`
		BankCode      string `json:"bankCode"`
	} `json:"data"`
}

// Bank describes one entry in the supported bank list.
type Bank struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// BankListResponse is the expected response from the bank list endpoint.
type BankListResponse struct {
	Data []Bank `json:"data"`
}

// ErrorResponse represents an error from the directory API.
type ErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("bank directory error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown bank directory error"
}

// ResolveAccountName resolves an account number at a bank to the registered
// account name.
func (c *Client) ResolveAccountName(ctx context.Context, bankCode, accountNumber string) (string, error) {
	endpoint := fmt.Sprintf("%s/api/v1/accounts/resolve?bankCode=%s&accountNumber=%s",
		c.BaseURL, url.QueryEscape(bankCode), url.QueryEscape(accountNumber))

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create resolve request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-directory-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute resolve request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read resolve response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=bank_directory op=resolve bank_code=%s status=%d msg=\"non-2xx response (unparsable error body)\"", bankCode, resp.StatusCode)
			return "", fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=bank_directory op=resolve bank_code=%s status=%d title=%q detail=%q", bankCode, resp.StatusCode, firstErrorTitle(errResp), firstErrorDetail(errResp))
		return "", &errResp
	}

	var resolved ResolveResponse
	if err := json.Unmarshal(bodyBytes, &resolved); err != nil {
		return "", fmt.Errorf("failed to decode resolve response: %w", err)
	}
	if resolved.Data.AccountName == "" {
		return "", fmt.Errorf("account %s at bank %s did not resolve to a name", accountNumber, bankCode)
	}

	return resolved.Data.AccountName, nil
}

// ListBanks fetches the supported bank list from the directory.
func (c *Client) ListBanks(ctx context.Context) ([]Bank, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/api/v1/banks", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create bank list request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-directory-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute bank list request: %w", err)
	}
	defer resp.Body.Close()
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read bank list response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=bank_directory op=list_banks status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=bank_directory op=list_banks status=%d title=%q detail=%q", resp.StatusCode, firstErrorTitle(errResp), firstErrorDetail(errResp))
		return nil, &errResp
	}

	var list BankListResponse
	if err := json.Unmarshal(bodyBytes, &list); err != nil {
		return nil, fmt.Errorf("failed to decode bank list response: %w", err)
	}

	return list.Data, nil
}

func firstErrorTitle(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Title
}

func firstErrorDetail(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Detail
}
