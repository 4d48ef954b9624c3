// Package ocr はOCRバックエンド（Azure Document Intelligence）への薄いクライアントを提供します。
// 推論そのものは外部サービスの責務で、ここでは送信と結果の取り出しのみを扱います。
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Result はOCR解析の結果です。
type Result struct {
	Text      string `json:"text"`
	PageCount int    `json:"pageCount"`
}

// Client はOCRバックエンドの契約です。
type Client interface {
	// Configured はバックエンドへの接続設定が揃っているかを返します。
	Configured() bool
	// Analyze はPDFのバイト列を解析し、抽出テキストを返します。
	// pages は "1,3-5" 形式のページ指定で、空なら全ページです。
	Analyze(ctx context.Context, data []byte, pages string) (*Result, error)
}

// DocumentIntelligence は prebuilt-read モデルを呼び出す Client 実装です。
type DocumentIntelligence struct {
	endpoint   string
	key        string
	apiVersion string
	httpClient *http.Client

	pollInterval time.Duration
	pollTimeout  time.Duration
}

// NewDocumentIntelligence は DocumentIntelligence クライアントを作成します。
// endpoint または key が空の場合、Configured は false を返します。
func NewDocumentIntelligence(endpoint, key, apiVersion string) *DocumentIntelligence {
	if apiVersion == "" {
		apiVersion = "2024-11-30"
	}
	return &DocumentIntelligence{
		endpoint:     endpoint,
		key:          key,
		apiVersion:   apiVersion,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		pollInterval: 2 * time.Second,
		pollTimeout:  5 * time.Minute,
	}
}

// Configured はエンドポイントとAPIキーが設定済みかを返します。
func (c *DocumentIntelligence) Configured() bool {
	return c != nil && c.endpoint != "" && c.key != ""
}

type analyzeResponse struct {
	Status        string `json:"status"`
	AnalyzeResult struct {
		Content string `json:"content"`
		Pages   []struct {
			PageNumber int `json:"pageNumber"`
		} `json:"pages"`
	} `json:"analyzeResult"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Analyze はドキュメントを解析リクエストとして送信し、完了までポーリングします。
func (c *DocumentIntelligence) Analyze(ctx context.Context, data []byte, pages string) (*Result, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("document intelligence is not configured")
	}

	operationURL, err := c.submit(ctx, data, pages)
	if err != nil {
		return nil, err
	}
	return c.poll(ctx, operationURL)
}

func (c *DocumentIntelligence) submit(ctx context.Context, data []byte, pages string) (string, error) {
	analyzeURL := fmt.Sprintf(
		"%s/documentintelligence/documentModels/prebuilt-read:analyze?api-version=%s",
		c.endpoint, url.QueryEscape(c.apiVersion),
	)
	if pages != "" {
		analyzeURL += "&pages=" + url.QueryEscape(pages)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, analyzeURL, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/pdf")
	req.Header.Set("Ocp-Apim-Subscription-Key", c.key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to submit analyze request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("analyze request rejected: status=%d body=%s", resp.StatusCode, body)
	}

	operationURL := resp.Header.Get("Operation-Location")
	if operationURL == "" {
		return "", fmt.Errorf("analyze response missing Operation-Location header")
	}
	return operationURL, nil
}

func (c *DocumentIntelligence) poll(ctx context.Context, operationURL string) (*Result, error) {
	deadline := time.Now().Add(c.pollTimeout)

	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("analyze operation timed out")
		}

		result, done, err := c.fetch(ctx, operationURL)
		if err != nil {
			return nil, err
		}
		if done {
			return result, nil
		}

		timer := time.NewTimer(c.pollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (c *DocumentIntelligence) fetch(ctx context.Context, operationURL string) (*Result, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, operationURL, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch analyze result: %w", err)
	}
	defer resp.Body.Close()

	var parsed analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, false, fmt.Errorf("failed to parse analyze result: %w", err)
	}

	switch parsed.Status {
	case "succeeded":
		return &Result{
			Text:      parsed.AnalyzeResult.Content,
			PageCount: len(parsed.AnalyzeResult.Pages),
		}, true, nil
	case "failed":
		return nil, false, fmt.Errorf("analyze operation failed: %s", parsed.Error.Message)
	default:
		// notStarted / running
		return nil, false, nil
	}
}
