// Package publish posts finished articles to a Shopify-compatible blog API.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// UpstreamError is a non-2xx response from the blog platform.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("blog platform returned status %d: %s", e.Status, e.Body)
}

// Article is a blog post in the platform's representation.
type Article struct {
	ID        int64  `json:"id,omitempty"`
	Title     string `json:"title"`
	BodyHTML  string `json:"body_html"`
	Author    string `json:"author,omitempty"`
	Tags      string `json:"tags,omitempty"`
	Published bool   `json:"published"`
	Handle    string `json:"handle,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Client posts articles to one blog on a Shopify-compatible store.
type Client struct {
	baseURL     string
	accessToken string
	blogID      string
	httpClient  *http.Client
}

// New creates a Client for the given store and blog. baseURL is the admin API
// root, e.g. https://shop.myshopify.com/admin/api/2024-07.
func New(baseURL, accessToken, blogID string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		blogID:      blogID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type articleEnvelope struct {
	Article Article `json:"article"`
}

type articlesEnvelope struct {
	Articles []Article `json:"articles"`
}

// CreateArticle posts the article and returns the platform's stored version,
// including its assigned ID. An empty 2xx body (some platforms answer 204)
// returns the input article unchanged.
func (c *Client) CreateArticle(ctx context.Context, a Article) (Article, error) {
	body, err := json.Marshal(articleEnvelope{Article: a})
	if err != nil {
		return Article{}, err
	}

	url := fmt.Sprintf("%s/blogs/%s/articles.json", c.baseURL, c.blogID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Article{}, fmt.Errorf("creating article request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shopify-Access-Token", c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Article{}, fmt.Errorf("posting article: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Article{}, &UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if resp.StatusCode == http.StatusNoContent {
		return a, nil
	}
	var env articleEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if err == io.EOF {
			return a, nil
		}
		return Article{}, fmt.Errorf("decoding article response: %w", err)
	}
	return env.Article, nil
}

// ListArticles returns up to limit recent articles on the blog.
func (c *Client) ListArticles(ctx context.Context, limit int) ([]Article, error) {
	url := fmt.Sprintf("%s/blogs/%s/articles.json?limit=%d", c.baseURL, c.blogID, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating list request: %w", err)
	}
	req.Header.Set("X-Shopify-Access-Token", c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing articles: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var env articlesEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding articles response: %w", err)
	}
	return env.Articles, nil
}
