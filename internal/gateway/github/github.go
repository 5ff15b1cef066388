// Package github is the pull-request gateway used by github-pr actions.
package github

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
)

const DefaultBaseURL = "https://api.github.com"

var ErrMissingToken = errors.New("github token is not configured")

type PullRequestRecord struct {
	Number     int    `json:"number"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	State      string `json:"state"`
	HeadBranch string `json:"headBranch"`
	BaseBranch string `json:"baseBranch"`
}

type FindRequest struct {
	Owner      string
	Repository string
	HeadBranch string
	BaseBranch string
}

type CreateRequest struct {
	Owner      string
	Repository string
	Title      string
	Body       string
	BaseBranch string
	HeadBranch string
	Draft      bool
}

// Gateway is what the regulator needs from a pull-request host.
type Gateway interface {
	// FindOpenPullRequestByHead returns nil when no open pull request exists.
	FindOpenPullRequestByHead(ctx context.Context, req FindRequest) (*PullRequestRecord, error)
	CreatePullRequest(ctx context.Context, req CreateRequest) (PullRequestRecord, error)
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Client talks to the GitHub REST API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func New(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := 15 * time.Second
	return &Client{BaseURL: baseURL, Token: token, Timeout: timeout, HTTPClient: &http.Client{Timeout: timeout}}
}

type apiPull struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	Title   string `json:"title"`
	State   string `json:"state"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

func (p apiPull) record() PullRequestRecord {
	return PullRequestRecord{
		Number:     p.Number,
		URL:        p.HTMLURL,
		Title:      p.Title,
		State:      p.State,
		HeadBranch: p.Head.Ref,
		BaseBranch: p.Base.Ref,
	}
}

func (c *Client) FindOpenPullRequestByHead(ctx context.Context, req FindRequest) (*PullRequestRecord, error) {
	q := url.Values{}
	q.Set("state", "open")
	q.Set("head", req.Owner+":"+req.HeadBranch)
	q.Set("base", req.BaseBranch)
	var pulls []apiPull
	if err := c.do(ctx, http.MethodGet, pullsPath(req.Owner, req.Repository)+"?"+q.Encode(), nil, &pulls); err != nil {
		return nil, err
	}
	for _, p := range pulls {
		if p.Head.Ref == req.HeadBranch && p.Base.Ref == req.BaseBranch {
			rec := p.record()
			return &rec, nil
		}
	}
	return nil, nil
}

func (c *Client) CreatePullRequest(ctx context.Context, req CreateRequest) (PullRequestRecord, error) {
	body := map[string]any{
		"title": req.Title,
		"head":  req.HeadBranch,
		"base":  req.BaseBranch,
		"body":  req.Body,
		"draft": req.Draft,
	}
	var pull apiPull
	if err := c.do(ctx, http.MethodPost, pullsPath(req.Owner, req.Repository), body, &pull); err != nil {
		return PullRequestRecord{}, err
	}
	return pull.record(), nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.Token == "" {
		return ErrMissingToken
	}
	// The client is shared by regulator workers; never assign fields here.
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func pullsPath(owner, repo string) string {
	return fmt.Sprintf("/repos/%s/%s/pulls", url.PathEscape(owner), url.PathEscape(repo))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
