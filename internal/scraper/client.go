// Package scraper fetches per-ROM metadata and artwork from a
// ScreenScraper-style API, caching responses in the catalog database
// (spec.md §4.11).
package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/retrosd/retrosd/internal/coreerr"
	"github.com/retrosd/retrosd/internal/ratelimit"
)

// Credentials are the developer and (optional) user credentials required
// by every API call.
type Credentials struct {
	DevID       string
	DevPassword string
	SoftName    string
	SSID        string
	SSPassword  string
}

// Client talks to the ScreenScraper-style API over a rate-limited HTTP
// client.
type Client struct {
	baseURL string
	creds   Credentials
	http    *http.Client
	limiter *ratelimit.Limiter
}

const defaultBaseURL = "https://api.screenscraper.fr/api2"

// NewClient builds a Client. limiter paces API calls (one lane per
// permitted concurrent thread); httpClient defaults to a 30s timeout.
func NewClient(creds Credentials, limiter *ratelimit.Limiter, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: defaultBaseURL, creds: creds, http: httpClient, limiter: limiter}
}

// ErrorType classifies an APIError the way the API's HTTP status encodes it.
type ErrorType int

const (
	ErrorTypeBadRequest ErrorType = iota
	ErrorTypeUnauthorized
	ErrorTypeForbidden
	ErrorTypeNotFound
	ErrorTypeTooManyRequests
	ErrorTypeServerError
	ErrorTypeUnknown
)

// APIError is a classified failure response from the scraper API.
type APIError struct {
	StatusCode int
	Message    string
	Type       ErrorType
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("scraper API error (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("scraper API error (HTTP %d)", e.StatusCode)
}

func classifyStatus(code int) ErrorType {
	switch {
	case code == http.StatusBadRequest:
		return ErrorTypeBadRequest
	case code == http.StatusUnauthorized:
		return ErrorTypeUnauthorized
	case code == http.StatusForbidden:
		return ErrorTypeForbidden
	case code == http.StatusNotFound:
		return ErrorTypeNotFound
	case code == http.StatusTooManyRequests:
		return ErrorTypeTooManyRequests
	case code >= 500:
		return ErrorTypeServerError
	default:
		return ErrorTypeUnknown
	}
}

// retryable reports whether a failure of this type should be retried by
// the caller (429/5xx), per spec.md §4.11 step 3.
func (t ErrorType) retryable() bool {
	return t == ErrorTypeTooManyRequests || t == ErrorTypeServerError
}

func (c *Client) query(extra url.Values) url.Values {
	q := url.Values{}
	q.Set("devid", c.creds.DevID)
	q.Set("devpassword", c.creds.DevPassword)
	q.Set("softname", c.creds.SoftName)
	q.Set("output", "json")
	if c.creds.SSID != "" {
		q.Set("ssid", c.creds.SSID)
	}
	if c.creds.SSPassword != "" {
		q.Set("sspassword", c.creds.SSPassword)
	}
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	return q
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		body, err := c.doGet(ctx, endpoint, params)
		if err == nil {
			return body, nil
		}
		lastErr = err
		var apiErr *APIError
		if !asAPIError(err, &apiErr) || !apiErr.Type.retryable() {
			return nil, err
		}
		if attempt < maxAttempts {
			if sleepErr := sleepBackoff(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}
	return nil, coreerr.New(coreerr.ClassTransient, "scraper.get", fmt.Errorf("exhausted retries: %w", lastErr))
}

func (c *Client) doGet(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	u := c.baseURL + "/" + endpoint + "?" + c.query(params).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, coreerr.New(coreerr.ClassPermanent, "scraper.doGet", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, coreerr.New(coreerr.ClassTransient, "scraper.doGet", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, coreerr.New(coreerr.ClassTransient, "scraper.doGet", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body)), Type: classifyStatus(resp.StatusCode)}
		class := coreerr.ClassPermanent
		if apiErr.Type.retryable() {
			class = coreerr.ClassTransient
		}
		return nil, coreerr.New(class, "scraper.doGet", apiErr)
	}
	return body, nil
}

func asAPIError(err error, target **APIError) bool {
	for err != nil {
		if ae, ok := err.(*APIError); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func sleepBackoff(ctx context.Context, attempt int) error {
	d := time.Duration(attempt) * 500 * time.Millisecond
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return coreerr.New(coreerr.ClassCancelled, "scraper.sleepBackoff", ctx.Err())
	}
}

// UserInfo is the parsed result of ssuserInfos.php.
type UserInfo struct {
	MaxThreads       int
	MaxDownloadSpeed int
}

type userInfoResponse struct {
	Response struct {
		SSUser struct {
			MaxThreads       string `json:"maxthreads"`
			MaxDownloadSpeed string `json:"maxdownloadspeed"`
		} `json:"ssuser"`
		Error string `json:"error"`
	} `json:"response"`
}

// GetUserInfo calls ssuserInfos.php to discover quota limits.
func (c *Client) GetUserInfo(ctx context.Context) (UserInfo, error) {
	body, err := c.get(ctx, "ssuserInfos.php", nil)
	if err != nil {
		return UserInfo{}, err
	}
	var resp userInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return UserInfo{}, coreerr.New(coreerr.ClassPermanent, "scraper.GetUserInfo", fmt.Errorf("non-JSON response: %w", err))
	}
	if resp.Response.Error != "" {
		return UserInfo{}, coreerr.New(coreerr.ClassLogical, "scraper.GetUserInfo", fmt.Errorf("%s", resp.Response.Error))
	}
	maxThreads, _ := strconv.Atoi(resp.Response.SSUser.MaxThreads)
	maxSpeed, _ := strconv.Atoi(resp.Response.SSUser.MaxDownloadSpeed)
	return UserInfo{MaxThreads: maxThreads, MaxDownloadSpeed: maxSpeed}, nil
}

// Media is one artwork/video item for a game.
type Media struct {
	Type   string
	URL    string
	Format string
	Region string
}

// GameInfo is the normalized response of jeuInfos.php.
type GameInfo struct {
	ID     string
	Name   string
	Region string
	Media  []Media
}

type jeuInfosResponse struct {
	Response struct {
		Jeu struct {
			ID   json.Number `json:"id"`
			Noms []struct {
				Text string `json:"text"`
			} `json:"noms"`
			Region string `json:"region"`
			Medias []struct {
				Type   string `json:"type"`
				URL    string `json:"url"`
				Format string `json:"format"`
				Region string `json:"region,omitempty"`
			} `json:"medias"`
		} `json:"jeu"`
		Error string `json:"error"`
	} `json:"response"`
}

// LookupParams identifies a ROM for jeuInfos.php.
type LookupParams struct {
	SystemID int
	RomName  string
	RomSize  int64
	RomType  string
	CRC32    string
	SHA1     string
}

// GetGameInfo calls jeuInfos.php and normalizes the response.
func (c *Client) GetGameInfo(ctx context.Context, p LookupParams) (GameInfo, error) {
	params := url.Values{}
	params.Set("systemeid", strconv.Itoa(p.SystemID))
	params.Set("romnom", p.RomName)
	params.Set("romtaille", strconv.FormatInt(p.RomSize, 10))
	if p.RomType != "" {
		params.Set("romtype", p.RomType)
	}
	if p.CRC32 != "" {
		params.Set("crc", p.CRC32)
	}
	if p.SHA1 != "" {
		params.Set("sha1", p.SHA1)
	}

	body, err := c.get(ctx, "jeuInfos.php", params)
	if err != nil {
		return GameInfo{}, err
	}
	var resp jeuInfosResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return GameInfo{}, coreerr.New(coreerr.ClassPermanent, "scraper.GetGameInfo", fmt.Errorf("non-JSON response: %w", err))
	}
	if resp.Response.Error != "" {
		return GameInfo{}, coreerr.New(coreerr.ClassPermanent, "scraper.GetGameInfo", fmt.Errorf("%s", resp.Response.Error))
	}

	info := GameInfo{ID: resp.Response.Jeu.ID.String(), Region: resp.Response.Jeu.Region}
	if len(resp.Response.Jeu.Noms) > 0 {
		info.Name = resp.Response.Jeu.Noms[0].Text
	}
	for _, m := range resp.Response.Jeu.Medias {
		info.Media = append(info.Media, Media{Type: m.Type, URL: m.URL, Format: m.Format, Region: m.Region})
	}
	return info, nil
}

// recognizedMediaTypes are the media kinds the engine downloads artwork for.
var recognizedMediaTypes = map[string]bool{
	"box-2D": true, "box-2D-back": true, "ss": true, "ss-game": true,
	"video": true, "video-normalized": true,
}

// SelectMedia picks one representative per media type from all, preferring
// region "wor" then "us" then first-seen order (spec.md §4.11 step 4).
func SelectMedia(all []Media) map[string]Media {
	best := make(map[string]Media)
	rank := func(region string) int {
		switch strings.ToLower(region) {
		case "wor":
			return 0
		case "us":
			return 1
		default:
			return 2
		}
	}
	for _, m := range all {
		if !recognizedMediaTypes[m.Type] {
			continue
		}
		existing, ok := best[m.Type]
		if !ok || rank(m.Region) < rank(existing.Region) {
			best[m.Type] = m
		}
	}
	return best
}
