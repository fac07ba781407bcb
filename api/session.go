package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrAuth is returned when the upstream rejects the API credentials. It is
// fatal for the whole run; no entity sync may proceed without a token.
var ErrAuth = errors.New("upstream rejected credentials")

const (
	// sustained rate of one request every 500ms, the pause the upstream
	// tolerates, with headroom for short pagination bursts
	requestInterval = 500 * time.Millisecond
	requestBurst    = 10
)

// HTTPError represents a non-2xx response from the upstream API.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf(`upstream response %d "%s"`, e.StatusCode, e.Body)
}

// rateLimitedTransport throttles all outgoing requests through one limiter so
// pagination across entities shares the upstream's implicit rate limit.
type rateLimitedTransport struct {
	transport http.RoundTripper
	limiter   *rate.Limiter
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.transport.RoundTrip(req)
}

// Session holds the authenticated state for one sync run. It is created once
// at run start, read-only after Login, and safe for concurrent use.
type Session struct {
	baseURL  string
	apiKey   string
	apiToken string
	token    string
	client   *http.Client
}

func NewSession(baseURL, apiKey, apiToken string, timeout time.Duration) *Session {
	return &Session{
		baseURL:  baseURL,
		apiKey:   apiKey,
		apiToken: apiToken,
		client: &http.Client{
			Timeout: timeout,
			Transport: &rateLimitedTransport{
				transport: http.DefaultTransport,
				limiter:   rate.NewLimiter(rate.Every(requestInterval), requestBurst),
			},
		},
	}
}

type loginResult struct {
	Result struct {
		Authenticated bool   `json:"authenticated"`
		AccessToken   string `json:"accessToken"`
		Expiration    string `json:"expiration"`
	} `json:"result"`
}

// Login obtains an access token from GET {base}/login/?apiKey=&apiToken=.
// A non-200 response or authenticated=false in the payload is an ErrAuth.
func (s *Session) Login(ctx context.Context) error {
	q := url.Values{}
	q.Set("apiKey", s.apiKey)
	q.Set("apiToken", s.apiToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/login/?"+q.Encode(), nil)
	if err != nil {
		return errors.Wrap(err, "error creating login request")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "error executing login request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "error reading login response")
	}

	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(ErrAuth, "login returned status %d", resp.StatusCode)
	}

	var parsed loginResult
	if err := json.Unmarshal(body, &parsed); err != nil {
		return errors.Wrap(err, "error unmarshalling login response")
	}

	if !parsed.Result.Authenticated || parsed.Result.AccessToken == "" {
		return errors.Wrap(ErrAuth, "login response not authenticated")
	}

	s.token = parsed.Result.AccessToken
	log.WithFields(log.Fields{"expiration": parsed.Result.Expiration}).Info("authenticated against upstream API")
	return nil
}

// Get performs an authorized GET against {base}{path} with the given query
// parameters and returns the raw response body.
func (s *Session) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := s.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return s.GetURL(ctx, u)
}

// GetURL performs an authorized GET against an absolute URL. Pagination
// follows nextPage links verbatim, which may point outside {base}{path}.
func (s *Session) GetURL(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "error creating get request")
	}

	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("x-api-key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "error executing request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "error reading response body")
	}

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return body, nil
}
