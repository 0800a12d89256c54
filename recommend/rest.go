package recommend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/quantdash/marketsync-go/common"
	"github.com/quantdash/marketsync-go/internal/ctxtime"
)

// Client fetches trade recommendations over the REST API.
type Client interface {
	GetRecommendations(ctx context.Context, req RecommendationRequest) (*RecommendationResponse, error)
}

// ClientOpts contains options for the recommendation client
type ClientOpts struct {
	APIKey      string
	AccessToken string
	BaseURL     string
	Timeout     time.Duration
	RetryLimit  int
	RetryDelay  time.Duration
}

type client struct {
	opts ClientOpts

	do func(c *client, req *http.Request) (*http.Response, error)
}

// NewClient creates a new recommendation client using the given opts.
func NewClient(opts ClientOpts) Client {
	creds := common.CredentialsFromEnv()
	if opts.APIKey == "" {
		opts.APIKey = creds.APIKey
	}
	if opts.AccessToken == "" {
		opts.AccessToken = creds.AccessToken
	}
	if opts.BaseURL == "" {
		if s := os.Getenv("MKS_API_URL"); s != "" {
			opts.BaseURL = s
		} else {
			opts.BaseURL = "https://api.quantdash.app"
		}
	}
	if opts.RetryLimit == 0 {
		opts.RetryLimit = 3
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Second
	}
	return &client{
		opts: opts,

		do: defaultDo,
	}
}

func defaultDo(c *client, req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.opts.AccessToken)
	req.Header.Set("X-API-Key", c.opts.APIKey)
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{
		Timeout: c.opts.Timeout,
	}
	var resp *http.Response
	var err error
	for i := 0; ; i++ {
		resp, err = httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			break
		}
		if i >= c.opts.RetryLimit {
			break
		}
		resp.Body.Close()
		if err := ctxtime.Sleep(req.Context(), c.opts.RetryDelay); err != nil {
			return nil, err
		}
	}

	if err = verify(resp); err != nil {
		return nil, err
	}

	return resp, nil
}

func verify(resp *http.Response) error {
	if resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		apiErr := APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(body, &apiErr); err != nil {
			// The error is not in our JSON format, keep the raw body as message
			apiErr.Message = string(bytes.TrimSpace(body))
		}
		return &apiErr
	}
	return nil
}

func unmarshal(resp *http.Response, data interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(data)
}

// GetRecommendations fetches recommendations for the given strategy and
// parameters. It does not consult any cache: use a Coordinator to avoid
// redundant requests.
func (c *client) GetRecommendations(ctx context.Context, rr RecommendationRequest) (*RecommendationResponse, error) {
	if rr.Strategy == "" {
		return nil, fmt.Errorf("strategy is required")
	}
	body, err := json.Marshal(rr)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/recommendations", c.opts.BaseURL), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	resp, err := c.do(c, req)
	if err != nil {
		return nil, err
	}

	var response RecommendationResponse
	if err := unmarshal(resp, &response); err != nil {
		return nil, err
	}
	return &response, nil
}
