package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/perpwatch/perpwatch/internal/risk"
)

// RESTClient fetches indexer state over HTTP. The feed uses it to bootstrap
// market metadata and subaccount snapshots before websocket data arrives.
type RESTClient struct {
	baseURL string
	client  *http.Client
}

func NewRESTClient(baseURL string) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// GetSubaccount fetches the current state of one subaccount.
func (r *RESTClient) GetSubaccount(ctx context.Context, address string, number int) (*SubaccountUpdate, error) {
	url := r.baseURL + "/addresses/" + address + "/subaccountNumber/" + strconv.Itoa(number)
	body, err := r.get(ctx, url)
	if err != nil {
		return nil, err
	}
	return ParseRESTSubaccount(body)
}

// GetMarkets fetches metadata and oracle prices for all perpetual markets.
func (r *RESTClient) GetMarkets(ctx context.Context) (map[string]risk.MarketInfo, error) {
	body, err := r.get(ctx, r.baseURL+"/perpetualMarkets")
	if err != nil {
		return nil, err
	}
	return ParseRESTMarkets(body)
}

func (r *RESTClient) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("indexer returned status %d for %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}
