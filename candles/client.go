// Package candles reads historical OHLCV bars from the market REST API.
package candles

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"perpflow/fetcher"
	"perpflow/logger"
	"perpflow/models"
)

// Client fetches candle windows through the rate-limited fetcher.
type Client struct {
	baseURL string
	fetcher *fetcher.Fetcher
	log     *logger.Log
}

func NewClient(baseURL string, f *fetcher.Fetcher) *Client {
	return &Client{
		baseURL: baseURL,
		fetcher: f,
		log:     logger.GetLogger(),
	}
}

// Recent returns the most recent limit bars for an instrument in
// chronological order. The upstream delivers rows newest-first; they are
// reversed here so indicator code never sees wire order. Malformed rows
// are skipped.
func (c *Client) Recent(ctx context.Context, instID, bar string, limit int) ([]models.Candle, error) {
	q := url.Values{}
	q.Set("instId", instID)
	q.Set("bar", bar)
	q.Set("limit", strconv.Itoa(limit))
	endpoint := fmt.Sprintf("%s/market/candles?%s", c.baseURL, q.Encode())

	body, err := c.fetcher.Fetch(ctx, endpoint, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch candles %s %s: %w", instID, bar, err)
	}
	logger.IncrementCandleFetch(len(body))

	var resp models.CandleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode candles %s %s: %w", instID, bar, err)
	}
	if resp.Code != "0" {
		return nil, fmt.Errorf("candles %s %s: upstream code %s %s", instID, bar, resp.Code, resp.Msg)
	}

	log := c.log.WithComponent("candles").WithFields(logger.Fields{"inst_id": instID, "bar": bar})
	out := make([]models.Candle, 0, len(resp.Data))
	// Walk backwards: newest-first on the wire, chronological out.
	for i := len(resp.Data) - 1; i >= 0; i-- {
		candle, err := models.ParseCandleRow(resp.Data[i])
		if err != nil {
			log.WithError(err).Debug("skipping malformed candle row")
			continue
		}
		out = append(out, candle)
	}
	return out, nil
}
