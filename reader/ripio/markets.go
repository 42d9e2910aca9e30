package ripio

import (
	"context"

	"bookflow/models"
)

// Rates returns the last price and volume of every pair (GET /rate/all/).
func (c *Client) Rates(ctx context.Context) ([]models.RipioRate, error) {
	var rates []models.RipioRate
	if _, err := c.getJSON(ctx, "rates", "", "/rate/all/", nil, &rates); err != nil {
		return nil, err
	}
	return rates, nil
}

// Pairs returns the exchange's pair list (GET /pair/).
func (c *Client) Pairs(ctx context.Context) ([]models.RipioPair, error) {
	var list models.RipioPairList
	if _, err := c.getJSON(ctx, "pairs", "", "/pair/", nil, &list); err != nil {
		return nil, err
	}
	return list.Results, nil
}
