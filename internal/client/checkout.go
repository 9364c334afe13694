package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

// Checkout defaults for the hosted payment page.
const (
	DefaultCheckoutURL = "https://muvusoft.site/serv_chr_talks/pay.html"
	DefaultPriceID     = "pri_01k4ertq7jkbb25tb9s1g77t49"
)

// Opener shows a URL to the user.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, url string) error

func (f OpenerFunc) Open(ctx context.Context, url string) error { return f(ctx, url) }

// LogOpener only logs the URL.
var LogOpener = OpenerFunc(func(_ context.Context, u string) error {
	log.Info().Str("url", u).Msg("Checkout URL")
	return nil
})

// CheckoutURL builds base?price_id=..&email=..&deviceId=.. with any existing
// query on base preserved in front.
func CheckoutURL(base, priceID, email, deviceID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse checkout URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("checkout URL must be http or https, got %q", base)
	}

	params := []string{
		"price_id=" + url.QueryEscape(priceID),
		"email=" + url.QueryEscape(email),
		"deviceId=" + url.QueryEscape(deviceID),
	}
	query := strings.Join(params, "&")
	if u.RawQuery != "" {
		query = u.RawQuery + "&" + query
	}
	u.RawQuery = query
	return u.String(), nil
}
