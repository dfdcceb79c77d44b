package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// GatewayOptions configures an HTTP gateway channel
type GatewayOptions struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// HTTPGateway posts alerts as JSON to a provider gateway. SMS providers,
// social media posters and the radio broadcast relay all speak this shape.
//
// A 2xx reply with {"reach": n} counts as sent; anything else is failed.
type HTTPGateway struct {
	name   string
	url    string
	client *resty.Client
}

type gatewayReply struct {
	Reach int    `json:"reach"`
	ID    string `json:"id,omitempty"`
}

// NewHTTPGateway creates a gateway adapter named after its channel
func NewHTTPGateway(name string, opts GatewayOptions) *HTTPGateway {
	client := resty.New().
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "beacon/1.0")
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	if opts.Token != "" {
		client.SetAuthToken(opts.Token)
	}

	return &HTTPGateway{name: name, url: opts.URL, client: client}
}

func (g *HTTPGateway) Send(ctx context.Context, msg Message) Result {
	var reply gatewayReply
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(msg).
		SetResult(&reply).
		Post(g.url)
	if err != nil {
		return Failed(fmt.Errorf("%s gateway: %w", g.name, err))
	}
	if resp.IsError() {
		return Failed(fmt.Errorf("%s gateway: status %d", g.name, resp.StatusCode()))
	}
	if reply.Reach < 0 {
		return Failed(fmt.Errorf("%s gateway: negative reach %d", g.name, reply.Reach))
	}
	return Sent(reply.Reach)
}
