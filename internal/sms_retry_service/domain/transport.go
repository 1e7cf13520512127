package domain

import "context"

// Transport sends one message through the provider. A failure should be a
// *SendError when the provider returned a structured code.
type Transport interface {
	Send(ctx context.Context, recipient, body string) (providerMessageID string, err error)
}
