package namecache

import (
	"context"

	"github.com/walletnames/go-namecache/model"
)

// Gateway is the interface the cache uses to reach the remote name store.
//
// Errors should be *apierror.Error values so that callers can tell an
// unavailable store from a rejected write. Unclassified errors are treated as
// the store being unavailable.
type Gateway interface {
	// FetchAll gets the names of all addresses.
	FetchAll(context.Context) ([]model.NameRecord, error)
	// FetchBatch gets the names of the given addresses. Addresses with no
	// name are absent from the returned map.
	FetchBatch(context.Context, []string) (map[string]string, error)
	// Write sets the name of an address.
	Write(ctx context.Context, addr, name string) error
	// String returns a description of the gateway.
	String() string
}
