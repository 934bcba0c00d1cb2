// Package quotes mediates all price lookups: the external quote service
// collaborator behind a Fetcher interface, and the stampede-safe cache that
// serves the order engine and feeds the trigger engine.
package quotes

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Fetcher obtains the current price of a symbol from the external pricing
// collaborator. Implementations may fail or time out; the cache never
// stores a failed fetch.
type Fetcher interface {
	FetchPrice(ctx context.Context, symbol string) (float64, error)
}

// TCPFetcher speaks the legacy quote-server line protocol: it writes
// "<client>,<symbol>\n" and reads back
// "<price>,<symbol>,<client>,<timestamp>,<cryptokey>". One connection per
// request; the upstream server closes after answering.
type TCPFetcher struct {
	addr     string
	clientID string
	timeout  time.Duration
	dialer   net.Dialer
}

var _ Fetcher = (*TCPFetcher)(nil)

// NewTCPFetcher creates a fetcher for the quote server at addr. clientID is
// echoed by the server and recorded in its own logs.
func NewTCPFetcher(addr, clientID string, timeout time.Duration) *TCPFetcher {
	return &TCPFetcher{
		addr:     addr,
		clientID: clientID,
		timeout:  timeout,
	}
}

// FetchPrice performs one round trip on a fresh connection.
func (f *TCPFetcher) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	conn, err := f.dialer.DialContext(ctx, "tcp", f.addr)
	if err != nil {
		return 0, fmt.Errorf("quote server dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return 0, fmt.Errorf("quote server deadline: %w", err)
		}
	}

	if _, err := fmt.Fprintf(conn, "%s,%s\n", f.clientID, symbol); err != nil {
		return 0, fmt.Errorf("quote server write: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return 0, fmt.Errorf("quote server read: %w", err)
	}

	return parseQuoteLine(line, symbol)
}

func parseQuoteLine(line, symbol string) (float64, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed quote response %q", line)
	}
	if got := strings.TrimSpace(fields[1]); !strings.EqualFold(got, symbol) {
		return 0, fmt.Errorf("quote response for %q, requested %q", got, symbol)
	}
	price, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil {
		return 0, fmt.Errorf("malformed quote price %q: %w", fields[0], err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("non-positive quote price %v for %s", price, symbol)
	}
	return price, nil
}

// StaticFetcher serves fixed prices from a map. Development and test use.
type StaticFetcher struct {
	Prices map[string]float64
}

var _ Fetcher = (*StaticFetcher)(nil)

func (f *StaticFetcher) FetchPrice(_ context.Context, symbol string) (float64, error) {
	price, ok := f.Prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for symbol %q", symbol)
	}
	return price, nil
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, symbol string) (float64, error)

func (f FetcherFunc) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	return f(ctx, symbol)
}
