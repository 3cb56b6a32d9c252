// Package velocity provides trailing-window scans over a customer's transactions.
package velocity

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Duration converts a rule window into a time.Duration.
func Duration(w *domain.Window) (time.Duration, error) {
	if w == nil {
		return 0, fmt.Errorf("window is required")
	}
	if w.Value <= 0 {
		return 0, fmt.Errorf("window value must be positive, got %d", w.Value)
	}
	switch w.Unit {
	case "hours":
		return time.Duration(w.Value) * time.Hour, nil
	case "days":
		return time.Duration(w.Value) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unsupported window unit %q", w.Unit)
}

// Hit is a window that satisfied the match function. Left and Right index into
// the scanned slice, both inclusive.
type Hit struct {
	Left  int
	Right int
}

// MatchFunc inspects the current window and reports whether it triggers.
type MatchFunc func(window []*domain.Transaction) bool

// Scan walks txs, which must be sorted by timestamp ascending, with a
// two-pointer trailing window of length d ending at each transaction.
//
// Before match is called the left edge advances until every member is within d
// of the right edge. When match reports true the window collapses to start at
// the triggering transaction, so one burst produces one hit.
func Scan(txs []*domain.Transaction, d time.Duration, match MatchFunc) []Hit {
	var hits []Hit
	left := 0
	for right := range txs {
		end := txs[right].Timestamp.Time
		for left <= right && end.Sub(txs[left].Timestamp.Time) > d {
			left++
		}
		if match(txs[left : right+1]) {
			hits = append(hits, Hit{Left: left, Right: right})
			left = right
		}
	}
	return hits
}

// Partition groups transactions by customer id and sorts each customer's
// slice by timestamp. Customers are independent, so sorting fans out across
// at most workers goroutines. Ties keep their input order.
func Partition(ctx context.Context, txs []*domain.Transaction, workers int) (map[string][]*domain.Transaction, error) {
	byCustomer := make(map[string][]*domain.Transaction)
	for _, tx := range txs {
		byCustomer[tx.CustomerID] = append(byCustomer[tx.CustomerID], tx)
	}

	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, list := range byCustomer {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sort.SliceStable(list, func(i, j int) bool {
				return list[i].Timestamp.Before(list[j].Timestamp.Time)
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return byCustomer, nil
}
