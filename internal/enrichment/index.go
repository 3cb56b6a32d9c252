// Package enrichment joins cases with their alerts, transactions and customer
// context into read-only enriched views.
package enrichment

import (
	"context"
	"fmt"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// Index holds the lookup tables enrichment reads from. It is built once and
// never modified afterwards, so any number of goroutines may read it.
type Index struct {
	customers        map[string]*domain.Customer
	txByID           map[string]*domain.Transaction
	txByCustomer     map[string][]*domain.Transaction
	alerts           map[string]*domain.Alert
	alertsByCustomer map[string][]*domain.Alert
	alertsByTx       map[string][]string
}

// NewIndex builds the lookup tables. Transactions without an id, a customer
// or a timestamp cannot be joined and are left out. Per-customer sorting fans
// out across at most workers goroutines.
func NewIndex(ctx context.Context, customers map[string]*domain.Customer, txs []*domain.Transaction, alerts []*domain.Alert, workers int) (*Index, error) {
	idx := &Index{
		customers:        customers,
		txByID:           make(map[string]*domain.Transaction, len(txs)),
		alerts:           make(map[string]*domain.Alert, len(alerts)),
		alertsByCustomer: make(map[string][]*domain.Alert),
		alertsByTx:       make(map[string][]string),
	}
	if idx.customers == nil {
		idx.customers = map[string]*domain.Customer{}
	}

	usable := make([]*domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.ID == "" || tx.CustomerID == "" || tx.Timestamp.IsZero() {
			continue
		}
		idx.txByID[tx.ID] = tx
		usable = append(usable, tx)
	}

	byCustomer, err := velocity.Partition(ctx, usable, workers)
	if err != nil {
		return nil, fmt.Errorf("failed to index transactions: %w", err)
	}
	idx.txByCustomer = byCustomer

	for _, a := range alerts {
		if a.ID == "" {
			continue
		}
		idx.alerts[a.ID] = a
		if a.CustomerID != "" {
			idx.alertsByCustomer[a.CustomerID] = append(idx.alertsByCustomer[a.CustomerID], a)
		}
		for _, txID := range a.TriggeredTransactionIDs {
			idx.alertsByTx[txID] = append(idx.alertsByTx[txID], a.ID)
		}
	}
	for txID, ids := range idx.alertsByTx {
		sort.Strings(ids)
		idx.alertsByTx[txID] = ids
	}

	return idx, nil
}

// Customer returns a customer record.
func (i *Index) Customer(id string) (*domain.Customer, bool) {
	c, ok := i.customers[id]
	return c, ok
}

// Transaction returns a transaction by id.
func (i *Index) Transaction(id string) (*domain.Transaction, bool) {
	tx, ok := i.txByID[id]
	return tx, ok
}

// Alert returns an alert by id.
func (i *Index) Alert(id string) (*domain.Alert, bool) {
	a, ok := i.alerts[id]
	return a, ok
}

// Alerts returns the alert table. Callers must not modify it.
func (i *Index) Alerts() map[string]*domain.Alert {
	return i.alerts
}

// Customers returns the customer table. Callers must not modify it.
func (i *Index) Customers() map[string]*domain.Customer {
	return i.customers
}

// CustomerTransactions returns a customer's transactions sorted by timestamp.
func (i *Index) CustomerTransactions(customerID string) []*domain.Transaction {
	return i.txByCustomer[customerID]
}

// AlertsForTransaction returns the sorted ids of every alert that flagged the
// transaction, across all cases.
func (i *Index) AlertsForTransaction(txID string) []string {
	return i.alertsByTx[txID]
}

// countAlertsBefore counts a customer's alerts whose event time is strictly
// before t.
func (i *Index) countAlertsBefore(customerID string, t domain.Timestamp) int {
	n := 0
	for _, a := range i.alertsByCustomer[customerID] {
		if !a.EventTime.IsZero() && a.EventTime.Before(t.Time) {
			n++
		}
	}
	return n
}
