package cases

import (
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ClusterReport describes how a portfolio's alerts fall into anchor windows.
type ClusterReport struct {
	Customers           int            `json:"customers_with_alerts"`
	ClustersPerCustomer map[string]int `json:"clusters_per_customer"`
	AvgClusters         float64        `json:"avg_clusters_per_customer"`
	MinClusters         int            `json:"min_clusters"`
	MinCustomer         string         `json:"min_clusters_customer"`
	MaxClusters         int            `json:"max_clusters"`
	MaxCustomer         string         `json:"max_clusters_customer"`
	LargestCluster      int            `json:"largest_cluster_size"`
	ZeroSpanClusters    int            `json:"zero_span_clusters"`
	ZeroSpanByCustomer  map[string]int `json:"zero_span_by_customer"`
}

// AnalyzeClusters clusters alerts the same way Build does and reports cluster
// counts and sizes. A cluster whose alerts fall within one day has zero span.
// Ties on min and max resolve to the lowest customer id.
func AnalyzeClusters(alerts []*domain.Alert, windowDays int) *ClusterReport {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	window := time.Duration(windowDays) * 24 * time.Hour

	r := &ClusterReport{
		ClustersPerCustomer: make(map[string]int),
		ZeroSpanByCustomer:  make(map[string]int),
	}

	byCustomer := groupByCustomer(alerts)
	ids := make([]string, 0, len(byCustomer))
	for id := range byCustomer {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	total := 0
	for i, id := range ids {
		clusters := clusterAnchored(byCustomer[id], window)
		n := len(clusters)
		r.ClustersPerCustomer[id] = n
		total += n

		if i == 0 || n < r.MinClusters {
			r.MinClusters, r.MinCustomer = n, id
		}
		if i == 0 || n > r.MaxClusters {
			r.MaxClusters, r.MaxCustomer = n, id
		}

		for _, c := range clusters {
			r.LargestCluster = max(r.LargestCluster, len(c))
			if c[len(c)-1].EventTime.Sub(c[0].EventTime.Time) < 24*time.Hour {
				r.ZeroSpanClusters++
				r.ZeroSpanByCustomer[id]++
			}
		}
	}

	r.Customers = len(ids)
	if r.Customers > 0 {
		r.AvgClusters = float64(total) / float64(r.Customers)
	}
	return r
}
