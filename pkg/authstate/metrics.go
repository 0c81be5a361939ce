package authstate

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authstate",
			Name:      "cache_requests_total",
			Help:      "Credential cache lookups by cache and result.",
		},
		[]string{"cache", "result"},
	)

	upstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authstate",
			Name:      "upstream_requests_total",
			Help:      "Calls to the identity provider and Groups service by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	groupResolutionDegraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authstate",
			Name:      "group_resolution_degraded_total",
			Help:      "Group resolutions that fell back to an empty set.",
		},
		[]string{"reason"},
	)

	authorizationDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authstate",
			Name:      "authorization_decisions_total",
			Help:      "CheckAuthorization results by decision and the rule that decided.",
		},
		[]string{"decision", "rule"},
	)
)

func init() {
	prometheus.MustRegister(cacheRequests, upstreamRequests, groupResolutionDegraded, authorizationDecisions)
}

func observeCache(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheRequests.WithLabelValues(cache, result).Inc()
}

func observeUpstream(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	upstreamRequests.WithLabelValues(operation, outcome).Inc()
}
