// Copyright 2024 The drinkup-image authors.
// SPDX-License-Identifier: Apache-2.0

package drinkup

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	variantCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "variant_cache_hits",
			Help: "Number of requests served from the variant cache.",
		})
	variantCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "variant_cache_misses",
			Help: "Number of requests that computed a new variant.",
		})
	variantFlightsShared = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "variant_flights_shared",
			Help: "Number of requests that attached to an in-flight computation.",
		})
	transformSummary = prometheus.NewSummary(prometheus.SummaryOpts{
		Name: "image_transformation_seconds",
		Help: "Time taken for image transformations in seconds.",
	})
	transformErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "image_transformation_errors",
		Help: "Total decode and encode failures.",
	})
	sourceFetchSummary = prometheus.NewSummary(prometheus.SummaryOpts{
		Name: "source_fetch_seconds",
		Help: "Time taken fetching source images in seconds.",
	})
	sourceFetchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "source_fetch_errors",
		Help: "Total source fetch failures.",
	})
	httpRequestsResponseTime = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "http",
		Name:      "response_time_seconds",
		Help:      "Request response times",
	})
)

func init() {
	prometheus.MustRegister(variantCacheHits)
	prometheus.MustRegister(variantCacheMisses)
	prometheus.MustRegister(variantFlightsShared)
	prometheus.MustRegister(transformSummary)
	prometheus.MustRegister(transformErrors)
	prometheus.MustRegister(sourceFetchSummary)
	prometheus.MustRegister(sourceFetchErrors)
	prometheus.MustRegister(httpRequestsResponseTime)
}
