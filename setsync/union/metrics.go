package union

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spacemeshos/go-setunion/metrics"
)

const subsystem = "union"

var (
	fullSyncs = metrics.NewCounter(
		"full_syncs",
		subsystem,
		"Number of operations that fell back to full set transmission",
		nil,
	).WithLabelValues()
	decodeRetries = metrics.NewCounter(
		"ibf_decode_retries",
		subsystem,
		"Number of IBF decode failures followed by a larger IBF",
		nil,
	).WithLabelValues()
	estimatedDiff = metrics.NewHistogramWithBuckets(
		"estimated_difference",
		subsystem,
		"Set difference estimated by the strata estimator",
		nil,
		prometheus.ExponentialBuckets(1, 4, 12),
	).WithLabelValues()
	ibfOrders = metrics.NewHistogramWithBuckets(
		"ibf_order",
		subsystem,
		"Order of the IBFs sent to peers",
		nil,
		prometheus.LinearBuckets(1, 1, 24),
	).WithLabelValues()
	receivedElements = metrics.NewCounter(
		"received_elements",
		subsystem,
		"Number of elements received from peers",
		[]string{"fresh"},
	)
	freshElements = receivedElements.WithLabelValues("true")
	knownElements = receivedElements.WithLabelValues("false")
)
