package service

import "github.com/spacemeshos/go-setunion/metrics"

const subsystem = "service"

var (
	opsStarted = metrics.NewCounter(
		"operations_started",
		subsystem,
		"number of started set union operations",
		[]string{"role"},
	)
	opsFinished = metrics.NewCounter(
		"operations_finished",
		subsystem,
		"number of finished set union operations",
		[]string{"outcome"},
	)
	messagesSent = metrics.NewCounter(
		"messages_sent",
		subsystem,
		"number of messages sent to peers",
		[]string{"type"},
	)
	bytesSent = metrics.NewCounter(
		"bytes_sent",
		subsystem,
		"number of bytes sent to peers",
		[]string{"type"},
	)
	messagesReceived = metrics.NewCounter(
		"messages_received",
		subsystem,
		"number of messages received from peers",
		[]string{"type"},
	)
	incomingRequests = metrics.NewCounter(
		"incoming_requests",
		subsystem,
		"number of operation requests received from peers",
		[]string{"outcome"},
	)
	setsGauge = metrics.NewGauge(
		"sets",
		subsystem,
		"number of live sets",
		[]string{},
	)
)
