package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_connect_attempts_total",
		Help: "Broker connection attempts, by result.",
	}, []string{"result"})

	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_publish_total",
		Help: "Messages published, by exchange, routing key and result.",
	}, []string{"exchange", "routing_key", "result"})

	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_deliveries_total",
		Help: "Consumed deliveries, by queue and acknowledgement outcome.",
	}, []string{"queue", "outcome"})
)

const (
	outcomeAck     = "ack"
	outcomeRequeue = "nack_requeue"
	outcomeDrop    = "nack_drop"
)
