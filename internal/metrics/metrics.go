package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	InboundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailbridge_inbound_total",
			Help: "Inbound email lifecycle counter by stage",
		},
		[]string{"stage"}, // received|duplicate|delivered|retry
	)

	OutboundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailbridge_outbound_total",
			Help: "Outbound request lifecycle counter by outcome",
		},
		[]string{"outcome"}, // sent|failed|rejected|replayed|greeting
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		InboundTotal,
		OutboundTotal,
	)
}
