package micdma

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
)

// channelMetrics are the counters of one channel, registered as micdma.dev<N>.ch<M>.<name>.
type channelMetrics struct {
	submits       metrics.Counter
	bytes         metrics.Counter
	descriptors   metrics.Counter
	marks         metrics.Counter
	interrupts    metrics.Counter
	callbacks     metrics.Counter
	slowCallbacks metrics.Counter
	timeouts      metrics.Counter
	hangs         metrics.Counter
	hwErrors      metrics.Counter
	integrity     metrics.Counter
	callbackTime  metrics.Timer
}

func newChannelMetrics(r metrics.Registry, device, ch int) *channelMetrics {
	prefix := fmt.Sprintf("micdma.dev%d.ch%d.", device, ch)
	counter := func(name string) metrics.Counter {
		return metrics.GetOrRegisterCounter(prefix+name, r)
	}
	return &channelMetrics{
		submits:       counter("submits"),
		bytes:         counter("bytes"),
		descriptors:   counter("descriptors"),
		marks:         counter("marks"),
		interrupts:    counter("interrupts"),
		callbacks:     counter("callbacks"),
		slowCallbacks: counter("callbacks.slow"),
		timeouts:      counter("timeouts"),
		hangs:         counter("hangs"),
		hwErrors:      counter("hw_errors"),
		integrity:     counter("integrity_errors"),
		callbackTime:  metrics.GetOrRegisterTimer(prefix+"callback.duration", r),
	}
}
