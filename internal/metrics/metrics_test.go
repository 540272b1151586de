package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDelivery_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	d := MustNewDelivery(reg)

	d.Sent("card")
	d.Sent("card")
	d.Sent("text")
	d.Failed("chunk")
	d.StreamUpdated()
	d.MediaFallback()
	d.ReplyFinished("ok", 150*time.Millisecond)

	if got := testutil.ToFloat64(d.sends.WithLabelValues("card")); got != 2 {
		t.Errorf("card sends = %v, want 2", got)
	}
	if got := testutil.ToFloat64(d.sendFailures.WithLabelValues("chunk")); got != 1 {
		t.Errorf("chunk failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(d.mediaFallbacks); got != 1 {
		t.Errorf("media fallbacks = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(d.replyDuration); n != 1 {
		t.Errorf("reply duration series = %d, want 1", n)
	}
}

func TestDelivery_NilSafe(t *testing.T) {
	var d *Delivery
	d.Sent("text")
	d.Failed("media")
	d.TypingFailed("start")
	d.ReplyFinished("error", time.Second)
}
