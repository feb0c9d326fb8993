package endpoint

import (
	"math/rand/v2"
	"testing"

	"github.com/creachadair/coap"
)

func TestForChannel(t *testing.T) {
	if got := forChannel(nil); got != nil {
		t.Errorf("forChannel(nil): got %+v, want nil", got)
	}
	plain := &coap.Options{MaxRetransmit: 2}
	if got := forChannel(plain); got != plain {
		t.Error("forChannel without Rand: options were copied")
	}

	shared := &coap.Options{MaxRetransmit: 2, Rand: rand.New(rand.NewPCG(1, 2))}
	a, b := forChannel(shared), forChannel(shared)
	if a.Rand == shared.Rand || b.Rand == shared.Rand || a.Rand == b.Rand {
		t.Error("forChannel: channels share a random source")
	}
	if a.MaxRetransmit != 2 || b.MaxRetransmit != 2 {
		t.Errorf("forChannel: got MaxRetransmit %d, %d; want 2", a.MaxRetransmit, b.MaxRetransmit)
	}

	// The derived sources are reproducible from the shared seed.
	again := &coap.Options{Rand: rand.New(rand.NewPCG(1, 2))}
	if x, y := forChannel(again).Rand.Uint64(), a.Rand.Uint64(); x != y {
		t.Errorf("forChannel: derived source not reproducible: %x != %x", x, y)
	}
}
