package norm

import (
	"math"
	"testing"
	"time"
)

func TestGRTTQuantizationAccuracy(t *testing.T) {
	for _, d := range []time.Duration{
		time.Millisecond, 10 * time.Millisecond, 100 * time.Millisecond,
		time.Second, 10 * time.Second,
	} {
		got := UnquantizeGRTT(QuantizeGRTT(d))
		relErr := math.Abs(got.Seconds()-d.Seconds()) / d.Seconds()
		if relErr > 0.05 {
			t.Errorf("GRTT %v decoded as %v, relative error %.3f", d, got, relErr)
		}
	}
}

func TestRateQuantizationMonotone(t *testing.T) {
	rates := []float64{10, 1e3, 5e4, 1e6, 1e8, 5e9}
	var prevCode uint16
	for i, r := range rates {
		code := QuantizeRate(r)
		if i > 0 && code <= prevCode {
			t.Fatalf("rate codes not increasing: %v -> %d, prev %d", r, code, prevCode)
		}
		prevCode = code
		got := UnquantizeRate(code)
		if relErr := math.Abs(got-r) / r; relErr > 0.01 {
			t.Errorf("rate %v decoded as %v, relative error %.4f", r, got, relErr)
		}
	}
}

func TestLossQuantizationEdges(t *testing.T) {
	if QuantizeLoss(0) != 0 {
		t.Error("zero loss must encode as 0")
	}
	if QuantizeLoss(1) != math.MaxUint32 {
		t.Error("total loss must saturate the code")
	}
	if got := UnquantizeLoss(QuantizeLoss(0.25)); math.Abs(got-0.25) > 1e-6 {
		t.Errorf("0.25 round-tripped as %v", got)
	}
}
