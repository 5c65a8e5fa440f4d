package hw

import (
	"context"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

func TestOutputPin(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO25", Num: 25}
	out := NewOutputPin(pin)

	for _, level := range []bool{true, false, true} {
		if err := out.Out(level); err != nil {
			t.Fatalf("Out(%t): %v", level, err)
		}
		if got := pin.Read(); got != gpio.Level(level) {
			t.Errorf("level = %s, want %t", got, level)
		}
	}
}

func TestWatchEdges(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO4", Num: 4, EdgesChan: make(chan gpio.Level)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 16)
	done := make(chan error, 1)
	go func() {
		done <- watchEdges(ctx, pin, func(context.Context) {
			select {
			case fired <- struct{}{}:
			default:
			}
		})
	}()

	// In flushes edges queued before the pin is armed, so keep offering an
	// edge until one comes through
	for i := 0; i < 2; i++ {
		deadline := time.After(time.Second)
	offer:
		for {
			select {
			case pin.EdgesChan <- gpio.High:
			case <-fired:
				break offer
			case <-deadline:
				t.Fatalf("edge %d not delivered", i)
			}
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watchEdges: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watchEdges ignored cancellation")
	}
}

func TestWatchEdgesWithoutEdgeSupport(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO4", Num: 4}
	err := watchEdges(context.Background(), pin, func(context.Context) {})
	if err == nil {
		t.Fatal("edge detection enabled on a pin without edge support")
	}
}
