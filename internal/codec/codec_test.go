package codec

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
)

type busPayload struct {
	Fingerprint string    `msgpack:"fp"`
	Table       string    `msgpack:"table"`
	Symbols     []string  `msgpack:"symbols"`
	Prices      []float64 `msgpack:"prices"`
	FetchedAt   int64     `msgpack:"fetched_at"`
	Stale       bool      `msgpack:"stale"`
}

func newCodec(t testing.TB) *Codec {
	t.Helper()
	c, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// TestRoundTrip tests that typed payloads survive encode and decode.
func TestRoundTrip(t *testing.T) {
	c := newCodec(t)
	in := busPayload{
		Fingerprint: "3a7bd3e2360a3d29eea436fcfb7e44c735d117c42d1c1835420b6b9942dd4f1b",
		Table:       "trades",
		Symbols:     []string{"AAPL", "MSFT"},
		Prices:      []float64{189.5, 402.25},
		FetchedAt:   1756080000,
		Stale:       false,
	}

	data, err := c.Encode(in)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	var out busPayload
	if err := c.Decode(data, &out); err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip changed payload: %+v != %+v", out, in)
	}
}

// TestFormatMarker tests that small payloads ship raw and large ones
// compressed, and that both decode.
func TestFormatMarker(t *testing.T) {
	c := newCodec(t)

	t.Run("small stays raw", func(t *testing.T) {
		data, err := c.Encode(busPayload{Table: "trades"})
		if err != nil {
			t.Fatalf("Encode() failed: %v", err)
		}
		if data[0] != formatRaw {
			t.Fatalf("marker = 0x%02x, want raw", data[0])
		}
	})

	t.Run("large compresses", func(t *testing.T) {
		big := busPayload{
			Table:   "trades",
			Symbols: make([]string, 400),
		}
		for i := range big.Symbols {
			big.Symbols[i] = strings.Repeat("AAPL", 4)
		}
		data, err := c.Encode(big)
		if err != nil {
			t.Fatalf("Encode() failed: %v", err)
		}
		if data[0] != formatZstd {
			t.Fatalf("marker = 0x%02x, want zstd", data[0])
		}
		// 400 repeated symbols must shrink well below the raw body.
		if len(data) >= 400*16 {
			t.Errorf("compressed size %d did not shrink", len(data))
		}
		var out busPayload
		if err := c.Decode(data, &out); err != nil {
			t.Fatalf("Decode() failed: %v", err)
		}
		if !reflect.DeepEqual(out, big) {
			t.Error("compressed round trip changed payload")
		}
	})
}

// TestDecodeErrors tests rejection of payloads no Encode produced.
func TestDecodeErrors(t *testing.T) {
	c := newCodec(t)
	var out busPayload

	t.Run("empty", func(t *testing.T) {
		if err := c.Decode(nil, &out); !errors.Is(err, ErrEmpty) {
			t.Errorf("error = %v, want ErrEmpty", err)
		}
	})

	t.Run("unknown marker", func(t *testing.T) {
		if err := c.Decode([]byte{0xff, 0x01}, &out); err == nil {
			t.Error("Expected error for unknown marker")
		}
	})

	t.Run("corrupt compressed body", func(t *testing.T) {
		if err := c.Decode([]byte{formatZstd, 0xde, 0xad, 0xbe, 0xef}, &out); err == nil {
			t.Error("Expected error for corrupt zstd frame")
		}
	})

	t.Run("corrupt raw body", func(t *testing.T) {
		if err := c.Decode([]byte{formatRaw, 0xc1}, &out); err == nil {
			t.Error("Expected error for invalid msgpack body")
		}
	})
}

// TestConcurrentUse tests that one codec may be shared across goroutines.
func TestConcurrentUse(t *testing.T) {
	c := newCodec(t)
	payload := busPayload{
		Table:   "live_quotes",
		Symbols: make([]string, 300),
		Prices:  make([]float64, 300),
	}
	for i := range payload.Symbols {
		payload.Symbols[i] = "SYM"
		payload.Prices[i] = float64(i) / 4
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				data, err := c.Encode(payload)
				if err != nil {
					errs <- err
					return
				}
				var out busPayload
				if err := c.Decode(data, &out); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent use failed: %v", err)
	}
}

func BenchmarkEncode(b *testing.B) {
	c := newCodec(b)
	payload := busPayload{
		Table:   "trades",
		Symbols: make([]string, 500),
		Prices:  make([]float64, 500),
	}
	for i := range payload.Symbols {
		payload.Symbols[i] = "AAPL"
		payload.Prices[i] = 180 + float64(i)/100
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Encode(payload); err != nil {
			b.Fatal(err)
		}
	}
}
