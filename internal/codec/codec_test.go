package codec

import (
	"testing"
	"time"

	"github.com/wudi/tiercache/internal/errors"
)

var codecs = map[string]Codec{
	"binary": Binary{},
	"text":   Text{},
}

func sampleEntry() *Entry {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return New("api-responses", "users/42", []byte(`{"id":42,"name":"alice"}`), 5*time.Minute, []string{"users", "v2"}, now)
}

func TestRoundTrip(t *testing.T) {
	for name, c := range codecs {
		t.Run(name, func(t *testing.T) {
			orig := sampleEntry()
			orig.AccessCount = 7
			orig.Origin = "bolt"

			data, err := c.Encode(orig)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}

			got, err := c.Decode(data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}

			if got.Namespace != orig.Namespace || got.Key != orig.Key {
				t.Errorf("identity mismatch: got %s/%s", got.Namespace, got.Key)
			}
			if string(got.Value) != string(orig.Value) {
				t.Errorf("value mismatch: %q", got.Value)
			}
			if !got.ExpiresAt.Equal(orig.ExpiresAt) {
				t.Errorf("expires_at mismatch: got %v want %v", got.ExpiresAt, orig.ExpiresAt)
			}
			if got.AccessCount != 7 {
				t.Errorf("access count mismatch: got %d", got.AccessCount)
			}
			if len(got.Tags) != 2 || got.Tags[0] != "users" {
				t.Errorf("tags mismatch: %v", got.Tags)
			}
			if got.Origin != "bolt" {
				t.Errorf("origin mismatch: %q", got.Origin)
			}
		})
	}
}

func TestNoExpiryRoundTrip(t *testing.T) {
	for name, c := range codecs {
		t.Run(name, func(t *testing.T) {
			e := New("ns", "k", []byte("v"), 0, nil, time.Now())
			data, err := c.Encode(e)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := c.Decode(data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !got.ExpiresAt.IsZero() {
				t.Errorf("expected zero ExpiresAt, got %v", got.ExpiresAt)
			}
		})
	}
}

func TestDecodeGarbage(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		[]byte("x"),
		[]byte("not an envelope at all"),
		[]byte(`{"looks":"like json"}`),
	}
	for name, c := range codecs {
		t.Run(name, func(t *testing.T) {
			for _, in := range inputs {
				if _, err := c.Decode(in); !errors.Is(err, errors.ErrCorrupted) {
					t.Errorf("Decode(%q): expected ErrCorrupted, got %v", in, err)
				}
			}
		})
	}
}

func TestDecodeVersionMismatch(t *testing.T) {
	data, err := Binary{}.Encode(sampleEntry())
	if err != nil {
		t.Fatal(err)
	}
	data[0] = 0x7f
	if _, err := (Binary{}).Decode(data); !errors.Is(err, errors.ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted on version mismatch, got %v", err)
	}
}

func TestTextChecksumMismatch(t *testing.T) {
	e := sampleEntry()
	data, err := Text{}.Encode(e)
	if err != nil {
		t.Fatal(err)
	}
	// Flip the stored checksum without touching the value.
	tampered := []byte(perturbLastDigit(string(data)))
	if _, err := (Text{}).Decode(tampered); !errors.Is(err, errors.ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted on checksum mismatch, got %v", err)
	}
}

// perturbLastDigit changes one digit of the trailing checksum field.
func perturbLastDigit(s string) string {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] >= '0' && s[i] <= '8' {
			return s[:i] + string(s[i]+1) + s[i+1:]
		}
		if s[i] == '9' {
			return s[:i] + "0" + s[i+1:]
		}
	}
	return s
}

func TestEntryExpired(t *testing.T) {
	now := time.Now()
	e := New("ns", "k", []byte("v"), 100*time.Millisecond, nil, now)

	if e.Expired(now.Add(99 * time.Millisecond)) {
		t.Error("entry should not be expired at t=99ms")
	}
	if !e.Expired(now.Add(101 * time.Millisecond)) {
		t.Error("entry should be expired at t=101ms")
	}

	forever := New("ns", "k", []byte("v"), 0, nil, now)
	if forever.Expired(now.Add(1000 * time.Hour)) {
		t.Error("zero-TTL entry must never expire")
	}
}

func TestSetValueRecomputesSize(t *testing.T) {
	e := New("ns", "key", []byte("short"), 0, nil, time.Now())
	before := e.SizeBytes
	e.SetValue([]byte("a much longer value than before"))
	if e.SizeBytes <= before {
		t.Errorf("expected SizeBytes to grow, got %d -> %d", before, e.SizeBytes)
	}
}

func TestCloneIsDeep(t *testing.T) {
	e := New("ns", "k", []byte("abc"), 0, []string{"t1"}, time.Now())
	c := e.Clone()
	c.Value[0] = 'x'
	c.Tags[0] = "changed"
	if e.Value[0] != 'a' || e.Tags[0] != "t1" {
		t.Error("Clone shares backing arrays with the original")
	}
}
