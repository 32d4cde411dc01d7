package frame

import (
	"bytes"
	"testing"
)

func TestRoundTripWholeFrame(t *testing.T) {
	payload := []byte("hello mux")
	buf, err := Encode(Data, FlagFIN, 7, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	d := NewDecoder()
	frames, err := d.Feed(buf)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	f := frames[0]
	if f.Type != Data || f.Flags != FlagFIN || f.ChannelID != 7 || !bytes.Equal(f.Payload, payload) {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestRoundTripSplitAcrossFeeds(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 4000)
	buf, err := Encode(WindowUpdate, 0, 42, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	d := NewDecoder()
	var got []Frame
	for _, chunk := range splitAt(buf, 1, 3, 8, 2000) {
		frames, err := d.Feed(chunk)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		got = append(got, frames...)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 frame after reassembly, got %d", len(got))
	}
	if got[0].ChannelID != 42 || !bytes.Equal(got[0].Payload, payload) {
		t.Fatalf("reassembled frame mismatch")
	}
}

func TestFrameAccumulationEmitsInOrder(t *testing.T) {
	var all []byte
	var want []Frame
	for i := 0; i < 5; i++ {
		p := bytes.Repeat([]byte{byte(i)}, i*10+1)
		buf, err := Encode(Data, 0, uint16(i), p)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		all = append(all, buf...)
		want = append(want, Frame{Type: Data, ChannelID: uint16(i), Payload: p})
	}

	d := NewDecoder()
	var got []Frame
	for _, chunk := range splitAt(all, 3, 17, 40) {
		frames, err := d.Feed(chunk)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		got = append(got, frames...)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ChannelID != want[i].ChannelID || !bytes.Equal(got[i].Payload, want[i].Payload) {
			t.Fatalf("frame %d mismatch: got %+v want %+v", i, got[i], want[i])
		}
	}
}

func TestOverflowIsFatalAndSticky(t *testing.T) {
	var hdr [HeaderSize]byte
	hdr[0] = byte(Data)
	hdr[4] = 0x01 // payload_length = 0x10001 > 65536, little-endian low byte set high
	hdr[5] = 0x00
	hdr[6] = 0x01
	hdr[7] = 0x00

	d := NewDecoder()
	_, err := d.Feed(hdr[:])
	if err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}

	// Decoder must stay broken: further feeds keep failing even with
	// otherwise-valid bytes.
	buf, _ := Encode(Ping, 0, 0, nil)
	_, err = d.Feed(buf)
	if err != ErrFrameTooLarge {
		t.Fatalf("expected decoder to remain broken, got %v", err)
	}
}

// splitAt partitions b into chunks at the given cut points (byte offsets),
// clamped to len(b), for exercising Feed with arbitrary fragmentation.
func splitAt(b []byte, cuts ...int) [][]byte {
	var out [][]byte
	prev := 0
	for _, c := range cuts {
		if c > len(b) {
			c = len(b)
		}
		if c < prev {
			continue
		}
		out = append(out, b[prev:c])
		prev = c
	}
	out = append(out, b[prev:])
	return out
}
