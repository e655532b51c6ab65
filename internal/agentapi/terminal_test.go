package agentapi

import (
	"bytes"
	"testing"
	"time"
)

func TestByteRingBelowCapacity(t *testing.T) {
	r := newByteRing(16)
	r.Write([]byte("hello"))
	if got := r.Bytes(); !bytes.Equal(got, []byte("hello")) {
		t.Errorf("expected hello, got %q", got)
	}
}

func TestByteRingWraps(t *testing.T) {
	r := newByteRing(8)
	r.Write([]byte("abcdef"))
	r.Write([]byte("ghij"))
	// Last 8 bytes of "abcdefghij".
	if got := r.Bytes(); !bytes.Equal(got, []byte("cdefghij")) {
		t.Errorf("expected cdefghij, got %q", got)
	}
}

func TestByteRingOversizedWrite(t *testing.T) {
	r := newByteRing(4)
	r.Write([]byte("abcdefgh"))
	if got := r.Bytes(); !bytes.Equal(got, []byte("efgh")) {
		t.Errorf("only the tail fits: expected efgh, got %q", got)
	}
}

func TestByteRingExactFill(t *testing.T) {
	r := newByteRing(4)
	r.Write([]byte("abcd"))
	if got := r.Bytes(); !bytes.Equal(got, []byte("abcd")) {
		t.Errorf("expected abcd, got %q", got)
	}
	r.Write([]byte("e"))
	if got := r.Bytes(); !bytes.Equal(got, []byte("bcde")) {
		t.Errorf("expected bcde, got %q", got)
	}
}

func TestTokenBucketAllowsBurstThenThrottles(t *testing.T) {
	tb := newTokenBucket(5, 1)

	for i := 0; i < 5; i++ {
		if !tb.allow() {
			t.Fatalf("burst message %d should pass", i)
		}
	}
	if tb.allow() {
		t.Error("bucket exhausted, message should be dropped")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	tb := newTokenBucket(2, 1000)
	tb.allow()
	tb.allow()
	if tb.allow() {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(10 * time.Millisecond)
	if !tb.allow() {
		t.Error("bucket should have refilled")
	}
}
