package clientserver

import (
	"bufio"
	"strings"
	"testing"
)

func TestReadCommandSetRequest(t *testing.T) {
	raw := "*3\r\n$3\r\nSET\r\n$1\r\na\r\n$1\r\n1\r\n"
	args, err := ReadCommand(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadCommand failed: %v", err)
	}
	want := []string{"SET", "a", "1"}
	if len(args) != len(want) {
		t.Fatalf("expected %v, got %v", want, args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("arg[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestReadCommandRejectsBadPrefix(t *testing.T) {
	_, err := ReadCommand(bufio.NewReader(strings.NewReader("GET a\r\n")))
	if err != ErrProtocol {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestReadCommandRejectsBadBulkHeader(t *testing.T) {
	_, err := ReadCommand(bufio.NewReader(strings.NewReader("*1\r\nGET\r\n")))
	if err != ErrProtocol {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestEncodeBulkStringFound(t *testing.T) {
	got := string(EncodeBulkString("1", true))
	if got != "$1\r\n1\r\n" {
		t.Errorf("got %q", got)
	}
}

func TestEncodeBulkStringMissing(t *testing.T) {
	got := string(EncodeBulkString("", false))
	if got != "$-1\r\n" {
		t.Errorf("got %q", got)
	}
}

func TestEncodeInteger(t *testing.T) {
	if got := string(EncodeInteger(2)); got != ":2\r\n" {
		t.Errorf("got %q", got)
	}
}

func TestEncodeOK(t *testing.T) {
	if got := string(EncodeOK()); got != "+OK\r\n" {
		t.Errorf("got %q", got)
	}
}

func TestEncodeMoved(t *testing.T) {
	if got := string(EncodeMoved(2)); got != "+MOVED 2\r\n" {
		t.Errorf("got %q", got)
	}
}

func TestEncodeTryAgain(t *testing.T) {
	if got := string(EncodeTryAgain()); got != "+TRYAGAIN\r\n" {
		t.Errorf("got %q", got)
	}
}

func TestEncodeArray(t *testing.T) {
	got := string(EncodeArray([]string{"a", "b"}))
	want := "*2\r\n$1\r\na\r\n$1\r\nb\r\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
