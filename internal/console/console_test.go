package console

import "testing"

func TestReadWriteNoConnection(t *testing.T) {
	c := &Console{}

	n, err := c.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("Write with no active connection: %v", err)
	}

	if n != 5 {
		t.Errorf("Write with no active connection: want n=5 (best-effort success), got %d", n)
	}

	buf := make([]byte, 16)

	n, err = c.Read(buf)
	if err != nil {
		t.Fatalf("Read with no active connection: %v", err)
	}

	if n != 0 {
		t.Errorf("Read with no active connection: want n=0, got %d", n)
	}
}

func TestListenAndClose(t *testing.T) {
	c, err := Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
