package kfmt

import "testing"

func TestSprintf(t *testing.T) {
	specs := []struct {
		format string
		args   []interface{}
		exp    string
	}{
		{"hello %s", []interface{}{"world"}, "hello world"},
		{"%d", []interface{}{-42}, "-42"},
		{"%4d", []interface{}{7}, "   7"},
		{"%x", []interface{}{uint32(255)}, "0xff"},
		{"%t %t", []interface{}{true, false}, "true false"},
		{"%s", []interface{}{}, "(MISSING)"},
		{"%s", []interface{}{1, 2}, "%!(WRONGTYPE)%!(EXTRA)"},
	}

	for i, spec := range specs {
		if got := Sprintf(spec.format, spec.args...); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", i, spec.exp, got)
		}
	}
}

func TestSetOutputSinkFlushesRingBuffer(t *testing.T) {
	defer func() { outputSink = nil; ringBuf = ringBuffer{} }()

	outputSink = nil
	ringBuf = ringBuffer{}
	Printf("buffered %d", 1)

	var buf byteBuffer
	SetOutputSink(&buf)
	if string(buf.data) != "buffered 1" {
		t.Fatalf("expected ring buffer contents to flush into the new sink; got %q", string(buf.data))
	}

	Printf(" live %d", 2)
	if string(buf.data) != "buffered 1 live 2" {
		t.Fatalf("expected subsequent Printf calls to go straight to the sink; got %q", string(buf.data))
	}
}
