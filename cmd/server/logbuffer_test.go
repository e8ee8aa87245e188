package main

import (
	"fmt"
	"testing"
)

func TestLogBufferKeepsTail(t *testing.T) {
	lb := NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		fmt.Fprintf(lb, "line %d\n", i)
	}
	got := lb.GetLogs()
	if len(got) != 3 || got[0] != "line 2\n" || got[2] != "line 4\n" {
		t.Fatalf("GetLogs() = %q", got)
	}

	got[0] = "changed"
	if lb.GetLogs()[0] != "line 2\n" {
		t.Fatal("GetLogs() returned the internal slice")
	}
}
