package backend

import "testing"

func TestTailDelta(t *testing.T) {
	tests := []struct {
		name string
		prev string
		cur  string
		want string
	}{
		{"no change", "abc", "abc", ""},
		{"first capture", "", "hello", "hello"},
		{"appended output", "line1\nline2", "line2\nline3", "\nline3"},
		{"full overlap suffix", "abc", "abcdef", "def"},
		{"screen replaced", "abc", "xyz", "xyz"},
	}

	for _, tc := range tests {
		if got := tailDelta(tc.prev, tc.cur); got != tc.want {
			t.Errorf("%s: tailDelta(%q, %q) = %q, want %q", tc.name, tc.prev, tc.cur, got, tc.want)
		}
	}
}

func TestFakeBackendLifecycle(t *testing.T) {
	f := NewFakeBackend()

	pid, err := f.CreateSession("dev-1", "/tmp", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if pid == 0 {
		t.Error("expected non-zero pid")
	}
	if _, err := f.CreateSession("dev-1", "/tmp", nil); err != ErrSessionExists {
		t.Errorf("duplicate create: got %v, want ErrSessionExists", err)
	}

	if err := f.Write("dev-1", []byte("hi")); err != nil {
		t.Errorf("write: %v", err)
	}
	if got := f.Written("dev-1"); len(got) != 1 || got[0] != "hi" {
		t.Errorf("written = %v", got)
	}

	if err := f.KillSession("dev-1"); err != nil {
		t.Errorf("kill: %v", err)
	}
	if err := f.Write("dev-1", []byte("x")); err != ErrSessionNotFound {
		t.Errorf("write after kill: got %v, want ErrSessionNotFound", err)
	}
}

func TestFakeBackendEmitData(t *testing.T) {
	f := NewFakeBackend()
	f.AddSession("dev-1")

	var got []string
	unsub, err := f.OnData("dev-1", func(data string) {
		got = append(got, data)
	})
	if err != nil {
		t.Fatalf("onData: %v", err)
	}

	f.EmitData("dev-1", "a")
	f.EmitData("dev-1", "b")
	unsub()
	f.EmitData("dev-1", "c")

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("got %v, want [a b]", got)
	}
}

func TestFakeBackendCapturePaneTail(t *testing.T) {
	f := NewFakeBackend()
	f.AddSession("dev-1")
	f.SetPaneContent("dev-1", "l1\nl2\nl3\nl4")

	out, err := f.CapturePane("dev-1", 2)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if out != "l3\nl4" {
		t.Errorf("capture = %q, want %q", out, "l3\nl4")
	}
	if f.CaptureCalls["dev-1"] != 1 {
		t.Errorf("capture calls = %d, want 1", f.CaptureCalls["dev-1"])
	}
}
