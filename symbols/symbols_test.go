package symbols

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type counting struct {
	Table
	calls int
}

func (c *counting) ResolveSymbol(name string) (uint64, error) {
	c.calls++
	return c.Table.ResolveSymbol(name)
}

func TestTableMachOName(t *testing.T) {
	tbl := Table{"_xpc_connection_send_message": 0x1000, "_xpc_type_array": 0x2000}

	tests := []struct {
		name string
		want uint64
		err  bool
	}{
		{"xpc_connection_send_message", 0x1000, false},
		{"_xpc_connection_send_message", 0x1000, false},
		{"_xpc_type_array", 0x2000, false},
		{"xpc_main", 0, true},
	}
	for _, tt := range tests {
		got, err := tbl.ResolveSymbol(tt.name)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("ResolveSymbol(%q) = %#x, %v", tt.name, got, err)
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			t.Errorf("ResolveSymbol(%q) error does not wrap ErrNotFound: %v", tt.name, err)
		}
	}
}

func TestLoadFileAppliesSlide(t *testing.T) {
	path := filepath.Join(t.TempDir(), "symbols.yaml")
	data := "slide: 0x100\nsymbols:\n  _xpc_type_string: 0x1f00\n  xpc_connection_send_message: 4096\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	tbl, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if tbl["_xpc_type_string"] != 0x2000 || tbl["xpc_connection_send_message"] != 0x1100 {
		t.Fatalf("table = %#v", tbl)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for a missing file")
	}
}

func TestChainOrder(t *testing.T) {
	c := Chain{Table{"a": 1}, Table{"a": 2, "b": 3}}
	if addr, _ := c.ResolveSymbol("a"); addr != 1 {
		t.Errorf("a = %d, want the first source's answer", addr)
	}
	if addr, _ := c.ResolveSymbol("b"); addr != 3 {
		t.Errorf("b = %d", addr)
	}
	if _, err := c.ResolveSymbol("c"); !errors.Is(err, ErrNotFound) {
		t.Errorf("c: %v", err)
	}
}

func TestCacheRemembersMisses(t *testing.T) {
	src := &counting{Table: Table{"hit": 7}}
	c, err := NewCache(src, 16)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if addr, err := c.ResolveSymbol("hit"); err != nil || addr != 7 {
			t.Fatalf("hit = %d, %v", addr, err)
		}
		if _, err := c.ResolveSymbol("miss"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("miss: %v", err)
		}
	}
	if src.calls != 2 {
		t.Fatalf("source consulted %d times, want 2", src.calls)
	}

	c.Purge()
	c.ResolveSymbol("hit")
	if src.calls != 3 {
		t.Fatalf("purge did not drop cached entries")
	}
}

func TestOpenImagesRejectsArch(t *testing.T) {
	if _, err := OpenImages("ppc", nil); err == nil {
		t.Fatalf("expected unsupported architecture")
	}
	if _, err := OpenImages("arm64", []Image{{Path: filepath.Join(t.TempDir(), "nope")}}); err == nil {
		t.Fatalf("expected error when no image opens")
	}
}
