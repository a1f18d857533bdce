//go:build linux

package guestinit

import (
	"net"
	"os/exec"
	"reflect"
	"sort"
	"testing"
)

func TestParseMountSpecs(t *testing.T) {
	cmdline := `console=hvc0 root=/dev/vda rw shuru.mounts=m-abc:/work:rw,m-def:/data:ro quiet`
	specs := parseMountSpecs(cmdline)
	if len(specs) != 2 {
		t.Fatalf("got %d specs, want 2", len(specs))
	}
	if specs[0] != (mountSpec{tag: "m-abc", guestPath: "/work", readOnly: false}) {
		t.Errorf("specs[0] = %+v", specs[0])
	}
	if specs[1] != (mountSpec{tag: "m-def", guestPath: "/data", readOnly: true}) {
		t.Errorf("specs[1] = %+v", specs[1])
	}
}

func TestParseMountSpecs_Absent(t *testing.T) {
	if specs := parseMountSpecs("console=hvc0 root=/dev/vda rw"); specs != nil {
		t.Errorf("expected nil specs, got %v", specs)
	}
}

func TestParseMountSpecs_MalformedEntrySkipped(t *testing.T) {
	specs := parseMountSpecs("shuru.mounts=bad-entry,m-ok:/ok:rw")
	if len(specs) != 1 || specs[0].tag != "m-ok" {
		t.Errorf("got %+v, want only the well-formed entry", specs)
	}
}

func TestBuildEnv_DefaultsPathAndHome(t *testing.T) {
	env := buildEnv(map[string]string{"FOO": "bar"})
	sort.Strings(env)
	want := []string{"FOO=bar", "HOME=/root", "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
	sort.Strings(want)
	if !reflect.DeepEqual(env, want) {
		t.Errorf("env = %v, want %v", env, want)
	}
}

func TestBuildEnv_RespectsExplicitPathAndHome(t *testing.T) {
	env := buildEnv(map[string]string{"PATH": "/custom", "HOME": "/home/x"})
	sort.Strings(env)
	want := []string{"HOME=/home/x", "PATH=/custom"}
	if !reflect.DeepEqual(env, want) {
		t.Errorf("env = %v, want %v", env, want)
	}
}

func TestExitCodeOf_Success(t *testing.T) {
	if code := exitCodeOf(nil); code != 0 {
		t.Errorf("code = %d, want 0", code)
	}
}

func TestExitCodeOf_NonZeroExit(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 7")
	err := cmd.Run()
	if code := exitCodeOf(err); code != 7 {
		t.Errorf("code = %d, want 7", code)
	}
}

func TestMaskSize_NilDefaultsTo24(t *testing.T) {
	if got := maskSize(nil); got != 24 {
		t.Errorf("maskSize(nil) = %d, want 24", got)
	}
}

func TestMaskSize_ExplicitMask(t *testing.T) {
	_, ipnet, _ := net.ParseCIDR("10.0.0.0/16")
	if got := maskSize(ipnet.Mask); got != 16 {
		t.Errorf("maskSize = %d, want 16", got)
	}
}
