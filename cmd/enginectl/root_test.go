package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/SyedDaiam9101/enginebind/internal/engine"
	"github.com/SyedDaiam9101/enginebind/internal/resolver"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	// isolate from the developer's environment
	t.Setenv(resolver.EnvDylibPath, "")
	t.Setenv(resolver.EnvLibLocation, "")
	t.Setenv(resolver.EnvLibProfile, "")

	var out, errOut bytes.Buffer
	cmd := buildRootCmd(&out, &errOut)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "none.env")))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func buildTree(t *testing.T, files ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, f := range files {
		p := filepath.Join(root, f)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]any
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("not JSON: %q", out)
	}
	if info["abi_version"] != float64(engine.ABIVersion) {
		t.Errorf("abi_version = %v", info["abi_version"])
	}
	if _, ok := info["static_built"].(bool); !ok {
		t.Errorf("static_built = %v", info["static_built"])
	}
}

func TestResolve(t *testing.T) {
	p := resolver.CurrentPlatform()
	dyn := p.DynamicName(resolver.DefaultLibName)
	root := buildTree(t, filepath.Join("Debug", dyn))

	out, err := run(t, "resolve", "--location", root, "--json")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	var loc struct {
		Kind     string   `json:"kind"`
		Path     string   `json:"path"`
		Profile  string   `json:"profile"`
		Source   string   `json:"source"`
		Searched []string `json:"searched"`
	}
	if err := json.Unmarshal([]byte(out), &loc); err != nil {
		t.Fatalf("not JSON: %q", out)
	}
	if loc.Path != filepath.Join(root, "Debug", dyn) || loc.Profile != "Debug" || loc.Source != string(resolver.SourceProgrammatic) {
		t.Errorf("loc = %+v", loc)
	}
	if loc.Kind != string(resolver.KindDynamicLibrary) || len(loc.Searched) == 0 {
		t.Errorf("loc = %+v", loc)
	}
}

func TestResolve_FromEnv(t *testing.T) {
	p := resolver.CurrentPlatform()
	root := buildTree(t, filepath.Join("Release", p.DynamicName(resolver.DefaultLibName)))

	var out, errOut bytes.Buffer
	t.Setenv(resolver.EnvDylibPath, "")
	t.Setenv(resolver.EnvLibProfile, "")
	t.Setenv(resolver.EnvLibLocation, root)
	cmd := buildRootCmd(&out, &errOut)
	cmd.SetArgs([]string{"resolve", "--env-file", filepath.Join(t.TempDir(), "none.env")})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.Contains(out.String(), "source:  env") {
		t.Errorf("output = %q", out.String())
	}
}

func TestResolve_LocationUnset(t *testing.T) {
	_, err := run(t, "resolve")
	if !engine.IsResolutionError(err) {
		t.Errorf("expected resolution error, got %v", err)
	}
}

func TestCgoFlags_PrefersArchive(t *testing.T) {
	p := resolver.CurrentPlatform()
	root := buildTree(t,
		filepath.Join("Release", p.StaticName(resolver.DefaultLibName)),
		filepath.Join("Release", p.DynamicName(resolver.DefaultLibName)),
	)
	out, err := run(t, "cgo-flags", "--location", root)
	if err != nil {
		t.Fatalf("cgo-flags: %v", err)
	}
	want := "-L" + filepath.Join(root, "Release") + " -l" + resolver.DefaultLibName
	if !strings.HasPrefix(out, want) {
		t.Errorf("flags = %q, want prefix %q", out, want)
	}
	if strings.Contains(out, "rpath") {
		t.Errorf("static flags carry an rpath: %q", out)
	}
}

func TestCgoFlags_DylibName(t *testing.T) {
	p := resolver.CurrentPlatform()
	dir := t.TempDir()
	out, err := run(t, "cgo-flags", "--dylib", filepath.Join(dir, p.DynamicName("fast")))
	if err != nil {
		t.Fatalf("cgo-flags: %v", err)
	}
	want := "-L" + dir + " -lfast"
	if !strings.HasPrefix(out, want) {
		t.Errorf("flags = %q, want prefix %q", out, want)
	}
}

func TestResolve_ConfigFileSeedsFlags(t *testing.T) {
	p := resolver.CurrentPlatform()
	root := buildTree(t,
		filepath.Join("Debug", p.DynamicName(resolver.DefaultLibName)),
		filepath.Join("Release", p.DynamicName(resolver.DefaultLibName)),
	)
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	cfg := "backend:\n  lib_location: " + root + "\n  profile: Debug\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "resolve", "--config", cfgPath)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.Contains(out, filepath.Join(root, "Debug")) {
		t.Errorf("config profile ignored: %q", out)
	}

	// an explicit flag beats the file
	out, err = run(t, "resolve", "--config", cfgPath, "--profile", "Release")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.Contains(out, filepath.Join(root, "Release")) {
		t.Errorf("flag did not override config: %q", out)
	}
}

func TestResolve_MissingConfigFile(t *testing.T) {
	if _, err := run(t, "resolve", "--config", filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestVerify_GoEngine(t *testing.T) {
	out, err := run(t, "verify", "--variant", "alternative")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out, "backend:     goengine (alternative)") || !strings.Contains(out, "set-seed, train-step") {
		t.Errorf("output = %q", out)
	}
}

func TestVerify_MissingLibrary(t *testing.T) {
	_, err := run(t, "verify", "--dylib", filepath.Join(t.TempDir(), "libenginebind.so"))
	if !engine.IsResolutionError(err) {
		t.Errorf("expected resolution error, got %v", err)
	}
}
