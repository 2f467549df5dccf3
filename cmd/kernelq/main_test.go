package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rogpeppe/go-internal/testscript"

	"pkt.systems/kernelq"
	"pkt.systems/kernelq/internal/appconfig"
	"pkt.systems/pslog"
)

func TestMain(m *testing.M) {
	testscript.Main(m, map[string]func(){
		"kernelq": func() { os.Exit(submain(context.Background())) },
	})
}

func TestScripts(t *testing.T) {
	testscript.Run(t, testscript.Params{
		Dir: "testdata/script",
		Setup: func(env *testscript.Env) error {
			home := filepath.Join(env.WorkDir, "home")
			env.Setenv("HOME", home)
			env.Setenv("LOG_MODE", "console")
			return os.MkdirAll(home, 0o755)
		},
	})
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{"serve": false, "kernel-mock": false, "config": false, "version": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("expected root command to include %s", name)
		}
	}
}

func TestBuildServerWiresStores(t *testing.T) {
	dir := t.TempDir()
	cfg, err := appconfig.DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.Images.Dir = filepath.Join(dir, "images")
	cfg.Images.Show = false
	cfg.Jupyter.DefaultKernel = "ir"

	serverCfg, deps, err := buildServer(cfg, pslog.Ctx(context.Background()))
	if err != nil {
		t.Fatalf("buildServer: %v", err)
	}
	if serverCfg.Service.DefaultVariant != "ir" {
		t.Fatalf("unexpected default kernel %q", serverCfg.Service.DefaultVariant)
	}
	if deps.ServiceDeps.Backends == nil || deps.ServiceDeps.Images == nil || deps.ServiceDeps.Transcripts == nil || deps.Transcripts == nil {
		t.Fatalf("expected all dependencies to be wired: %+v", deps)
	}
	for _, sub := range []string{"images", filepath.Join("state", "transcripts")} {
		if info, err := os.Stat(filepath.Join(dir, sub)); err != nil || !info.IsDir() {
			t.Fatalf("expected %s directory, got %v", sub, err)
		}
	}
	if _, err := kernelq.New(serverCfg, deps); err != nil {
		t.Fatalf("kernelq.New: %v", err)
	}
}

func TestBuildServerRejectsBadJupyterURL(t *testing.T) {
	cfg, err := appconfig.DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.StateDir = t.TempDir()
	cfg.Jupyter.URL = "ftp://nowhere"
	if _, _, err := buildServer(cfg, pslog.Ctx(context.Background())); err == nil {
		t.Fatalf("expected error for unsupported jupyter url")
	}
}
