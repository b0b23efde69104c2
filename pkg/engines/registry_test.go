package engines

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"tlsbridge/pkg/config"
	"tlsbridge/pkg/engine"
	"tlsbridge/pkg/engine/sim"
)

func TestDefaultRegistry(t *testing.T) {
	r := Default(sim.Options{})
	if got := r.Names(); len(got) != 2 || got[0] != "gotls" || got[1] != "sim" {
		t.Fatalf("names = %v", got)
	}
	f, err := r.Get("sim")
	if err != nil {
		t.Fatal(err)
	}
	e, err := f(engine.Client, engine.Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	if r := e.Handshake(nil, nil); r.Status != engine.WantWrite {
		t.Fatalf("first flight: %v", r.Status)
	}
	if _, err := r.Get("openssl"); err == nil {
		t.Fatal("expected unknown engine error")
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Name = "sim"
	cfg.Engine.ServerName = "sim.test"
	cfg.Sim.RekeyInterval = 3
	b, err := FromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if b.Client.ServerName != "sim.test" || !b.Client.VerifyPeer || b.Server.VerifyPeer {
		t.Fatalf("tls config %+v / %+v", b.Client, b.Server)
	}
	e, err := b.New(engine.Server, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	if SimOptions(cfg.Sim).RekeyInterval != 3 {
		t.Fatal("sim options not mapped")
	}

	cfg.Engine.Name = "boringssl"
	if _, err := FromConfig(cfg); err == nil {
		t.Fatal("unknown engine accepted")
	}
}
