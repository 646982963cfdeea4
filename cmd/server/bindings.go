package main

import (
	"github.com/biome/gateway/internal/config"
	"github.com/biome/gateway/internal/engine"
	"github.com/biome/gateway/internal/safety"
)

// Development bindings. Deployment builds replace these constructors with
// the CGO adapter over the real engine and classifier runtimes; the rest
// of the gateway is identical in both builds.

func engineBindings(cfg *config.Config) (engine.Adapter, engine.Device) {
	return &engine.MockAdapter{}, &engine.MockDevice{Present: cfg.Engine.Device == "cuda"}
}

func safetyModel() safety.Model {
	return &safety.MockModel{}
}

func safetyAccelerator(cfg *config.Config) safety.Accelerator {
	// No accelerator in the development build; batches run on CPU.
	return nil
}
