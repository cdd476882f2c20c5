package bridge

import (
	"fmt"

	"dingbridge/internal/bus"
	"dingbridge/internal/config"
	"dingbridge/internal/dispatch"
)

// Reload applies a freshly loaded config: the agent table is rebuilt and
// swapped in, and changed credentials are pushed to the stream manager and
// the token caches. In-flight turns keep the agent they started with.
//
// Other settings (workers, timeouts, provider) need a restart.
func (b *Bridge) Reload(cfg *config.Config) error {
	defs, def, err := config.BuildAgents(cfg.Agents)
	if err != nil {
		return fmt.Errorf("reload agents: %w", err)
	}
	router := dispatch.NewRouter(defs, def, b.logger.With("component", "router"))
	b.dispatcher.SetRouter(router)

	creds := cfg.DingTalk.Credentials()
	b.mu.Lock()
	changed := creds != b.creds
	b.creds = creds
	b.mu.Unlock()

	// A halted session resumes on any reload, even with the same credentials.
	if changed || b.manager.Snapshot().AuthHalted {
		for _, t := range b.tokens {
			t.SetCredentials(creds)
		}
		b.manager.RefreshCredentials(creds)
	}

	b.events.Emit(bus.Event{
		Type:   bus.EventConfigReloaded,
		Source: "bridge",
		Payload: map[string]any{
			"agents":              router.Agents(),
			"credentials_changed": changed,
		},
	})
	b.logger.Info("config applied", "agents", len(defs), "credentials_changed", changed)
	return nil
}
