package inbound

import (
	"context"
	"errors"
	"log/slog"
)

// ErrDuplicate is returned by Gate.Admit for a message already seen.
var ErrDuplicate = errors.New("duplicate message")

// Gate admits each message ID at most once per dedup window. The in-memory
// cache is authoritative; the ledger, when set, covers process restarts.
type Gate struct {
	cache  *Cache
	ledger *Ledger
	logger *slog.Logger
}

type GateConfig struct {
	Cache  *Cache
	Ledger *Ledger // optional
	Logger *slog.Logger
}

func NewGate(cfg GateConfig) *Gate {
	if cfg.Cache == nil {
		cfg.Cache = NewCache(0, 0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gate{cache: cfg.Cache, ledger: cfg.Ledger, logger: cfg.Logger}
}

// Admit marks id as seen, or returns ErrDuplicate. A ledger read failure is
// logged and the message admitted.
func (g *Gate) Admit(ctx context.Context, id string) error {
	if g.cache.CheckAndMark(id) {
		return ErrDuplicate
	}
	if g.ledger == nil {
		return nil
	}
	seen, err := g.ledger.Seen(ctx, id)
	if err != nil {
		g.logger.Warn("ledger lookup failed", "msg_id", id, "err", err)
		return nil
	}
	if seen {
		return ErrDuplicate
	}
	return nil
}

// Complete records that the turn for id finished.
func (g *Gate) Complete(ctx context.Context, id string) {
	if g.ledger == nil {
		return
	}
	if err := g.ledger.Record(ctx, id); err != nil {
		g.logger.Warn("ledger record failed", "msg_id", id, "err", err)
	}
}

// Forget drops id from the dedup cache so a redelivery is admitted again.
// Used when a message was admitted but could not be queued.
func (g *Gate) Forget(id string) {
	g.cache.Forget(id)
}

// Size is the number of ids currently held by the in-memory window.
func (g *Gate) Size() int { return g.cache.Len() }
