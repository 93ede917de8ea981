// Package processor is the intake pipeline: raw signal text comes in,
// gets validated and parsed, is correlated to a round by the tracker and
// dispatched to the position layer. Slow follow-ups run as tracked
// background tasks so shutdown can drain them.
package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"signalround/internal/logger"
	"signalround/internal/position"
	"signalround/internal/round"
	"signalround/internal/signal"
)

// Config bounds the processor's recency cache.
type Config struct {
	// ClosedRetention keeps a closed round mapped for late exits.
	ClosedRetention time.Duration
	// IdleRetention evicts rounds that stopped receiving signals.
	IdleRetention time.Duration
}

func (c *Config) fill() {
	if c.ClosedRetention <= 0 {
		c.ClosedRetention = time.Hour
	}
	if c.IdleRetention <= 0 {
		c.IdleRetention = 24 * time.Hour
	}
}

type roundRef struct {
	id       string
	symbol   string
	lastSeen time.Time
}

// Journal receives every accepted signal for durable audit. May be nil.
type Journal interface {
	AppendSignalUpdate(ctx context.Context, roundID string, u signal.Update) error
}

// Processor routes parsed signals to entries, modifications and exits.
//
// Two locks on purpose: procMu serializes signal processing so round
// creation and follow-ups never interleave, while cacheMu only guards
// the recency cache so status reads never wait on a slow gateway call.
type Processor struct {
	tracker   *signal.Tracker
	validator *signal.Validator
	positions *position.Manager
	rounds    *round.Manager
	journal   Journal
	cfg       Config

	procMu sync.Mutex

	cacheMu sync.Mutex
	active  map[string]*roundRef // symbol -> most recent round

	tasks *errgroup.Group
	now   func() time.Time
}

func New(tracker *signal.Tracker, validator *signal.Validator, positions *position.Manager, rounds *round.Manager, journal Journal, cfg Config) *Processor {
	cfg.fill()
	return &Processor{
		tracker:   tracker,
		validator: validator,
		positions: positions,
		rounds:    rounds,
		journal:   journal,
		cfg:       cfg,
		active:    make(map[string]*roundRef),
		tasks:     &errgroup.Group{},
		now:       time.Now,
	}
}

// Process handles one raw signal payload synchronously. The returned
// round id identifies the round the signal was attributed to.
func (p *Processor) Process(ctx context.Context, raw []byte) (string, error) {
	if p.validator != nil {
		if err := p.validator.Validate(raw); err != nil {
			return "", fmt.Errorf("processor: reject: %w", err)
		}
	}
	sig, err := signal.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("processor: parse: %w", err)
	}
	return p.ProcessSignal(ctx, sig)
}

// ProcessSignal dispatches an already-parsed signal.
func (p *Processor) ProcessSignal(ctx context.Context, sig *signal.Signal) (string, error) {
	p.procMu.Lock()
	defer p.procMu.Unlock()

	// resolve round attribution before any side effect
	hint := sig.RoundID
	if hint == "" && sig.Type != signal.TypeEntry {
		hint = p.recentRound(sig.Symbol)
	}
	roundID := p.tracker.AddSignal(sig.Symbol, sig, hint)
	sig.RoundID = roundID

	var err error
	switch sig.Type {
	case signal.TypeEntry:
		err = p.handleEntry(ctx, sig)
	case signal.TypeModify, signal.TypeUpdate:
		err = p.handleModify(ctx, sig)
	case signal.TypeExit:
		err = p.handleExit(ctx, sig)
	default:
		err = fmt.Errorf("processor: unhandled signal type %q", sig.Type)
	}
	if err != nil {
		return roundID, err
	}

	now := p.now()
	p.tracker.MarkProcessed(roundID, now)
	p.touch(sig.Symbol, roundID)

	if p.journal != nil {
		u := signal.Update{Timestamp: now, Content: sig, Type: sig.Type, Processed: true}
		p.Go("journal", func() error {
			return p.journal.AppendSignalUpdate(context.Background(), roundID, u)
		})
	}
	return roundID, nil
}

func (p *Processor) handleEntry(ctx context.Context, sig *signal.Signal) error {
	// entry on a symbol with a live round inside the update window means
	// add-on intent, treated as a config update rather than a new round
	if _, exists := p.rounds.Round(sig.RoundID); exists {
		logger.Infof("processor: entry joins existing round %s", sig.RoundID)
		return p.positions.UpdateRound(ctx, sig.RoundID, sig)
	}
	r, err := p.positions.OpenRound(ctx, sig)
	if err != nil {
		return err
	}
	if r.ID != sig.RoundID {
		sig.RoundID = r.ID
	}
	return nil
}

func (p *Processor) handleModify(ctx context.Context, sig *signal.Signal) error {
	if _, ok := p.rounds.Round(sig.RoundID); !ok {
		return fmt.Errorf("processor: modify for unknown round %s", sig.RoundID)
	}
	return p.positions.UpdateRound(ctx, sig.RoundID, sig)
}

func (p *Processor) handleExit(ctx context.Context, sig *signal.Signal) error {
	if _, ok := p.rounds.Round(sig.RoundID); !ok {
		return fmt.Errorf("processor: exit for unknown round %s", sig.RoundID)
	}
	return p.positions.CloseRound(ctx, sig.RoundID, sig.CloseType)
}

// recentRound returns the symbol's cached round id if it has not aged
// out of the recency rules.
func (p *Processor) recentRound(symbol string) string {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	ref, ok := p.active[symbol]
	if !ok {
		return ""
	}
	if p.expiredLocked(ref) {
		delete(p.active, symbol)
		return ""
	}
	return ref.id
}

func (p *Processor) touch(symbol, roundID string) {
	p.cacheMu.Lock()
	p.active[symbol] = &roundRef{id: roundID, symbol: symbol, lastSeen: p.now()}
	p.cacheMu.Unlock()
}

func (p *Processor) expiredLocked(ref *roundRef) bool {
	age := p.now().Sub(ref.lastSeen)
	if r, ok := p.rounds.Round(ref.id); ok && r.Status == round.StatusClosed {
		return age > p.cfg.ClosedRetention
	}
	return age > p.cfg.IdleRetention
}

// Cleanup sweeps the recency cache and the round registry's retention
// windows. Intended to run on a ticker.
func (p *Processor) Cleanup() {
	p.cacheMu.Lock()
	for sym, ref := range p.active {
		if p.expiredLocked(ref) {
			delete(p.active, sym)
		}
	}
	p.cacheMu.Unlock()
	p.rounds.PurgeExpired()
}

// Go runs fn as a tracked background task; Drain waits for all of them.
func (p *Processor) Go(name string, fn func() error) {
	p.tasks.Go(func() error {
		if err := fn(); err != nil {
			logger.Errorf("processor: task %s: %v", name, err)
			return err
		}
		return nil
	})
}

// Drain blocks until every tracked task finished or ctx expires.
func (p *Processor) Drain(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- p.tasks.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
