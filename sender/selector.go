// Package sender selects and constructs the congestion controller chosen
// at connection creation (spec.md §9 "Polymorphism"). It lives outside
// congestion/ itself so the bbr2 and cubic packages can each depend on the
// shared congestion.Sender vocabulary without a cycle back through here.
package sender

import (
	"time"

	"github.com/xtls/quic-sender/congestion"
	"github.com/xtls/quic-sender/congestion/bbr2"
	"github.com/xtls/quic-sender/congestion/cubic"
	"github.com/xtls/quic-sender/congestion/rttstats"
)

// Algorithm names the congestion controller selected at connection
// creation: a tagged sum of BBR2/Cubic/Reno exposing a single
// congestion.Sender trait, no runtime reflection.
type Algorithm int

const (
	AlgorithmBBR2 Algorithm = iota
	AlgorithmCubic
	AlgorithmReno
)

// Config is the construction-time choice of algorithm plus its typed
// parameters; exactly one of BBR2Params/CubicParams is consulted,
// selected by Algorithm.
type Config struct {
	Algorithm   Algorithm
	BBR2Params  bbr2.Params
	CubicParams cubic.Params
	Now         func() time.Time
}

// New builds the congestion.Sender named by cfg.Algorithm. Reno reuses
// the Cubic implementation's Reno-mode switch (spec.md §4.6: "the
// Reno-friendly estimate races the cubic target"; Reno-only mode simply
// always prefers that estimate), since cubic.Sender already carries the
// Reno/Cubic branch applied on every ack and loss.
func New(cfg Config, rttStats *rttstats.Stats) congestion.Sender {
	switch cfg.Algorithm {
	case AlgorithmCubic:
		p := cfg.CubicParams
		p.Reno = false
		return cubic.NewSender(p, rttStats, cfg.Now)
	case AlgorithmReno:
		p := cfg.CubicParams
		p.Reno = true
		return cubic.NewSender(p, rttStats, cfg.Now)
	default:
		return bbr2.NewSender(cfg.BBR2Params, cfg.Now)
	}
}
