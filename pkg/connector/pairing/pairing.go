// Copyright 2024-2026 Aiku AI

// Package pairing shows pairing codes to the operator.
package pairing

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
)

// Presenter renders a pairing code for whoever has to scan it.
type Presenter interface {
	Present(code string)
}

// TerminalPresenter draws the code as a compact QR code using half-block
// characters, so it fits in an ordinary terminal.
type TerminalPresenter struct {
	out io.Writer
	log zerolog.Logger
	mu  sync.Mutex
}

var _ Presenter = (*TerminalPresenter)(nil)

// NewTerminalPresenter writes to out, or stdout when out is nil.
func NewTerminalPresenter(out io.Writer, log zerolog.Logger) *TerminalPresenter {
	if out == nil {
		out = os.Stdout
	}
	return &TerminalPresenter{out: out, log: log.With().Str("component", "pairing").Logger()}
}

func (p *TerminalPresenter) Present(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.log.Info().Str("code", code).Msg("Scan the QR code with the phone to link this device")

	qr, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		p.log.Warn().Err(err).Msg("Failed to encode pairing QR code, printing raw code")
		_, _ = fmt.Fprintf(p.out, "Pairing code: %s\n", code)
		return
	}
	_, _ = io.WriteString(p.out, qr.ToSmallString(false))
}

// PresenterFunc adapts a plain function to Presenter.
type PresenterFunc func(code string)

func (f PresenterFunc) Present(code string) { f(code) }
