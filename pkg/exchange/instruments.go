package exchange

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/tradeledger/pkg/money"
)

// InstrumentStatus defines whether a symbol accepts orders
type InstrumentStatus int8

const (
	Active InstrumentStatus = iota // Trading enabled
	Paused                         // Trading halted
)

func (s InstrumentStatus) String() string {
	switch s {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	default:
		return "Unknown"
	}
}

// Instrument is a tradable symbol as seen by the paper venue
type Instrument struct {
	Symbol string
	// Price is the quote price of one unit
	Price decimal.Decimal
	// LotSize is the quantity step; zero means any quantity
	LotSize money.Quantity
	Status  InstrumentStatus
}

func (in Instrument) Validate() error {
	if strings.TrimSpace(in.Symbol) == "" {
		return fmt.Errorf("instrument symbol is empty")
	}
	if !in.Price.IsPositive() {
		return fmt.Errorf("instrument %s: price must be positive", in.Symbol)
	}
	if in.LotSize < 0 {
		return fmt.Errorf("instrument %s: negative lot size", in.Symbol)
	}
	return nil
}

// Instruments manages instruments in a thread-safe manner
type Instruments struct {
	mu          sync.RWMutex
	instruments map[string]*Instrument // symbol -> instrument
}

func NewInstruments() *Instruments {
	return &Instruments{instruments: make(map[string]*Instrument)}
}

// Register adds an instrument.
// Returns error if an instrument with the same symbol already exists.
func (r *Instruments) Register(in Instrument) error {
	if err := in.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instruments[in.Symbol]; exists {
		return fmt.Errorf("instrument %s already registered", in.Symbol)
	}
	r.instruments[in.Symbol] = &in
	return nil
}

// Get returns a copy of the instrument for symbol
func (r *Instruments) Get(symbol string) (Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	in, exists := r.instruments[symbol]
	if !exists {
		return Instrument{}, fmt.Errorf("instrument %s not found", symbol)
	}
	return *in, nil
}

// List returns all instruments sorted by symbol
func (r *Instruments) List() []Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Instrument, 0, len(r.instruments))
	for _, in := range r.instruments {
		out = append(out, *in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// SetPrice moves the quote of an instrument
func (r *Instruments) SetPrice(symbol string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("instrument %s: price must be positive", symbol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	in, exists := r.instruments[symbol]
	if !exists {
		return fmt.Errorf("instrument %s not found", symbol)
	}
	in.Price = price
	return nil
}

// SetStatus pauses or resumes an instrument
func (r *Instruments) SetStatus(symbol string, status InstrumentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, exists := r.instruments[symbol]
	if !exists {
		return fmt.Errorf("instrument %s not found", symbol)
	}
	in.Status = status
	return nil
}

func (r *Instruments) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instruments)
}
