// Package polling declares what to poll (MeasurementDefinition,
// DevicePollingConfig), plans the wire transactions that cover it
// (PlanBatches), and drives the periodic collection loop (PollingScheduler).
package polling

import (
	"fmt"
	"time"

	"github.com/bifrost/modbus-gateway/internal/modbustag"
)

// MeasurementDefinition is an immutable descriptor of one value to poll.
type MeasurementDefinition struct {
	ID       string
	Category modbustag.Category
	Address  int
	Count    int
}

// EndExclusive is the first address past this definition's range.
func (d MeasurementDefinition) EndExclusive() int {
	return d.Address + d.Count
}

func (d MeasurementDefinition) validate() error {
	if d.ID == "" {
		return fmt.Errorf("measurement id must not be empty")
	}
	if !d.Category.Valid() {
		return fmt.Errorf("measurement %s: invalid category %q", d.ID, d.Category)
	}
	if d.Address < 0 {
		return fmt.Errorf("measurement %s: address must be >= 0", d.ID)
	}
	if d.Count < 1 {
		return fmt.Errorf("measurement %s: count must be >= 1", d.ID)
	}
	return nil
}

// sampleKind is the tag of a MeasurementSample's payload.
type sampleKind int

const (
	kindBoolScalar sampleKind = iota
	kindBoolSeq
	kindRegScalar
	kindRegSeq
)

// MeasurementSample pairs a MeasurementDefinition with the value it read.
// The definition's category and count determine which accessor is valid;
// calling the wrong one returns ok=false, and the Must variant panics.
type MeasurementSample struct {
	Definition MeasurementDefinition

	kind      sampleKind
	boolVal   bool
	boolSeq   []bool
	regVal    uint16
	regSeq    []uint16
}

func newBoolScalarSample(def MeasurementDefinition, v bool) MeasurementSample {
	return MeasurementSample{Definition: def, kind: kindBoolScalar, boolVal: v}
}

func newBoolSeqSample(def MeasurementDefinition, vs []bool) MeasurementSample {
	return MeasurementSample{Definition: def, kind: kindBoolSeq, boolSeq: vs}
}

func newRegScalarSample(def MeasurementDefinition, v uint16) MeasurementSample {
	return MeasurementSample{Definition: def, kind: kindRegScalar, regVal: v}
}

func newRegSeqSample(def MeasurementDefinition, vs []uint16) MeasurementSample {
	return MeasurementSample{Definition: def, kind: kindRegSeq, regSeq: vs}
}

// Bool returns the sample's value as a boolean scalar, if that is its kind.
func (s MeasurementSample) Bool() (bool, bool) {
	if s.kind != kindBoolScalar {
		return false, false
	}
	return s.boolVal, true
}

// MustBool is Bool but panics on the wrong variant.
func (s MeasurementSample) MustBool() bool {
	v, ok := s.Bool()
	if !ok {
		panic(fmt.Sprintf("polling: sample %s is not a boolean scalar", s.Definition.ID))
	}
	return v
}

// Bools returns the sample's value as a boolean sequence, if that is its kind.
func (s MeasurementSample) Bools() ([]bool, bool) {
	if s.kind != kindBoolSeq {
		return nil, false
	}
	return s.boolSeq, true
}

// MustBools is Bools but panics on the wrong variant.
func (s MeasurementSample) MustBools() []bool {
	v, ok := s.Bools()
	if !ok {
		panic(fmt.Sprintf("polling: sample %s is not a boolean sequence", s.Definition.ID))
	}
	return v
}

// Register returns the sample's value as an unsigned-16 scalar, if that is
// its kind.
func (s MeasurementSample) Register() (uint16, bool) {
	if s.kind != kindRegScalar {
		return 0, false
	}
	return s.regVal, true
}

// MustRegister is Register but panics on the wrong variant.
func (s MeasurementSample) MustRegister() uint16 {
	v, ok := s.Register()
	if !ok {
		panic(fmt.Sprintf("polling: sample %s is not a register scalar", s.Definition.ID))
	}
	return v
}

// Registers returns the sample's value as an unsigned-16 sequence, if that
// is its kind.
func (s MeasurementSample) Registers() ([]uint16, bool) {
	if s.kind != kindRegSeq {
		return nil, false
	}
	return s.regSeq, true
}

// MustRegisters is Registers but panics on the wrong variant.
func (s MeasurementSample) MustRegisters() []uint16 {
	v, ok := s.Registers()
	if !ok {
		panic(fmt.Sprintf("polling: sample %s is not a register sequence", s.Definition.ID))
	}
	return v
}

// MeasurementEvent is the result of one successful poll cycle.
type MeasurementEvent struct {
	DeviceID  string
	Timestamp time.Time
	Samples   []MeasurementSample
}

// Slice is one MeasurementDefinition's placement within a Batch.
type Slice struct {
	Definition MeasurementDefinition
	Offset     int
}

// Batch is a single wire transaction covering a contiguous address range of
// one category.
type Batch struct {
	Category     modbustag.Category
	StartAddress int
	Count        int
	Slices       []Slice
}
