package goodwe_modbus

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownRegister is returned when a lookup names a register the map
// does not define.
type ErrUnknownRegister struct {
	Name string
}

func (e ErrUnknownRegister) Error() string {
	return fmt.Sprintf("goodwe: unknown register %q", e.Name)
}

// RegisterDescriptor describes one named register of the device. Scaling
// happens here and nowhere else: callers above this package only ever see
// physical units (W, V, A, %, s).
type RegisterDescriptor struct {
	Name     string
	Address  uint16
	Words    uint8
	Signed   bool
	Scale    float64 // raw / Scale = physical
	Unit     string
	Writable bool
}

// ToPhysical converts raw register words to a physical value, applying sign
// extension and the descriptor's scale divisor.
func (d RegisterDescriptor) ToPhysical(raw []uint16) (float64, error) {
	if len(raw) != int(d.Words) {
		return 0, fmt.Errorf("goodwe: register %s: expected %d words, got %d", d.Name, d.Words, len(raw))
	}
	var value float64
	switch d.Words {
	case 1:
		if d.Signed {
			value = float64(int16(raw[0]))
		} else {
			value = float64(raw[0])
		}
	case 2:
		u := uint32(raw[0])<<16 | uint32(raw[1])
		if d.Signed {
			value = float64(int32(u))
		} else {
			value = float64(u)
		}
	default:
		return 0, fmt.Errorf("goodwe: register %s: unsupported word count %d", d.Name, d.Words)
	}
	if d.Scale != 0 && d.Scale != 1 {
		value /= d.Scale
	}
	return value, nil
}

// FromPhysical converts a physical value back to a single raw word for a
// write. Writable registers are all single-word on this device.
func (d RegisterDescriptor) FromPhysical(value float64) (uint16, error) {
	if d.Words != 1 {
		return 0, fmt.Errorf("goodwe: register %s: multi-word writes unsupported", d.Name)
	}
	if d.Scale != 0 && d.Scale != 1 {
		value *= d.Scale
	}
	scaled := math.Round(value)
	if d.Signed {
		if scaled < math.MinInt16 || scaled > math.MaxInt16 {
			return 0, fmt.Errorf("goodwe: register %s: value %v out of int16 range", d.Name, value)
		}
		return uint16(int16(scaled)), nil
	}
	if scaled < 0 || scaled > math.MaxUint16 {
		return 0, fmt.Errorf("goodwe: register %s: value %v out of uint16 range", d.Name, value)
	}
	return uint16(scaled), nil
}

// RegisterMap is the immutable name -> descriptor table loaded at bootstrap.
type RegisterMap struct {
	byName map[string]RegisterDescriptor
}

// registerEntry is the wire shape of a single descriptor in the bootstrap
// document.
type registerEntry struct {
	Name    string  `json:"name" yaml:"name"`
	Address uint16  `json:"address" yaml:"address"`
	Type    string  `json:"type" yaml:"type"`
	Scale   float64 `json:"scale,omitempty" yaml:"scale,omitempty"`
	Unit    string  `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// RegisterMapDocument is the bootstrap wire format: two descriptor lists,
// write_registers implying RW access.
type RegisterMapDocument struct {
	ReadRegisters  []registerEntry `json:"read_registers" yaml:"read_registers"`
	WriteRegisters []registerEntry `json:"write_registers" yaml:"write_registers"`
}

func (e registerEntry) descriptor(writable bool) (RegisterDescriptor, error) {
	d := RegisterDescriptor{
		Name:     e.Name,
		Address:  e.Address,
		Scale:    e.Scale,
		Unit:     e.Unit,
		Writable: writable,
	}
	switch strings.ToLower(e.Type) {
	case "int16":
		d.Words, d.Signed = 1, true
	case "uint16", "":
		d.Words, d.Signed = 1, false
	case "int32":
		d.Words, d.Signed = 2, true
	case "uint32":
		d.Words, d.Signed = 2, false
	default:
		return d, fmt.Errorf("goodwe: register %s: unsupported type %q", e.Name, e.Type)
	}
	return d, nil
}

// ParseRegisterMap builds a RegisterMap from a bootstrap document.
func ParseRegisterMap(doc RegisterMapDocument) (*RegisterMap, error) {
	byName := make(map[string]RegisterDescriptor, len(doc.ReadRegisters)+len(doc.WriteRegisters))
	add := func(entries []registerEntry, writable bool) error {
		for _, e := range entries {
			if e.Name == "" {
				return fmt.Errorf("goodwe: register at address %d has no name", e.Address)
			}
			d, err := e.descriptor(writable)
			if err != nil {
				return err
			}
			byName[d.Name] = d
		}
		return nil
	}
	if err := add(doc.ReadRegisters, false); err != nil {
		return nil, err
	}
	if err := add(doc.WriteRegisters, true); err != nil {
		return nil, err
	}
	return &RegisterMap{byName: byName}, nil
}

// ParseRegisterMapJSON parses the register map document as delivered by the
// bootstrap endpoint.
func ParseRegisterMapJSON(data []byte) (*RegisterMap, error) {
	var doc RegisterMapDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("goodwe: invalid register map document: %w", err)
	}
	return ParseRegisterMap(doc)
}

// LoadRegisterMapFile loads a register map from a local JSON or YAML file.
// Used as an operator-provided fallback when bootstrap does not carry one.
func LoadRegisterMapFile(path string) (*RegisterMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		var doc RegisterMapDocument
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("goodwe: invalid register map file %s: %w", path, err)
		}
		return ParseRegisterMap(doc)
	}
	return ParseRegisterMapJSON(data)
}

// Lookup returns the descriptor for a register name.
func (m *RegisterMap) Lookup(name string) (RegisterDescriptor, error) {
	d, ok := m.byName[name]
	if !ok {
		return RegisterDescriptor{}, ErrUnknownRegister{Name: name}
	}
	return d, nil
}

// Has reports whether the map defines a register name.
func (m *RegisterMap) Has(name string) bool {
	_, ok := m.byName[name]
	return ok
}

// Len returns the number of descriptors in the map.
func (m *RegisterMap) Len() int {
	return len(m.byName)
}
