// Package p4rt implements the device control transport over P4Runtime.
package p4rt

import (
	"fmt"
	"os"

	p4configv1 "github.com/p4lang/p4runtime/go/p4/config/v1"
	"google.golang.org/protobuf/encoding/prototext"
)

// Schema resolves symbolic table, action and counter names of the
// pipeline to the numeric identifiers carried on the wire, using the
// p4info metadata produced by the compiler.
type Schema struct {
	info     *p4configv1.P4Info
	tables   map[string]*p4configv1.Table
	actions  map[string]*p4configv1.Action
	counters map[string]*p4configv1.Counter

	tableNames  map[uint32]string
	actionNames map[uint32]string
}

// LoadSchema reads a p4info file in protobuf text format.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read p4info file: %w", err)
	}

	info := &p4configv1.P4Info{}
	if err := prototext.Unmarshal(data, info); err != nil {
		return nil, fmt.Errorf("failed to parse p4info: %w", err)
	}

	return NewSchema(info), nil
}

// NewSchema indexes an already parsed P4Info message.
func NewSchema(info *p4configv1.P4Info) *Schema {
	s := &Schema{
		info:        info,
		tables:      map[string]*p4configv1.Table{},
		actions:     map[string]*p4configv1.Action{},
		counters:    map[string]*p4configv1.Counter{},
		tableNames:  map[uint32]string{},
		actionNames: map[uint32]string{},
	}

	for _, t := range info.GetTables() {
		s.tables[t.GetPreamble().GetName()] = t
		s.tableNames[t.GetPreamble().GetId()] = t.GetPreamble().GetName()
	}
	for _, a := range info.GetActions() {
		s.actions[a.GetPreamble().GetName()] = a
		s.actionNames[a.GetPreamble().GetId()] = a.GetPreamble().GetName()
	}
	for _, c := range info.GetCounters() {
		s.counters[c.GetPreamble().GetName()] = c
	}

	return s
}

// P4Info returns the underlying metadata message.
func (s *Schema) P4Info() *p4configv1.P4Info {
	return s.info
}

// TableID resolves a table name.
func (s *Schema) TableID(name string) (uint32, error) {
	t, ok := s.tables[name]
	if !ok {
		return 0, fmt.Errorf("unknown table %q", name)
	}
	return t.GetPreamble().GetId(), nil
}

// MatchFieldID resolves a match field of a table to its id and bit width.
func (s *Schema) MatchFieldID(table, field string) (uint32, int32, error) {
	t, ok := s.tables[table]
	if !ok {
		return 0, 0, fmt.Errorf("unknown table %q", table)
	}
	for _, mf := range t.GetMatchFields() {
		if mf.GetName() == field {
			return mf.GetId(), mf.GetBitwidth(), nil
		}
	}
	return 0, 0, fmt.Errorf("unknown match field %q in table %q", field, table)
}

// ActionID resolves an action name.
func (s *Schema) ActionID(name string) (uint32, error) {
	a, ok := s.actions[name]
	if !ok {
		return 0, fmt.Errorf("unknown action %q", name)
	}
	return a.GetPreamble().GetId(), nil
}

// ActionParamID resolves a parameter of an action to its id and bit width.
func (s *Schema) ActionParamID(action, param string) (uint32, int32, error) {
	a, ok := s.actions[action]
	if !ok {
		return 0, 0, fmt.Errorf("unknown action %q", action)
	}
	for _, p := range a.GetParams() {
		if p.GetName() == param {
			return p.GetId(), p.GetBitwidth(), nil
		}
	}
	return 0, 0, fmt.Errorf("unknown param %q of action %q", param, action)
}

// CounterID resolves a counter name.
func (s *Schema) CounterID(name string) (uint32, error) {
	c, ok := s.counters[name]
	if !ok {
		return 0, fmt.Errorf("unknown counter %q", name)
	}
	return c.GetPreamble().GetId(), nil
}

// TableName resolves a table id back to its name, for dumps.
func (s *Schema) TableName(id uint32) string {
	if name, ok := s.tableNames[id]; ok {
		return name
	}
	return fmt.Sprintf("table<%d>", id)
}

// ActionName resolves an action id back to its name, for dumps.
func (s *Schema) ActionName(id uint32) string {
	if name, ok := s.actionNames[id]; ok {
		return name
	}
	return fmt.Sprintf("action<%d>", id)
}

// encodeUint encodes a numeric value into the fixed-width big-endian
// byte string the device expects for a field of the given bit width.
func encodeUint(v uint64, bitwidth int32) []byte {
	n := int(bitwidth+7) / 8
	if n == 0 {
		n = 1
	}
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}
