// Package decoder turns received frames into battery readings.
//
// Resolution order for a frame: a handler registered for its CAN id, then
// the active protocol definition, then the legacy fixed layouts. The legacy
// layouts are only consulted while no definition is active.
package decoder

import (
	"bms-can-monitor/internal/models"
	"bms-can-monitor/internal/protocol"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// MaxHandlers bounds the number of per-id overrides
const MaxHandlers = 16

var ErrHandlerRegistryFull = errors.New("handler registry full")

// Handler decodes one frame into r and reports whether it succeeded
type Handler interface {
	Decode(frame models.Frame, r *models.Reading) bool
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(frame models.Frame, r *models.Reading) bool

func (f HandlerFunc) Decode(frame models.Frame, r *models.Reading) bool {
	return f(frame, r)
}

// FieldValue is one decoded field of a definition message
type FieldValue struct {
	Name  string  `json:"name"`
	Value float32 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
	Valid bool    `json:"valid"`
	State string  `json:"state,omitempty"`
}

// Decoder dispatches frames to the right decoding strategy
type Decoder struct {
	mu       sync.RWMutex
	handlers map[uint32]Handler

	active atomic.Pointer[protocol.Definition]
	log    logrus.FieldLogger
}

// New creates a decoder with no handlers and no active definition
func New(logger logrus.FieldLogger) *Decoder {
	return &Decoder{
		handlers: make(map[uint32]Handler, MaxHandlers),
		log:      logger.WithField("component", "decoder"),
	}
}

// RegisterHandler installs h for canID, replacing any earlier handler for the same id
func (d *Decoder) RegisterHandler(canID uint32, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[canID]; exists {
		d.handlers[canID] = h
		d.log.Debugf("Updated handler for ID 0x%03X", canID)
		return nil
	}
	if len(d.handlers) >= MaxHandlers {
		return fmt.Errorf("%w: cannot add 0x%03X", ErrHandlerRegistryFull, canID)
	}
	d.handlers[canID] = h
	d.log.Debugf("Registered handler for ID 0x%03X", canID)
	return nil
}

// UnregisterHandler removes the handler for canID
func (d *Decoder) UnregisterHandler(canID uint32) {
	d.mu.Lock()
	delete(d.handlers, canID)
	d.mu.Unlock()
}

// SetDefinition atomically installs def. A nil def returns to legacy decoding.
// Invalid definitions are refused and the current one stays active.
func (d *Decoder) SetDefinition(def *protocol.Definition) error {
	if def != nil {
		if err := def.Validate(); err != nil {
			return err
		}
	}
	d.active.Store(def)
	if def == nil {
		d.log.Info("Protocol cleared, using legacy decoding")
	} else {
		d.log.WithField("protocol", def.Name).Info("Protocol activated")
	}
	return nil
}

// Definition returns the active definition, or nil
func (d *Decoder) Definition() *protocol.Definition {
	return d.active.Load()
}

// Decode produces a reading for frame. The second result is false when no
// strategy claimed the frame; the reading then has Valid unset.
func (d *Decoder) Decode(frame models.Frame) (models.Reading, bool) {
	var r models.Reading

	d.mu.RLock()
	h, ok := d.handlers[frame.ID]
	d.mu.RUnlock()
	if ok {
		if !h.Decode(frame, &r) {
			return models.Reading{}, false
		}
		r.Valid = true
		return r, true
	}

	if def := d.active.Load(); def != nil {
		ok := decodeDefinition(def, frame, &r)
		return r, ok
	}

	ok = decodeLegacy(frame, &r)
	return r, ok
}

// DecodeFields extracts every field of the matching message of the active
// definition. Enum fields carry their symbolic state.
func (d *Decoder) DecodeFields(frame models.Frame) ([]FieldValue, bool) {
	def := d.active.Load()
	if def == nil {
		return nil, false
	}
	msg := def.FindMessage(frame.ID)
	if msg == nil {
		return nil, false
	}

	payload := frame.Payload()
	out := make([]FieldValue, 0, msg.Fields.Len())
	for _, f := range msg.Fields.All() {
		v := f.ExtractValue(payload)
		fv := FieldValue{Name: f.Name, Value: v, Unit: f.Unit, Valid: f.IsValueValid(v)}
		if math.IsNaN(float64(v)) {
			fv.Value = 0
		}
		if raw, ok := f.RawBits(payload); ok {
			if name, ok := f.EnumName(raw); ok {
				fv.State = name
			}
		}
		out = append(out, fv)
	}
	return out, true
}
