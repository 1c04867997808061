package transport

import (
	"reflect"
	"sync"

	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"
)

// Registry resolves the string tag carried in an envelope to a frame type.
type Registry struct {
	lk     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

func NewRegistry() *Registry {
	return &Registry{
		byName: map[string]reflect.Type{},
		byType: map[reflect.Type]string{},
	}
}

// Register adds a frame type under name. proto may be a value or a pointer;
// decoded frames are always handed out as pointers. The type must already be
// registered with the CBOR atlas.
func (r *Registry) Register(name string, proto interface{}) {
	t := reflect.TypeOf(proto)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	r.lk.Lock()
	defer r.lk.Unlock()
	r.byName[name] = t
	r.byType[t] = name
}

// Name returns the tag of frame's type.
func (r *Registry) Name(frame interface{}) (string, bool) {
	t := reflect.TypeOf(frame)
	if t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	r.lk.RLock()
	defer r.lk.RUnlock()
	n, ok := r.byType[t]
	return n, ok
}

func (r *Registry) encode(frame interface{}) (string, []byte, error) {
	name, ok := r.Name(frame)
	if !ok {
		return "", nil, xerrors.Errorf("frame type %T is not registered", frame)
	}
	v := reflect.ValueOf(frame)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return "", nil, xerrors.Errorf("nil %s frame", name)
		}
		v = v.Elem()
	}
	b, err := cbor.DumpObject(v.Interface())
	if err != nil {
		return "", nil, xerrors.Errorf("encoding %s frame: %w", name, err)
	}
	return name, b, nil
}

func (r *Registry) decode(name string, data []byte) (interface{}, error) {
	r.lk.RLock()
	t, ok := r.byName[name]
	r.lk.RUnlock()
	if !ok {
		return nil, xerrors.Errorf("%w: %q", ErrUnknownFrameType, name)
	}
	ptr := reflect.New(t).Interface()
	if err := cbor.DecodeInto(data, ptr); err != nil {
		return nil, xerrors.Errorf("decoding %s frame: %w", name, err)
	}
	return ptr, nil
}
