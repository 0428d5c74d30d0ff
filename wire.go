package pvnet

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Wire codec for the websocket transport. Values travel as protojson-encoded
// `structpb.Struct` trees (nested by dotted path) plus the flat schema order
// and changed set, inside small JSON frames.

type frameType string

const (
	frameGet     frameType = "get"
	framePut     frameType = "put"
	frameRPC     frameType = "rpc"
	frameMonitor frameType = "monitor"
	frameUnsub   frameType = "unsubscribe"

	frameResult    frameType = "result"
	frameUpdate    frameType = "update"
	frameSubClosed frameType = "subClosed"
)

type frame struct {
	Type frameType `json:"type"`
	// request/result correlation
	Seq uint64 `json:"seq,omitempty"`
	// subscription correlation (client-assigned)
	Sub string `json:"sub,omitempty"`

	Pv               string `json:"pv,omitempty"`
	Request          string `json:"request,omitempty"`
	NotifyDisconnect bool   `json:"notifyDisconnect,omitempty"`

	Value        *wireValue `json:"value,omitempty"`
	Disconnected bool       `json:"disconnected,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
}

type wireValue struct {
	Fields  []string        `json:"fields"`
	Value   json.RawMessage `json:"value"`
	Changed []string        `json:"changed,omitempty"`
}

func encodeWireValue(v *Value) (*wireValue, error) {
	if v == nil {
		return nil, nil
	}
	nested := map[string]any{}
	for _, path := range v.order {
		value, _ := v.Get(path)
		if err := nestPut(nested, path, value); err != nil {
			return nil, err
		}
	}
	st, err := structpb.NewStruct(nested)
	if err != nil {
		return nil, err
	}
	raw, err := protojson.Marshal(st)
	if err != nil {
		return nil, err
	}
	return &wireValue{
		Fields:  v.Keys(),
		Value:   raw,
		Changed: v.ChangedSet(),
	}, nil
}

func decodeWireValue(wv *wireValue) (*Value, error) {
	if wv == nil {
		return nil, nil
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(wv.Value, st); err != nil {
		return nil, err
	}
	nested := st.AsMap()
	v := NewValue(wv.Fields)
	for _, path := range wv.Fields {
		if value, ok := nestGet(nested, path); ok {
			v.data[path] = value
		}
	}
	for _, path := range wv.Changed {
		if v.Has(path) {
			v.changed[path] = true
		}
	}
	return v, nil
}

func nestPut(nested map[string]any, path string, value any) error {
	node := nested
	for {
		i := indexDot(path)
		if i < 0 {
			node[path] = value
			return nil
		}
		head, rest := path[:i], path[i+1:]
		child, ok := node[head]
		if !ok {
			childMap := map[string]any{}
			node[head] = childMap
			node = childMap
		} else {
			childMap, ok := child.(map[string]any)
			if !ok {
				return fmt.Errorf("field path %q collides with a scalar", path)
			}
			node = childMap
		}
		path = rest
	}
}

func nestGet(nested map[string]any, path string) (any, bool) {
	node := nested
	for {
		i := indexDot(path)
		if i < 0 {
			value, ok := node[path]
			return value, ok
		}
		head, rest := path[:i], path[i+1:]
		child, ok := node[head].(map[string]any)
		if !ok {
			return nil, false
		}
		node = child
		path = rest
	}
}

func indexDot(path string) int {
	for i := 0; i < len(path); i += 1 {
		if path[i] == '.' {
			return i
		}
	}
	return -1
}

// error <-> wire mapping. Sentinels travel as a kind tag; handler errors
// carry the message verbatim.

const (
	wireErrNotOpen          = "NotOpen"
	wireErrAlreadyOpen      = "AlreadyOpen"
	wireErrDuplicateName    = "DuplicateName"
	wireErrNoSuchChannel    = "NoSuchChannel"
	wireErrInvalidRequest   = "InvalidRequest"
	wireErrDisconnected     = "Disconnected"
	wireErrTimeout          = "Timeout"
	wireErrUnhandled        = "UnhandledOperation"
	wireErrDoubleCompletion = "DoubleCompletion"
	wireErrHandler          = "Handler"
	wireErrInternal         = "Internal"
)

func encodeWireError(err error) (kind string, msg string) {
	var handlerErr *HandlerError
	switch {
	case err == nil:
		return "", ""
	case errors.As(err, &handlerErr):
		return wireErrHandler, handlerErr.Msg
	case errors.Is(err, ErrNotOpen):
		return wireErrNotOpen, err.Error()
	case errors.Is(err, ErrAlreadyOpen):
		return wireErrAlreadyOpen, err.Error()
	case errors.Is(err, ErrDuplicateName):
		return wireErrDuplicateName, err.Error()
	case errors.Is(err, ErrNoSuchChannel):
		return wireErrNoSuchChannel, err.Error()
	case errors.Is(err, ErrInvalidRequest):
		return wireErrInvalidRequest, err.Error()
	case errors.Is(err, ErrDisconnected):
		return wireErrDisconnected, err.Error()
	case errors.Is(err, ErrTimeout):
		return wireErrTimeout, err.Error()
	case errors.Is(err, ErrUnhandledOperation):
		return wireErrUnhandled, err.Error()
	case errors.Is(err, ErrDoubleCompletion):
		return wireErrDoubleCompletion, err.Error()
	default:
		return wireErrInternal, err.Error()
	}
}

func decodeWireError(kind string, msg string) error {
	switch kind {
	case "":
		return nil
	case wireErrHandler:
		return &HandlerError{Msg: msg}
	case wireErrNotOpen:
		return ErrNotOpen
	case wireErrAlreadyOpen:
		return ErrAlreadyOpen
	case wireErrDuplicateName:
		return ErrDuplicateName
	case wireErrNoSuchChannel:
		return ErrNoSuchChannel
	case wireErrInvalidRequest:
		return ErrInvalidRequest
	case wireErrDisconnected:
		return ErrDisconnected
	case wireErrTimeout:
		return ErrTimeout
	case wireErrUnhandled:
		return ErrUnhandledOperation
	case wireErrDoubleCompletion:
		return ErrDoubleCompletion
	default:
		return errors.New(msg)
	}
}
