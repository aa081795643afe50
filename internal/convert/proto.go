package convert

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	model "github.com/and161185/miniapp-gate/internal/model"
)

// --- helpers ---

func ts(ms int64) *timestamppb.Timestamp {
	if ms == 0 {
		return nil
	}
	return timestamppb.New(time.UnixMilli(ms))
}

// --- Session ---

// ToProtoSession flattens a session into a protobuf Struct. The last-seen
// timestamp is additionally exposed as an RFC 3339 string under "seen".
func ToProtoSession(s model.Session) (*structpb.Struct, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	if t := ts(s.TS); t != nil {
		m["seen"] = t.AsTime().UTC().Format(time.RFC3339)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return out, nil
}

// FromProtoSession decodes a Struct produced by ToProtoSession.
func FromProtoSession(in *structpb.Struct) (model.Session, error) {
	if in == nil {
		return model.Session{}, fmt.Errorf("nil session")
	}
	m := in.AsMap()
	delete(m, "seen")
	d, err := model.ToDoc(m)
	if err != nil {
		return model.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return model.SessionFromDoc(d)
}

// --- SessionID ---

// FromProtoSessionID validates a wrapped session id.
func FromProtoSessionID(in *wrapperspb.StringValue) (model.SessionID, error) {
	id := model.SessionID(in.GetValue())
	if _, _, ok := id.Split(); !ok {
		return "", fmt.Errorf("invalid session id")
	}
	return id, nil
}

// ToProtoToken wraps a rotated webhook token.
func ToProtoToken(token string) *wrapperspb.StringValue {
	return wrapperspb.String(token)
}
