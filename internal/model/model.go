// Package model defines domain entities used by services and stores.
package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// User is the platform-supplied identity embedded into launch data.
type User struct {
	ID              int64  `json:"id"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name,omitempty"`
	Username        string `json:"username,omitempty"`
	LanguageCode    string `json:"language_code,omitempty"`
	PhotoURL        string `json:"photo_url,omitempty"`
	IsPremium       bool   `json:"is_premium,omitempty"`
	AllowsWriteToPM bool   `json:"allows_write_to_pm,omitempty"`
}

// DisplayName joins first and last name, falling back to @username.
func (u User) DisplayName() string {
	parts := make([]string, 0, 2)
	for _, p := range []string{u.FirstName, u.LastName} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	name := strings.Join(parts, " ")
	if len(name) > 1 {
		return name
	}
	if u.Username != "" {
		if name == "" {
			return "@" + u.Username
		}
		return name + " @" + u.Username
	}
	return name
}

// SessionID references a stored session: "<userId>:<opaqueToken>".
type SessionID string

// NewSessionID joins a user id and an opaque token.
func NewSessionID(userID int64, token string) SessionID {
	return SessionID(strconv.FormatInt(userID, 10) + ":" + token)
}

// Split returns the user and token parts. ok is false for malformed ids.
func (id SessionID) Split() (user, token string, ok bool) {
	user, token, found := strings.Cut(string(id), ":")
	user, token = strings.TrimSpace(user), strings.TrimSpace(token)
	if !found || user == "" || token == "" {
		return "", "", false
	}
	return user, token, true
}

// Doc is a schemaless JSON object as persisted in the key-value store.
type Doc map[string]any

// MergeDocs folds sources left to right; keys of later sources win.
func MergeDocs(sources ...Doc) Doc {
	out := Doc{}
	for _, src := range sources {
		for k, v := range src {
			out[k] = v
		}
	}
	return out
}

// ToDoc converts a JSON-encodable value into a Doc.
func ToDoc(v any) (Doc, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return DecodeDoc(b)
}

// DecodeDoc parses a JSON object keeping numbers as json.Number.
func DecodeDoc(b []byte) (Doc, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var d Doc
	if err := dec.Decode(&d); err != nil {
		return nil, err
	}
	if d == nil {
		return nil, errors.New("model: document is not an object")
	}
	return d, nil
}

// sessionKeys are the attributes decoded into typed Session fields.
var sessionKeys = map[string]struct{}{
	"id": {}, "first_name": {}, "last_name": {}, "username": {}, "language_code": {},
	"photo_url": {}, "is_premium": {}, "allows_write_to_pm": {}, "name": {}, "ts": {},
}

// Session is a stored session or profile document: the platform user, the
// derived display name, the last-seen timestamp (ms) and any extension fields.
type Session struct {
	User
	Name  string
	TS    int64
	Extra Doc
}

type sessionHead struct {
	User
	Name string `json:"name,omitempty"`
	TS   int64  `json:"ts,omitempty"`
}

// SessionFromDoc decodes a stored document. Unknown keys land in Extra.
func SessionFromDoc(d Doc) (Session, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return Session{}, err
	}
	var h sessionHead
	if err := json.Unmarshal(b, &h); err != nil {
		return Session{}, err
	}
	s := Session{User: h.User, Name: h.Name, TS: h.TS}
	for k, v := range d {
		if _, known := sessionKeys[k]; known {
			continue
		}
		if s.Extra == nil {
			s.Extra = Doc{}
		}
		s.Extra[k] = v
	}
	return s, nil
}

// Doc flattens the session back into a single object.
func (s Session) Doc() (Doc, error) {
	head, err := ToDoc(sessionHead{User: s.User, Name: s.Name, TS: s.TS})
	if err != nil {
		return nil, err
	}
	return MergeDocs(s.Extra, head), nil
}

// MarshalJSON renders the flattened document.
func (s Session) MarshalJSON() ([]byte, error) {
	d, err := s.Doc()
	if err != nil {
		return nil, err
	}
	return json.Marshal(d)
}

// NewSession is the result of a successful authentication.
type NewSession struct {
	ID   SessionID
	User Session
}
