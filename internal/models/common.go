// internal/models/common.go
package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base model with common fields
type BaseModel struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (m *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// Source identifies the marketplace a product was scraped from.
type Source string

const (
	SourceMedicalExpo Source = "medicalexpo"
	SourceMedline     Source = "medline"
	SourceAlibaba     Source = "alibaba"
)

var AllSources = []Source{SourceMedicalExpo, SourceMedline, SourceAlibaba}

func ParseSource(s string) (Source, error) {
	for _, src := range AllSources {
		if strings.EqualFold(s, string(src)) {
			return src, nil
		}
	}
	return "", fmt.Errorf("unknown source %q", s)
}

// SpecEntry is one specification row.
type SpecEntry struct {
	Key   string
	Value string
}

// Specifications is an ordered string map. It serializes as a JSON object
// whose key order matches the slice order.
type Specifications []SpecEntry

// Set overwrites an existing key in place or appends a new one.
func (s *Specifications) Set(key, value string) {
	for i := range *s {
		if (*s)[i].Key == key {
			(*s)[i].Value = value
			return
		}
	}
	*s = append(*s, SpecEntry{Key: key, Value: value})
}

func (s Specifications) Get(key string) (string, bool) {
	for _, e := range s {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

func (s Specifications) Keys() []string {
	keys := make([]string, len(s))
	for i, e := range s {
		keys[i] = e.Key
	}
	return keys
}

func (s Specifications) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (s *Specifications) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("specifications: expected object, got %v", tok)
	}

	out := Specifications{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("specifications: expected key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			// Older rows may carry non-string values.
			value = string(raw)
		}
		out.Set(key, value)
	}
	*s = out
	return nil
}

func (s Specifications) Value() (driver.Value, error) {
	if s == nil {
		return "{}", nil
	}
	b, err := s.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *Specifications) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		return s.UnmarshalJSON(v)
	case string:
		return s.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("specifications: unsupported scan type %T", value)
	}
}

// GormDataType keeps key order: jsonb would reorder keys.
func (Specifications) GormDataType() string {
	return "json"
}

// Enums
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
)
