package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/jingjin/internal/domain"
)

// encodeJSON marshals v, substituting fallback for a nil value.
func encodeJSON(v any, fallback string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return fallback, nil
	}
	return string(b), nil
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

type studentColumns struct {
	abilityProfile string
	interests      string
	feedback       string
}

func encodeStudent(s *domain.Student) (studentColumns, error) {
	var cols studentColumns
	var err error
	if cols.abilityProfile, err = encodeJSON(s.AbilityProfile, "{}"); err != nil {
		return cols, fmt.Errorf("encode ability profile: %w", err)
	}
	if cols.interests, err = encodeJSON(s.Interests, "[]"); err != nil {
		return cols, fmt.Errorf("encode interests: %w", err)
	}
	if cols.feedback, err = encodeJSON(s.FeedbackSummaries, "[]"); err != nil {
		return cols, fmt.Errorf("encode feedback summaries: %w", err)
	}
	return cols, nil
}

func decodeStudent(s *domain.Student, abilityProfile, interests, feedback []byte) error {
	if err := decodeJSON(abilityProfile, &s.AbilityProfile); err != nil {
		return fmt.Errorf("decode ability profile: %w", err)
	}
	if err := decodeJSON(interests, &s.Interests); err != nil {
		return fmt.Errorf("decode interests: %w", err)
	}
	if err := decodeJSON(feedback, &s.FeedbackSummaries); err != nil {
		return fmt.Errorf("decode feedback summaries: %w", err)
	}
	return nil
}

// encodeMetadata returns nil for empty metadata so the column stays NULL.
func encodeMetadata(m *domain.ActionMetadata) (any, error) {
	if m.Empty() {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode action metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(raw []byte) (*domain.ActionMetadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m domain.ActionMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode action metadata: %w", err)
	}
	return &m, nil
}

// stamp assigns an ID and creation time when the caller left them empty.
func stamp(id *string, createdAt *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if createdAt.IsZero() {
		*createdAt = time.Now().UTC()
	}
}
