// ABOUTME: Tests for snapshot validation
// ABOUTME: Covers domain bounds, NaN confidence and unknown statuses

package score

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSnapshot() Snapshot {
	return Snapshot{
		Score:                    75,
		Status:                   StatusUncertain,
		Confidence:               0.5,
		Reasoning:                "mixed signals",
		MessageCountAtEvaluation: 4,
		EvaluatedAt:              time.Now(),
	}
}

func TestSnapshot_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Snapshot)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Snapshot) {}},
		{name: "score zero", mutate: func(s *Snapshot) { s.Score = 0 }},
		{name: "score hundred", mutate: func(s *Snapshot) { s.Score = 100 }},
		{name: "score negative", mutate: func(s *Snapshot) { s.Score = -1 }, wantErr: true},
		{name: "score over hundred", mutate: func(s *Snapshot) { s.Score = 101 }, wantErr: true},
		{name: "confidence one", mutate: func(s *Snapshot) { s.Confidence = 1 }},
		{name: "confidence over one", mutate: func(s *Snapshot) { s.Confidence = 1.01 }, wantErr: true},
		{name: "confidence negative", mutate: func(s *Snapshot) { s.Confidence = -0.1 }, wantErr: true},
		{name: "confidence NaN", mutate: func(s *Snapshot) { s.Confidence = math.NaN() }, wantErr: true},
		{name: "unknown status", mutate: func(s *Snapshot) { s.Status = "maybe" }, wantErr: true},
		{name: "negative count", mutate: func(s *Snapshot) { s.MessageCountAtEvaluation = -3 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSnapshot()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidSnapshot)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestInitial_IsValidAndInformational(t *testing.T) {
	s := Initial(time.Now())
	require.NoError(t, s.Validate())
	assert.Equal(t, StatusInsufficientData, s.Status)
	assert.Equal(t, 0, s.MessageCountAtEvaluation)
}
