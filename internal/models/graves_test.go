package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectID_MarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		id   ObjectID
		want string
	}{
		{
			name: "millisecond epoch id is quoted",
			id:   ObjectID(1684946058123),
			want: `"1684946058123"`,
		},
		{
			name: "zero",
			id:   ObjectID(0),
			want: `"0"`,
		},
		{
			name: "negative id survives",
			id:   ObjectID(-5),
			want: `"-5"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestObjectID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ObjectID
		wantErr bool
	}{
		{
			name:  "string form",
			input: `"1684946058123"`,
			want:  ObjectID(1684946058123),
		},
		{
			name:  "numeric form from older clients",
			input: `1684946058123`,
			want:  ObjectID(1684946058123),
		},
		{
			name:    "garbage string",
			input:   `"not-a-number"`,
			wantErr: true,
		},
		{
			name:    "float is rejected",
			input:   `1.5`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id ObjectID
			err := json.Unmarshal([]byte(tt.input), &id)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, id)
			}
		})
	}
}

func TestGraves_RoundTrip(t *testing.T) {
	g := NewGraves()
	g.Cards = append(g.Cards, 111, 222)
	g.Notes = append(g.Notes, 333)

	data, err := json.Marshal(g)
	require.NoError(t, err)

	// IDs must appear as strings on the wire
	assert.JSONEq(t, `{"cards":["111","222"],"notes":["333"],"decks":[]}`, string(data))

	var back Graves
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, g.Cards, back.Cards)
	assert.Equal(t, g.Notes, back.Notes)
	assert.Equal(t, 3, back.Len())
	assert.False(t, back.Empty())
}

func TestGraves_EmptySerializesAsArrays(t *testing.T) {
	data, err := json.Marshal(NewGraves())
	require.NoError(t, err)
	assert.JSONEq(t, `{"cards":[],"notes":[],"decks":[]}`, string(data))
	assert.True(t, NewGraves().Empty())
}
