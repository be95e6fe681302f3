package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanityCounts_MarshalJSON(t *testing.T) {
	c := SanityCounts{
		Sched:  [3]int{1, 2, 3},
		Cards:  10,
		Notes:  9,
		Revlog: 8,
		Graves: 7,
		Models: 6,
		Decks:  5,
		DConf:  4,
	}

	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `[[1,2,3],10,9,8,7,6,5,4]`, string(data))
}

func TestSanityCounts_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    SanityCounts
		wantErr bool
	}{
		{
			name:  "full vector",
			input: `[[4,5,6],1,2,3,0,7,8,9]`,
			want: SanityCounts{
				Sched:  [3]int{4, 5, 6},
				Cards:  1,
				Notes:  2,
				Revlog: 3,
				Graves: 0,
				Models: 7,
				Decks:  8,
				DConf:  9,
			},
		},
		{
			name:    "short vector",
			input:   `[[0,0,0],1,2]`,
			wantErr: true,
		},
		{
			name:    "not an array",
			input:   `{"cards":1}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c SanityCounts
			err := json.Unmarshal([]byte(tt.input), &c)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, c)
			}
		})
	}
}

func TestSanityCounts_ZeroSched(t *testing.T) {
	c := SanityCounts{Sched: [3]int{1, 2, 3}, Cards: 5}
	z := c.ZeroSched()
	assert.Equal(t, [3]int{}, z.Sched)
	assert.Equal(t, 5, z.Cards)
	// original untouched
	assert.Equal(t, [3]int{1, 2, 3}, c.Sched)
}

func TestMediaChange_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		change MediaChange
		wire   string
	}{
		{
			name:   "live file",
			change: MediaChange{Fname: "a.jpg", Usn: 3, Sha1: "deadbeef"},
			wire:   `["a.jpg",3,"deadbeef"]`,
		},
		{
			name:   "tombstone has empty sha1",
			change: MediaChange{Fname: "gone.mp3", Usn: 9, Sha1: ""},
			wire:   `["gone.mp3",9,""]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.change)
			require.NoError(t, err)
			assert.JSONEq(t, tt.wire, string(data))

			var back MediaChange
			require.NoError(t, json.Unmarshal(data, &back))
			assert.Equal(t, tt.change, back)
		})
	}
}

func TestMetaResponse_FieldNames(t *testing.T) {
	data, err := json.Marshal(MetaResponse{Cont: true, Uname: "alice"})
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	for _, key := range []string{"mod", "scm", "usn", "ts", "musn", "msg", "cont", "empty", "uname", "hostNum"} {
		assert.Contains(t, m, key)
	}
}
