package command_test

import (
	"strings"
	"testing"

	"github.com/jasperhome/jasperd/internal/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLedPattern(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []byte // leading slots; rest must be zero
		wantErr error
	}{
		{
			name:    "single digit fills first slot",
			payload: "5",
			want:    []byte{5},
		},
		{
			name:    "eight digits map by position",
			payload: "01234567",
			want:    []byte{0, 1, 2, 3, 4, 5, 6, 7},
		},
		{
			name:    "full strip accepted verbatim",
			payload: strings.Repeat("7", 60),
			want:    bytesRepeat(7, 60),
		},
		{
			name:    "longer than strip keeps first sixty",
			payload: strings.Repeat("3", 60) + "12345",
			want:    bytesRepeat(3, 60),
		},
		{
			name:    "empty payload rejected",
			payload: "",
			wantErr: command.ErrBadLength,
		},
		{
			name:    "digit eight rejected",
			payload: "012345678",
			wantErr: command.ErrBadValue,
		},
		{
			name:    "letter rejected",
			payload: "012a456",
			wantErr: command.ErrBadValue,
		},
		{
			name:    "space rejected",
			payload: "01 23",
			wantErr: command.ErrBadValue,
		},
		{
			name:    "invalid byte beyond strip length still rejects",
			payload: strings.Repeat("1", 60) + "x",
			wantErr: command.ErrBadValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := command.ParseLedPattern([]byte(tt.payload))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			var want command.LedPattern
			copy(want[:], tt.want)
			assert.Equal(t, want, got)
		})
	}
}

func TestLedPatternString(t *testing.T) {
	p, err := command.ParseLedPattern([]byte("01234567"))
	require.NoError(t, err)

	s := p.String()
	assert.Len(t, s, command.PatternLength)
	assert.Equal(t, "01234567"+strings.Repeat("0", 52), s)
	assert.Equal(t, []byte(s), p.Bytes())
}

func TestLedPatternRoundTrip(t *testing.T) {
	in := "7070707"
	p, err := command.ParseLedPattern([]byte(in))
	require.NoError(t, err)

	again, err := command.ParseLedPattern(p.Bytes())
	require.NoError(t, err)
	assert.Equal(t, p, again)
}

func bytesRepeat(v byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}
