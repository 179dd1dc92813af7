package solana

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToLamports(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		want   uint64
	}{
		{"small fraction", "0.0001", 100_000},
		{"whole unit", "1", 1_000_000_000},
		{"one and a half", "1.5", 1_500_000_000},
		{"zero", "0", 0},
		{"nine decimals exact", "0.000000001", 1},
		{"leading dot", ".25", 250_000_000},
		{"trailing dot", "2.", 2_000_000_000},
		{"truncates past nine decimals", "0.0000000019", 1},
		{"truncates never rounds", "1.9999999999", 1_999_999_999},
		{"large amount", "500000", 500_000_000_000_000},
		{"whitespace tolerated", " 0.5 ", 500_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToLamports(tt.amount)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToLamports_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		amount string
	}{
		{"empty", ""},
		{"negative", "-1"},
		{"letters", "abc"},
		{"mixed", "1.2x"},
		{"lone dot", "."},
		{"two dots", "1.2.3"},
		{"garbage past ninth decimal", "1.000000000abc"},
		{"garbage inside truncated tail", "0.00000000012x4"},
		{"overflow", "99999999999999999999"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ToLamports(tt.amount)
			require.Error(t, err)
		})
	}
}

func TestFormatLamports(t *testing.T) {
	assert.Equal(t, "1", FormatLamports(1_000_000_000))
	assert.Equal(t, "1.5", FormatLamports(1_500_000_000))
	assert.Equal(t, "0.0001", FormatLamports(100_000))
	assert.Equal(t, "0.000000001", FormatLamports(1))
	assert.Equal(t, "0", FormatLamports(0))
}

func TestToLamportsFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"0.0001", "1", "1.5", "123.456789012"} {
		lamports, err := ToLamports(s)
		require.NoError(t, err)
		back, err := ToLamports(FormatLamports(lamports))
		require.NoError(t, err)
		assert.Equal(t, lamports, back, "amount %s", s)
	}
}
